package core

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/searchktools/evserver/core/http"
	"github.com/searchktools/evserver/core/poller"
	"github.com/searchktools/evserver/core/pools"
)

const (
	tickInterval           = 100 * time.Millisecond
	maxEvents              = 1024
	DefaultShutdownTimeout = 5 * time.Second
)

var connIDs atomic.Uint64

// EngineConfig configures one reactor
type EngineConfig struct {
	ID         int
	Listener   *Listener
	Dispatcher Dispatcher
	// Workers runs blocking work handed off by handlers. Nil spawns a
	// goroutine per task.
	Workers *pools.WorkerPool
	// Stats may be shared by several engines.
	Stats  *Stats
	Logger zerolog.Logger

	Timeouts        Timeouts
	ShutdownTimeout time.Duration
	MaxConnections  int
	MaxBodySize     int64
	Scheme          string
	Response        *http.Options
}

// Engine is a single-threaded reactor. It accepts connections from its
// listener and drives every connection it accepted; connection state is
// only touched from the goroutine running Run.
type Engine struct {
	cfg EngineConfig
	log zerolog.Logger

	poller poller.Poller
	waker  *poller.Waker

	conns     map[int]*Connection
	registry  *xsync.MapOf[uint64, *Connection]
	scheduled []func()

	postMu  sync.Mutex
	posted  []func()
	stopped atomic.Bool
	running atomic.Bool
	// closed after Run returns
	done chan struct{}

	listening bool
}

var _ Loop = (*Engine)(nil)

// NewEngine creates an engine. The poller is created by Run.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Stats == nil {
		cfg.Stats = NewStats()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.Scheme == "" {
		cfg.Scheme = "http"
	}
	return &Engine{
		cfg:      cfg,
		log:      cfg.Logger.With().Int("worker", cfg.ID).Logger(),
		conns:    make(map[int]*Connection, 1024),
		registry: xsync.NewMapOf[uint64, *Connection](),
		done:     make(chan struct{}),
	}
}

func (e *Engine) ID() int       { return e.cfg.ID }
func (e *Engine) Stats() *Stats { return e.cfg.Stats }

// Connections returns the number of open connections. It is safe to call
// from any goroutine.
func (e *Engine) Connections() int { return e.registry.Size() }

// Done is closed once Run returned.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Run serves until ctx is cancelled, then drains connections for up to
// ShutdownTimeout and closes the rest.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("engine already running")
	}
	defer close(e.done)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var err error
	if e.poller, err = poller.New(); err != nil {
		return err
	}
	defer e.poller.Close()
	if e.waker, err = poller.NewWaker(); err != nil {
		return err
	}
	defer e.waker.Close()

	if err := e.poller.Add(e.waker.Fd(), true, false); err != nil {
		return errors.Wrap(err, "register waker")
	}
	if e.cfg.Listener != nil {
		if err := e.poller.Add(e.cfg.Listener.Fd(), true, false); err != nil {
			return errors.Wrap(err, "register listener")
		}
		e.listening = true
	}

	stop := context.AfterFunc(ctx, func() { e.waker.Wake() })
	defer stop()

	e.log.Info().Str("addr", e.addrString()).Msg("engine started")

	events := make([]poller.Event, maxEvents)
	lastSweep := time.Now()
	var deadline time.Time

	for {
		if ctx.Err() != nil && deadline.IsZero() {
			deadline = time.Now().Add(e.cfg.ShutdownTimeout)
			e.beginShutdown()
		}
		if !deadline.IsZero() && (len(e.conns) == 0 || time.Now().After(deadline)) {
			break
		}

		n, err := e.poller.Wait(events, int(tickInterval/time.Millisecond))
		if err != nil {
			e.log.Error().Err(err).Msg("poller wait")
			break
		}
		for i := 0; i < n; i++ {
			e.handle(events[i])
			e.runScheduled()
		}

		if now := time.Now(); now.Sub(lastSweep) >= tickInterval {
			lastSweep = now
			e.sweep(now)
			e.runScheduled()
		}
	}

	e.postMu.Lock()
	e.stopped.Store(true)
	e.postMu.Unlock()
	for _, c := range e.conns {
		c.Close()
	}
	e.runPosted()
	e.log.Info().Object("stats", e.cfg.Stats.Snapshot()).Msg("engine stopped")
	return nil
}

func (e *Engine) addrString() string {
	if e.cfg.Listener == nil {
		return ""
	}
	if a := e.cfg.Listener.Addr(); a != nil {
		return a.String()
	}
	return e.cfg.Listener.Address().String()
}

func (e *Engine) handle(ev poller.Event) {
	if e.listening && ev.Fd == e.cfg.Listener.Fd() {
		e.accept()
		return
	}
	if ev.Fd == e.waker.Fd() {
		e.waker.Drain()
		e.runPosted()
		return
	}

	c, ok := e.conns[ev.Fd]
	if !ok {
		return
	}
	if ev.Err {
		c.OnError()
		return
	}
	if ev.Readable {
		c.OnReadable()
	}
	if ev.Writable && !c.Closed() {
		c.OnWritable()
	}
	if ev.Hangup && !ev.Readable && !c.Closed() {
		c.OnHangup()
	}
}

func (e *Engine) accept() {
	lfd := e.cfg.Listener.Fd()
	for {
		fd, sa, err := unix.Accept(lfd)
		if err != nil {
			switch err {
			case unix.EAGAIN:
			case unix.EINTR, unix.ECONNABORTED:
				continue
			default:
				e.log.Warn().Err(err).Msg("accept")
			}
			return
		}

		if e.cfg.MaxConnections > 0 && len(e.conns) >= e.cfg.MaxConnections {
			e.log.Warn().Int("max", e.cfg.MaxConnections).Msg("connection limit reached")
			unix.Close(fd)
			continue
		}

		c := NewConnection(connIDs.Add(1), fdSocket{fd: fd}, sockaddrString(sa), e, e.cfg.Dispatcher, e.log, ConnOptions{
			Scheme:      e.cfg.Scheme,
			Parent:      e.cfg.Timeouts,
			MaxBodySize: e.cfg.MaxBodySize,
			Response:    e.cfg.Response,
			Stats:       e.cfg.Stats,
		})
		if err := c.Initialize(); err != nil {
			c.Logger().Warn().Err(err).Msg("initialize")
			c.Close()
			continue
		}
		e.cfg.Stats.Accepted.Inc()
	}
}

// Register adds c to the poller with read interest.
func (e *Engine) Register(c *Connection) error {
	if err := e.poller.Add(c.Fd(), true, false); err != nil {
		return err
	}
	e.conns[c.Fd()] = c
	e.registry.Store(c.ID(), c)
	e.cfg.Stats.Active.Inc()
	return nil
}

func (e *Engine) SetInterest(c *Connection, read, write bool) error {
	return e.poller.Modify(c.Fd(), read, write)
}

// Unregister removes c from the poller and the connection tables.
func (e *Engine) Unregister(c *Connection) {
	if err := e.poller.Remove(c.Fd()); err != nil {
		c.Logger().Debug().Err(err).Msg("poller remove")
	}
	if cur, ok := e.conns[c.Fd()]; ok && cur == c {
		delete(e.conns, c.Fd())
	}
	e.registry.Delete(c.ID())
	e.cfg.Stats.Active.Dec()
	e.cfg.Stats.Closed.Inc()
}

// Schedule queues fn to run after the current event.
func (e *Engine) Schedule(fn func()) {
	e.scheduled = append(e.scheduled, fn)
}

func (e *Engine) runScheduled() {
	for len(e.scheduled) > 0 {
		fn := e.scheduled[0]
		e.scheduled[0] = nil
		e.scheduled = e.scheduled[1:]
		fn()
	}
	e.scheduled = e.scheduled[:0]
}

// Post queues fn for the loop from any goroutine. It reports false once
// the engine stopped.
func (e *Engine) Post(fn func()) bool {
	e.postMu.Lock()
	defer e.postMu.Unlock()
	if e.stopped.Load() {
		return false
	}
	e.posted = append(e.posted, fn)
	if e.waker != nil {
		if err := e.waker.Wake(); err != nil {
			e.log.Warn().Err(err).Msg("wake")
		}
	}
	return true
}

func (e *Engine) runPosted() {
	e.postMu.Lock()
	fns := e.posted
	e.posted = nil
	e.postMu.Unlock()

	for _, fn := range fns {
		fn()
		e.runScheduled()
	}
}

// Go runs fn off the loop.
func (e *Engine) Go(fn func()) error {
	if e.stopped.Load() {
		return ErrEngineStopped
	}
	if e.cfg.Workers == nil {
		go fn()
		return nil
	}
	return e.cfg.Workers.Submit(fn)
}

func (e *Engine) sweep(now time.Time) {
	for _, c := range e.conns {
		c.OnTimeout(now)
	}
}

// beginShutdown stops accepting and lets in-flight requests finish
// without keepalive.
func (e *Engine) beginShutdown() {
	e.log.Info().Int("connections", len(e.conns)).Msg("shutting down")
	if e.listening {
		if err := e.poller.Remove(e.cfg.Listener.Fd()); err != nil {
			e.log.Debug().Err(err).Msg("remove listener")
		}
		e.listening = false
	}
	for _, c := range e.conns {
		c.Drain()
	}
}
