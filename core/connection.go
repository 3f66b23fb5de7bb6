package core

import (
	"io"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/valyala/bytebufferpool"
	"golang.org/x/sys/unix"

	"github.com/searchktools/evserver/core/http"
	"github.com/searchktools/evserver/core/pools"
	"github.com/searchktools/evserver/core/sendfile"
)

// DefaultTimeout applies when neither the connection nor the server sets
// a timeout.
const DefaultTimeout = 3 * time.Second

const (
	readChunk   = 8 << 10
	maxBuffered = 64 << 10
)

// Timeouts bound how long a connection may sit in each phase
type Timeouts struct {
	// Read limits the time to receive a request once it started.
	Read time.Duration `config:"read_timeout"`
	// Write limits the time output may stay pending without progress.
	Write time.Duration `config:"write_timeout"`
	// Idle limits the wait for the next keepalive request.
	Idle time.Duration `config:"idle_timeout"`
}

func pickTimeout(own, parent time.Duration) time.Duration {
	if own > 0 {
		return own
	}
	if parent > 0 {
		return parent
	}
	return DefaultTimeout
}

// Resolve fills unset timeouts from parent and then DefaultTimeout.
func (t Timeouts) Resolve(parent Timeouts) Timeouts {
	return Timeouts{
		Read:  pickTimeout(t.Read, parent.Read),
		Write: pickTimeout(t.Write, parent.Write),
		Idle:  pickTimeout(t.Idle, parent.Idle),
	}
}

// ConnState is the lifecycle stage of a Connection
type ConnState uint8

const (
	StateConnecting ConnState = iota
	StateActive
	StatePaused
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StatePaused:
		return "paused"
	}
	return "closed"
}

// Loop is what a Connection needs from the event loop that owns it
type Loop interface {
	Register(c *Connection) error
	SetInterest(c *Connection, read, write bool) error
	Unregister(c *Connection)
	// Schedule runs fn on the loop after the current event.
	Schedule(fn func())
	// Post runs fn on the loop from any goroutine.
	Post(fn func()) bool
	// Go runs fn on the worker pool.
	Go(fn func()) error
}

// Dispatcher serves parsed requests
type Dispatcher interface {
	Dispatch(req *http.Request, res *http.Response)
}

// ConnOptions configures a Connection
type ConnOptions struct {
	Scheme      string
	Timeouts    Timeouts
	Parent      Timeouts
	MaxBodySize int64
	Response    *http.Options
	Stats       *Stats
}

type eventKind uint8

const (
	eventTimeout eventKind = iota
	eventConnected
	eventEOF
	eventError
)

// Connection is one accepted client. All of its state is owned by the
// event loop goroutine that accepted it.
type Connection struct {
	id         uint64
	sock       Socket
	loop       Loop
	dispatcher Dispatcher
	log        zerolog.Logger
	remote     string
	scheme     string
	opts       ConnOptions
	timeouts   Timeouts
	stats      *Stats

	state ConnState
	// waiting: input is held back until the current response completes.
	waiting bool
	// keepAlive: outcome of negotiation for the current response.
	keepAlive bool
	// waitRelease: an error arrived while paused; close on Resume.
	waitRelease bool
	errored     bool
	err         error
	inFlight    bool
	completed   bool
	draining    bool

	readOn, writeOn bool

	in     []byte
	out    *bytebufferpool.ByteBuffer
	outPos int

	parser *http.Parser
	res    *http.Response
	job    *sendfile.Job

	lastRead  time.Time
	lastWrite time.Time
}

// NewConnection wraps an accepted socket. Call Initialize before use.
func NewConnection(id uint64, sock Socket, remote string, loop Loop, d Dispatcher, log zerolog.Logger, opts ConnOptions) *Connection {
	if opts.Scheme == "" {
		opts.Scheme = "http"
	}
	if opts.Stats == nil {
		opts.Stats = NewStats()
	}
	c := &Connection{
		id:         id,
		sock:       sock,
		loop:       loop,
		dispatcher: d,
		remote:     remote,
		scheme:     opts.Scheme,
		opts:       opts,
		stats:      opts.Stats,
		state:      StateConnecting,
	}
	c.log = log.With().Str("conn", opts.Scheme+"-"+strconv.FormatUint(id, 10)).Logger()
	return c
}

// Initialize configures the socket, allocates buffers and registers the
// connection with its loop.
func (c *Connection) Initialize() error {
	if c.state != StateConnecting {
		return errors.Errorf("initialize in state %s", c.state)
	}
	if err := configureSocket(c.sock.Fd(), &c.log); err != nil {
		return err
	}

	c.timeouts = c.opts.Timeouts.Resolve(c.opts.Parent)
	c.parser = http.NewParser()
	c.parser.Scheme = c.scheme
	if c.opts.MaxBodySize > 0 {
		c.parser.MaxBodySize = c.opts.MaxBodySize
	}
	c.res = http.NewResponse(c, c.opts.Response)
	c.in = pools.GetBytes(readChunk)[:0]
	c.out = bytebufferpool.Get()

	if err := c.loop.Register(c); err != nil {
		c.release()
		return errors.Wrapf(ErrTransport, "register: %v", err)
	}
	c.readOn, c.writeOn = true, false
	c.state = StateActive
	now := time.Now()
	c.lastRead, c.lastWrite = now, now
	c.onEvent(eventConnected, nil)
	return nil
}

// SetTimeouts overrides the server timeouts for this connection.
func (c *Connection) SetTimeouts(t Timeouts) {
	c.opts.Timeouts = t
	c.timeouts = t.Resolve(c.opts.Parent)
}

// Timeouts returns the effective timeouts.
func (c *Connection) Timeouts() Timeouts { return c.timeouts }

func (c *Connection) ID() uint64              { return c.id }
func (c *Connection) Fd() int                 { return c.sock.Fd() }
func (c *Connection) State() ConnState        { return c.state }
func (c *Connection) Closed() bool            { return c.state == StateClosed }
func (c *Connection) Secure() bool            { return c.scheme == "https" }
func (c *Connection) RemoteAddr() string      { return c.remote }
func (c *Connection) Logger() *zerolog.Logger { return &c.log }
func (c *Connection) Errored() bool           { return c.errored }
func (c *Connection) Err() error              { return c.err }
func (c *Connection) Waiting() bool           { return c.waiting }
func (c *Connection) SendingFile() bool       { return c.job != nil }

// Idle reports whether nothing is in progress on the connection.
func (c *Connection) Idle() bool {
	return !c.inFlight && !c.completed && c.job == nil && c.pending() == 0 && !c.parser.Started()
}

func (c *Connection) setError(err error) {
	c.errored = true
	if c.err == nil {
		c.err = err
	}
}

func (c *Connection) pending() int {
	if c.out == nil {
		return 0
	}
	return c.out.Len() - c.outPos
}

// Write queues p for the socket.
func (c *Connection) Write(p []byte) error {
	if c.state == StateClosed {
		return http.ErrConnectionGone
	}
	c.out.Write(p)
	return nil
}

// SetKeepAlive records the keepalive decision of the current response.
func (c *Connection) SetKeepAlive(on bool) {
	c.keepAlive = on && !c.draining
}

// Complete is called by the response once it is finished.
func (c *Connection) Complete() {
	if c.state == StateClosed {
		return
	}
	c.inFlight = false
	c.completed = true
	c.stats.Requests.Inc()
	c.loop.Schedule(c.onWritable)
}

// SendFile makes job the active file transfer.
func (c *Connection) SendFile(job *sendfile.Job) error {
	if c.state == StateClosed {
		return http.ErrConnectionGone
	}
	if c.job != nil {
		c.setError(ErrAlreadySendingFile)
		c.log.Error().Str("path", job.Path()).Msg(ErrAlreadySendingFile.Error())
		return ErrAlreadySendingFile
	}
	c.job = job
	c.stats.FilesSent.Inc()
	c.updateInterest()
	return nil
}

// Pause stops reading and processing until Resume.
func (c *Connection) Pause() {
	if c.state != StateActive {
		return
	}
	c.state = StatePaused
	c.updateInterest()
}

// Resume restarts a paused connection. Resuming a connection that is not
// paused flags an error and changes nothing else.
func (c *Connection) Resume() error {
	if c.state != StatePaused {
		c.setError(ErrNotPaused)
		c.log.Error().Str("state", c.state.String()).Msg(ErrNotPaused.Error())
		return ErrNotPaused
	}
	c.state = StateActive
	if c.waitRelease {
		c.Close()
		return nil
	}
	c.updateInterest()
	c.loop.Schedule(c.onWritable)
	return nil
}

// Post runs fn on the connection's loop unless the connection closed by
// then.
func (c *Connection) Post(fn func()) bool {
	return c.loop.Post(func() {
		if c.state != StateClosed {
			fn()
		}
	})
}

// Go runs fn on the worker pool.
func (c *Connection) Go(fn func()) error {
	return c.loop.Go(fn)
}

// Drain disables keepalive so the connection closes after the current
// response.
func (c *Connection) Drain() {
	c.draining = true
	c.keepAlive = false
	if c.Idle() {
		c.Close()
	}
}

// OnReadable is the read path.
func (c *Connection) OnReadable() {
	if c.state != StateActive {
		return
	}
	if err := c.fill(); err != nil {
		if errors.Is(err, io.EOF) {
			c.onEvent(eventEOF, ErrPeerClosed)
		} else {
			c.onEvent(eventError, err)
		}
		return
	}
	c.process()
}

// OnHangup handles a peer shutdown reported without readable data.
func (c *Connection) OnHangup() {
	if c.state == StateClosed {
		return
	}
	err := c.fill()
	switch {
	case err == nil:
		// nothing arrived: a spurious hangup is transient
		c.onEvent(eventEOF, unix.EAGAIN)
	case errors.Is(err, io.EOF):
		c.onEvent(eventEOF, ErrPeerClosed)
	default:
		c.onEvent(eventError, err)
	}
}

// OnError handles a socket error reported by the poller.
func (c *Connection) OnError() {
	errno, gerr := unix.GetsockoptInt(c.sock.Fd(), unix.SOL_SOCKET, unix.SO_ERROR)
	if gerr == nil && errno != 0 {
		c.onEvent(eventError, errors.Wrapf(ErrTransport, "%v", unix.Errno(errno)))
		return
	}
	c.onEvent(eventError, errors.Wrap(ErrTransport, "socket error"))
}

// OnTimeout closes the connection if one of its timeouts expired.
func (c *Connection) OnTimeout(now time.Time) bool {
	if c.state == StateClosed {
		return false
	}
	var which string
	switch {
	case c.pending() > 0 || c.job != nil:
		if now.Sub(c.lastWrite) > c.timeouts.Write {
			which = "write"
		}
	case c.inFlight || c.completed || c.state == StatePaused:
		// the application owns the connection
	case c.parser.Started() || len(c.in) > 0:
		if now.Sub(c.lastRead) > c.timeouts.Read {
			which = "read"
		}
	default:
		if now.Sub(c.lastRead) > c.timeouts.Idle {
			which = "idle"
		}
	}
	if which == "" {
		return false
	}
	c.stats.Timeouts.Inc()
	c.onEvent(eventTimeout, errors.Wrapf(ErrTimeout, "%s timeout", which))
	return true
}

// onEvent is the event path for transport signals.
func (c *Connection) onEvent(kind eventKind, err error) {
	switch kind {
	case eventTimeout:
		c.log.Debug().Err(err).Msg("timeout")
		c.Close()
		return
	case eventConnected:
		c.log.Debug().Str("remote", c.remote).Msg("connected")
		return
	}

	if kind == eventEOF && errors.Is(err, unix.EAGAIN) {
		c.readOn = false
		c.updateInterest()
		return
	}

	c.setError(err)
	if c.state == StatePaused {
		c.waitRelease = true
		return
	}
	if kind == eventEOF {
		c.log.Debug().Msg("peer closed")
	} else {
		c.log.Warn().Err(err).Msg("transport error")
	}
	c.Close()
}

// fill reads what the socket has, up to the buffer limit.
func (c *Connection) fill() error {
	for {
		if len(c.in) == cap(c.in) {
			if cap(c.in) >= maxBuffered {
				return nil
			}
			grown := pools.GetBytes(2 * cap(c.in))[:len(c.in)]
			copy(grown, c.in)
			pools.PutBytes(c.in)
			c.in = grown
		}

		space := c.in[len(c.in):cap(c.in)]
		n, err := c.sock.Read(space)
		if n > 0 {
			c.in = c.in[:len(c.in)+n]
			c.lastRead = time.Now()
			c.stats.BytesIn.Add(int64(n))
		}
		switch {
		case err == unix.EAGAIN:
			return nil
		case err == unix.EINTR:
			continue
		case err != nil:
			return errors.Wrapf(ErrTransport, "read: %v", err)
		case n == 0:
			return io.EOF
		case n < len(space):
			return nil
		}
	}
}

// process feeds buffered input to the parser and dispatches complete
// requests. Input stays buffered while a response is outstanding.
func (c *Connection) process() {
	for c.state == StateActive && len(c.in) > 0 {
		if c.inFlight || c.completed {
			c.waiting = true
			c.updateInterest()
			return
		}

		n, err := c.parser.Feed(c.in)
		c.drain(n)
		if err != nil {
			c.protocolError(err)
			return
		}
		if !c.parser.Done() {
			return
		}
		c.startRequest()
	}
}

func (c *Connection) drain(n int) {
	if n <= 0 {
		return
	}
	rest := copy(c.in, c.in[n:])
	c.in = c.in[:rest]
}

func (c *Connection) startRequest() {
	req := c.parser.Request()
	req.RemoteAddr = c.remote
	if req.QueryErr != nil {
		c.log.Debug().Err(req.QueryErr).Str("uri", req.RequestURI).Msg("query pairs dropped")
	}
	c.inFlight = true
	c.keepAlive = http.KeepAlive(req) && !c.draining
	c.res.Reset(req)
	if c.draining {
		c.res.Close()
	}
	c.dispatcher.Dispatch(req, c.res)
}

// protocolError answers a malformed request and closes afterwards.
func (c *Connection) protocolError(err error) {
	c.setError(err)
	c.stats.ProtocolErrors.Inc()

	req := c.parser.Request()
	if req.ProtoMajor == 0 {
		req.ProtoMajor, req.ProtoMinor = 1, 1
	}
	c.inFlight = true
	c.keepAlive = false
	c.res.Reset(req)
	c.res.Close()
	c.res.Error(http.StatusOf(err), err)
	if c.inFlight {
		c.Close()
	}
}

// OnWritable is the write path.
func (c *Connection) OnWritable() { c.onWritable() }

func (c *Connection) onWritable() {
	if c.state == StateClosed {
		return
	}
	if err := c.flush(); err != nil {
		c.onEvent(eventError, err)
		return
	}
	if c.state == StatePaused {
		return
	}

	if c.job != nil {
		if c.pending() == 0 {
			c.sendFileChunk()
		}
		return
	}
	if c.inFlight || c.pending() > 0 {
		return
	}

	if c.completed {
		c.completed = false
		if !c.keepAlive {
			c.Close()
			return
		}
		c.parser.Reset()
	}

	if c.waiting {
		c.waiting = false
		c.updateInterest()
		if len(c.in) > 0 {
			c.process()
		}
	}
}

func (c *Connection) sendFileChunk() {
	job := c.job
	chunk, done, err := job.Next()
	if err != nil {
		c.job = nil
		job.Close(err)
		c.res.AbortFile(err)
		c.updateInterest()
		return
	}
	if err := c.res.WriteChunk(chunk); err != nil {
		c.job = nil
		job.Close(err)
		c.onEvent(eventError, err)
		return
	}
	if done {
		c.job = nil
		job.Close(nil)
		if err := c.res.FinishFile(); err != nil {
			c.onEvent(eventError, err)
			return
		}
	}
	if err := c.flush(); err != nil {
		c.onEvent(eventError, err)
	}
}

// flush writes queued output until the socket would block.
func (c *Connection) flush() error {
	for c.pending() > 0 {
		n, err := c.sock.Write(c.out.B[c.outPos:])
		if n > 0 {
			c.outPos += n
			c.lastWrite = time.Now()
			c.stats.BytesOut.Add(int64(n))
		}
		if err == unix.EAGAIN {
			break
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return errors.Wrapf(ErrTransport, "write: %v", err)
		}
	}
	if c.pending() == 0 {
		c.out.Reset()
		c.outPos = 0
	}
	c.updateInterest()
	return nil
}

// updateInterest syncs poller interest with the connection flags.
func (c *Connection) updateInterest() {
	if c.state == StateClosed || c.state == StateConnecting {
		return
	}
	read := c.state == StateActive && !c.waiting
	write := c.pending() > 0 || c.job != nil
	if read == c.readOn && write == c.writeOn {
		return
	}
	if err := c.loop.SetInterest(c, read, write); err != nil {
		c.log.Warn().Err(err).Msg("update interest")
		return
	}
	c.readOn, c.writeOn = read, write
}

// Close tears the connection down once. The loop registration goes
// first so no callback can fire during teardown.
func (c *Connection) Close() {
	if c.state == StateClosed {
		return
	}
	wasConnecting := c.state == StateConnecting
	c.state = StateClosed
	if !wasConnecting {
		c.loop.Unregister(c)
	}

	if c.job != nil {
		job := c.job
		c.job = nil
		job.Close(ErrConnectionClosed)
	}
	c.release()
	if err := c.sock.Close(); err != nil {
		c.log.Debug().Err(err).Msg("close socket")
	}
	c.log.Debug().Bool("error", c.errored).Msg("closed")
}

func (c *Connection) release() {
	if c.in != nil {
		pools.PutBytes(c.in)
		c.in = nil
	}
	if c.out != nil {
		bytebufferpool.Put(c.out)
		c.out = nil
		c.outPos = 0
	}
}
