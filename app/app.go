package app

import (
	"context"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/searchktools/evserver/config"
	"github.com/searchktools/evserver/core"
	"github.com/searchktools/evserver/core/http"
	"github.com/searchktools/evserver/core/middleware"
	"github.com/searchktools/evserver/core/observability"
	"github.com/searchktools/evserver/core/pools"
	"github.com/searchktools/evserver/core/router"
)

// App owns the routes and runs one engine per worker.
type App struct {
	cfg      *config.Config
	log      zerolog.Logger
	routes   *core.Routes
	pipeline *middleware.Pipeline
	stats    *core.Stats
	monitor  *observability.Monitor

	mu      sync.Mutex
	addr    net.Addr
	engines []*core.Engine
	ready   chan struct{}
}

// New creates an application instance
func New(cfg *config.Config) *App {
	return NewWithLogger(cfg, NewLogger(cfg, nil))
}

// NewWithLogger creates an application that logs to log
func NewWithLogger(cfg *config.Config, log zerolog.Logger) *App {
	stats := core.NewStats()
	return &App{
		cfg:      cfg,
		log:      log,
		routes:   router.New[http.Handler](),
		pipeline: middleware.NewPipeline(),
		stats:    stats,
		monitor:  observability.NewMonitor(stats, log),
		ready:    make(chan struct{}),
	}
}

// NewRoutes creates a router for Mount
func NewRoutes() *core.Routes {
	return router.New[http.Handler]()
}

func (a *App) Logger() *zerolog.Logger { return &a.log }
func (a *App) Routes() *core.Routes    { return a.routes }
func (a *App) Stats() *core.Stats      { return a.stats }

// Monitor returns the per-route latency and error counters.
func (a *App) Monitor() *observability.Monitor { return a.monitor }

// Use adds middlewares run before every route's handlers
func (a *App) Use(handlers ...http.Handler) *App {
	a.pipeline.Use(handlers...)
	return a
}

// Handle registers handlers for method and pattern. An invalid pattern
// is returned and must abort startup.
func (a *App) Handle(method, pattern string, handlers ...http.Handler) error {
	return a.routes.Add(method, pattern, handlers...)
}

func (a *App) GET(pattern string, handlers ...http.Handler) error {
	return a.Handle("GET", pattern, handlers...)
}

func (a *App) POST(pattern string, handlers ...http.Handler) error {
	return a.Handle("POST", pattern, handlers...)
}

func (a *App) PUT(pattern string, handlers ...http.Handler) error {
	return a.Handle("PUT", pattern, handlers...)
}

func (a *App) DELETE(pattern string, handlers ...http.Handler) error {
	return a.Handle("DELETE", pattern, handlers...)
}

func (a *App) PATCH(pattern string, handlers ...http.Handler) error {
	return a.Handle("PATCH", pattern, handlers...)
}

func (a *App) HEAD(pattern string, handlers ...http.Handler) error {
	return a.Handle("HEAD", pattern, handlers...)
}

func (a *App) OPTIONS(pattern string, handlers ...http.Handler) error {
	return a.Handle("OPTIONS", pattern, handlers...)
}

// ALL registers handlers for every method
func (a *App) ALL(pattern string, handlers ...http.Handler) error {
	return a.Handle(router.MethodAll, pattern, handlers...)
}

// Mount serves sub below prefix
func (a *App) Mount(prefix string, sub *core.Routes) error {
	return a.routes.Mount(prefix, sub)
}

// Ready is closed once every engine listens.
func (a *App) Ready() <-chan struct{} { return a.ready }

// Addr returns the bound address once Ready is closed.
func (a *App) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.addr
}

// Run serves until SIGINT or SIGTERM.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		a.log.Info().Msg("signal received, shutting down")
	}()
	return a.RunContext(ctx)
}

// RunContext serves until ctx is cancelled and every engine drained.
func (a *App) RunContext(ctx context.Context) error {
	cfg := a.cfg
	prev := pools.ApplyGCConfig(pools.GCConfig{Percent: cfg.GCPercent, MemoryLimit: cfg.MemoryLimit})
	a.log.Debug().Int("gc_percent", cfg.GCPercent).Int("previous", prev.Percent).Msg("gc configured")

	addr, err := core.ParseAddress(cfg.Addr)
	if err != nil {
		return err
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = runtime.NumCPU()
	}

	listeners, err := a.listen(addr, workers)
	if err != nil {
		return err
	}
	defer func() {
		for _, ln := range listeners {
			ln.Close()
		}
	}()

	pool := pools.NewWorkerPool(cfg.WorkerPoolSize, 0)
	defer pool.Close()
	a.monitor.ReportPool(pool)

	dispatcher := core.NewDispatcher(a.routes, a.pipeline).Observe(a.monitor)
	respOpts := &http.Options{
		StackTrace:       cfg.StackTrace,
		ServerName:       cfg.ServerName,
		CompressionLevel: cfg.CompressionLevel,
		Brotli:           cfg.Brotli,
	}
	timeouts := core.Timeouts{
		Read:  cfg.ReadTimeoutDuration(),
		Write: cfg.WriteTimeoutDuration(),
		Idle:  cfg.IdleTimeoutDuration(),
	}

	engines := make([]*core.Engine, workers)
	for i := range engines {
		engines[i] = core.NewEngine(core.EngineConfig{
			ID:              i,
			Listener:        listeners[i],
			Dispatcher:      dispatcher,
			Workers:         pool,
			Stats:           a.stats,
			Logger:          a.log,
			Timeouts:        timeouts,
			ShutdownTimeout: cfg.ShutdownTimeoutDuration(),
			MaxConnections:  cfg.MaxConnections,
			MaxBodySize:     cfg.MaxBodySize,
			Response:        respOpts,
		})
	}

	a.mu.Lock()
	a.engines = engines
	a.addr = listeners[0].Addr()
	a.mu.Unlock()

	a.log.Info().
		Str("addr", addr.String()).
		Int("workers", workers).
		Str("env", cfg.Env).
		Msg("server starting")

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if interval := cfg.StatsIntervalDuration(); interval > 0 {
		go a.monitor.Run(runCtx, interval)
	}

	wg.Add(len(engines))
	for _, e := range engines {
		go func(e *core.Engine) {
			defer wg.Done()
			if err := e.Run(runCtx); err != nil {
				errOnce.Do(func() { firstErr = errors.Wrapf(err, "worker %d", e.ID()) })
				cancel()
			}
		}(e)
	}
	close(a.ready)
	wg.Wait()

	a.log.Info().Object("stats", a.stats.Snapshot()).Msg("server stopped")
	return firstErr
}

// listen opens one listener per engine. TCP engines each bind the
// address with SO_REUSEPORT; unix sockets share one descriptor.
func (a *App) listen(addr core.Address, n int) ([]*core.Listener, error) {
	opts := core.ListenOptions{
		DeferAccept: a.cfg.DeferAccept,
		FastOpen:    a.cfg.FastOpen,
	}
	if addr.Network == core.NetworkUnix {
		// a stale socket file from a previous run blocks bind
		if fi, err := os.Stat(addr.Addr); err == nil && fi.Mode()&os.ModeSocket != 0 {
			os.Remove(addr.Addr)
		}
	}

	first, err := core.Listen(addr, opts)
	if err != nil {
		return nil, err
	}
	listeners := []*core.Listener{first}
	fail := func(err error) ([]*core.Listener, error) {
		for _, ln := range listeners {
			ln.Close()
		}
		return nil, err
	}

	if addr.Network != core.NetworkUnix {
		// bind the port the kernel picked for ":0"
		if tcp, ok := first.Addr().(*net.TCPAddr); ok {
			host, _, _ := net.SplitHostPort(addr.Addr)
			addr.Addr = net.JoinHostPort(host, strconv.Itoa(tcp.Port))
		}
	}

	for len(listeners) < n {
		var ln *core.Listener
		if addr.Network == core.NetworkUnix {
			ln, err = first.Share()
		} else {
			ln, err = core.Listen(addr, opts)
		}
		if err != nil {
			return fail(err)
		}
		listeners = append(listeners, ln)
	}
	return listeners, nil
}
