// Package observability keeps per-route latency and error counters and
// periodically reports them next to the server counters.
package observability

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/searchktools/evserver/core"
	"github.com/searchktools/evserver/core/http"
	"github.com/searchktools/evserver/core/pools"
)

// Unmatched is the route key of requests no route matched.
const Unmatched = "unmatched"

// Thresholds above which a route is reported as a bottleneck.
const (
	SlowRouteThreshold = 100 * time.Millisecond
	ErrorRateThreshold = 0.05
)

// bucket upper bounds in milliseconds, the last bucket is unbounded
var bucketBounds = [...]uint64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000}

// BucketLabels names the latency buckets of RouteSnapshot.Buckets.
var BucketLabels = [len(bucketBounds) + 1]string{
	"<1ms", "<5ms", "<10ms", "<50ms", "<100ms", "<500ms", "<1s", "<5s", "<10s", ">=10s",
}

// RouteMetrics accumulates the requests served by one route.
type RouteMetrics struct {
	route   string
	count   atomic.Uint64
	errors  atomic.Uint64
	total   atomic.Uint64
	min     atomic.Uint64
	max     atomic.Uint64
	buckets [len(bucketBounds) + 1]atomic.Uint64
}

func (m *RouteMetrics) record(d time.Duration, failed bool) {
	ns := uint64(d.Nanoseconds())
	m.count.Add(1)
	if failed {
		m.errors.Add(1)
	}
	m.total.Add(ns)

	for {
		cur := m.min.Load()
		if cur != 0 && ns >= cur {
			break
		}
		if m.min.CompareAndSwap(cur, ns) {
			break
		}
	}
	for {
		cur := m.max.Load()
		if ns <= cur || m.max.CompareAndSwap(cur, ns) {
			break
		}
	}

	ms := ns / uint64(time.Millisecond)
	idx := len(bucketBounds)
	for i, bound := range bucketBounds {
		if ms < bound {
			idx = i
			break
		}
	}
	m.buckets[idx].Add(1)
}

// RouteSnapshot is a copy of one route's counters.
type RouteSnapshot struct {
	Route   string                        `json:"route"`
	Count   uint64                        `json:"count"`
	Errors  uint64                        `json:"errors"`
	Min     time.Duration                 `json:"min"`
	Max     time.Duration                 `json:"max"`
	Avg     time.Duration                 `json:"avg"`
	Buckets [len(bucketBounds) + 1]uint64 `json:"buckets"`
}

// ErrorRate returns the share of failed requests.
func (s RouteSnapshot) ErrorRate() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.Errors) / float64(s.Count)
}

func (s RouteSnapshot) MarshalZerologObject(e *zerolog.Event) {
	e.Str("route", s.Route).
		Uint64("count", s.Count).
		Uint64("errors", s.Errors).
		Dur("min", s.Min).
		Dur("avg", s.Avg).
		Dur("max", s.Max)
}

// Bottleneck is a route that is slow or failing too often.
type Bottleneck struct {
	Kind    string
	Route   string
	Details string
}

// Monitor records how every dispatched request ended. It is safe for
// concurrent use by all engines.
type Monitor struct {
	routes *xsync.MapOf[string, *RouteMetrics]
	stats  *core.Stats
	pool   atomic.Pointer[pools.WorkerPool]
	log    zerolog.Logger
}

var _ core.Observer = (*Monitor)(nil)

// NewMonitor creates a monitor. stats may be nil.
func NewMonitor(stats *core.Stats, log zerolog.Logger) *Monitor {
	return &Monitor{
		routes: xsync.NewMapOf[string, *RouteMetrics](),
		stats:  stats,
		log:    log.With().Str("component", "monitor").Logger(),
	}
}

// ReportPool adds p's counters to every report.
func (m *Monitor) ReportPool(p *pools.WorkerPool) { m.pool.Store(p) }

// ObserveRequest counts a request. Errors passed down the chain and 5xx
// responses count as failures.
func (m *Monitor) ObserveRequest(req *http.Request, status int, elapsed time.Duration, err error) {
	route := req.Route
	if route == "" {
		route = Unmatched
	}
	m.Record(route, elapsed, err != nil || status >= http.StatusInternalServerError)
}

// Record adds one request to route's counters.
func (m *Monitor) Record(route string, elapsed time.Duration, failed bool) {
	rm, _ := m.routes.LoadOrCompute(route, func() *RouteMetrics {
		return &RouteMetrics{route: route}
	})
	rm.record(elapsed, failed)
}

// Snapshot returns every route's counters sorted by route.
func (m *Monitor) Snapshot() []RouteSnapshot {
	out := make([]RouteSnapshot, 0, m.routes.Size())
	m.routes.Range(func(route string, rm *RouteMetrics) bool {
		s := RouteSnapshot{
			Route:  route,
			Count:  rm.count.Load(),
			Errors: rm.errors.Load(),
			Min:    time.Duration(rm.min.Load()),
			Max:    time.Duration(rm.max.Load()),
		}
		if s.Count > 0 {
			s.Avg = time.Duration(rm.total.Load() / s.Count)
		}
		for i := range rm.buckets {
			s.Buckets[i] = rm.buckets[i].Load()
		}
		out = append(out, s)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Route < out[j].Route })
	return out
}

// Bottlenecks lists routes whose average latency or error rate is above
// the thresholds.
func (m *Monitor) Bottlenecks() []Bottleneck {
	var out []Bottleneck
	for _, s := range m.Snapshot() {
		if s.Count == 0 {
			continue
		}
		if s.Avg > SlowRouteThreshold {
			out = append(out, Bottleneck{
				Kind:    "latency",
				Route:   s.Route,
				Details: fmt.Sprintf("high latency (%v avg)", s.Avg),
			})
		}
		if rate := s.ErrorRate(); rate > ErrorRateThreshold {
			out = append(out, Bottleneck{
				Kind:    "errors",
				Route:   s.Route,
				Details: fmt.Sprintf("%.1f%% error rate", rate*100),
			})
		}
	}
	return out
}

// Report logs the server counters, the runtime memory figures and every
// bottleneck once.
func (m *Monitor) Report() {
	ev := m.log.Info()
	if m.stats != nil {
		ev = ev.Object("stats", m.stats.Snapshot())
	}
	if p := m.pool.Load(); p != nil {
		ev = ev.Object("worker_pool", p.Stats())
	}
	ev.Object("runtime", pools.ReadGCStats()).
		Object("buffers", pools.GlobalBytePoolStats()).
		Int("routes", m.routes.Size()).
		Msg("server report")

	for _, b := range m.Bottlenecks() {
		m.log.Warn().Str("kind", b.Kind).Str("route", b.Route).Msg(b.Details)
	}
}

// Run reports every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Report()
		}
	}
}
