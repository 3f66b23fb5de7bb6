package pools

import (
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"
)

var (
	ErrPoolClosed = errors.New("worker pool closed")
	ErrPoolFull   = errors.New("worker pool queues full")
)

// Task is a unit of blocking work taken off an event loop
type Task func()

// WorkerPool runs blocking tasks on a fixed set of goroutines. Each
// worker owns a queue and steals from its siblings when idle. Submit
// never runs a task inline, so an event loop can hand off work without
// stalling.
type WorkerPool struct {
	numWorkers int
	queues     []chan Task
	next       atomic.Uint64
	wg         sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	submitted *xsync.Counter
	completed *xsync.Counter
	steals    *xsync.Counter
	rejected  *xsync.Counter
}

// NewWorkerPool starts numWorkers workers, each with a queue of
// queueSize tasks. Non-positive values pick defaults.
func NewWorkerPool(numWorkers, queueSize int) *WorkerPool {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	if queueSize <= 0 {
		queueSize = 256
	}

	p := &WorkerPool{
		numWorkers: numWorkers,
		queues:     make([]chan Task, numWorkers),
		submitted:  xsync.NewCounter(),
		completed:  xsync.NewCounter(),
		steals:     xsync.NewCounter(),
		rejected:   xsync.NewCounter(),
	}
	for i := range p.queues {
		p.queues[i] = make(chan Task, queueSize)
	}

	p.wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go p.run(i)
	}
	return p
}

// Submit queues task round-robin, trying every queue once.
func (p *WorkerPool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}

	start := int(p.next.Add(1) % uint64(p.numWorkers))
	for i := 0; i < p.numWorkers; i++ {
		select {
		case p.queues[(start+i)%p.numWorkers] <- task:
			p.submitted.Inc()
			return nil
		default:
		}
	}
	p.rejected.Inc()
	return ErrPoolFull
}

func (p *WorkerPool) run(id int) {
	defer p.wg.Done()
	own := p.queues[id]

	for {
		select {
		case task, ok := <-own:
			if !ok {
				return
			}
			p.exec(task)
			continue
		default:
		}

		if p.trySteal(id) {
			continue
		}

		task, ok := <-own
		if !ok {
			return
		}
		p.exec(task)
	}
}

func (p *WorkerPool) trySteal(id int) bool {
	for i := 1; i < p.numWorkers; i++ {
		select {
		case task, ok := <-p.queues[(id+i)%p.numWorkers]:
			if ok {
				p.steals.Inc()
				p.exec(task)
				return true
			}
		default:
		}
	}
	return false
}

func (p *WorkerPool) exec(task Task) {
	defer p.completed.Inc()
	task()
}

// Close stops accepting tasks and waits for queued ones to finish.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// WorkerPoolStats reports pool activity
type WorkerPoolStats struct {
	NumWorkers int
	Submitted  int64
	Completed  int64
	Pending    int64
	Steals     int64
	Rejected   int64
}

func (s WorkerPoolStats) MarshalZerologObject(e *zerolog.Event) {
	e.Int("workers", s.NumWorkers).
		Int64("submitted", s.Submitted).
		Int64("pending", s.Pending).
		Int64("steals", s.Steals).
		Int64("rejected", s.Rejected)
}

func (p *WorkerPool) Stats() WorkerPoolStats {
	sub, done := p.submitted.Value(), p.completed.Value()
	return WorkerPoolStats{
		NumWorkers: p.numWorkers,
		Submitted:  sub,
		Completed:  done,
		Pending:    sub - done,
		Steals:     p.steals.Value(),
		Rejected:   p.rejected.Value(),
	}
}
