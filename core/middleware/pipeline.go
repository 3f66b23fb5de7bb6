package middleware

import (
	"github.com/pkg/errors"

	"github.com/searchktools/evserver/core/http"
)

// ErrPanic wraps a value recovered from a panicking handler
var ErrPanic = errors.New("handler panicked")

// Pipeline holds the middlewares run in front of every route
type Pipeline struct {
	handlers []http.Handler
}

// NewPipeline creates an empty pipeline
func NewPipeline() *Pipeline {
	return &Pipeline{
		handlers: make([]http.Handler, 0, 8),
	}
}

// Use appends middlewares
func (p *Pipeline) Use(handlers ...http.Handler) *Pipeline {
	p.handlers = append(p.handlers, handlers...)
	return p
}

func (p *Pipeline) Len() int { return len(p.handlers) }

// Execute runs the middlewares and then final in order. Each step runs
// after the previous one called next; an error skips the remaining steps.
// The chain also stops once the response is committed. done runs exactly
// once with the error that ended the chain, or nil.
func (p *Pipeline) Execute(req *http.Request, res *http.Response, final []http.Handler, done func(error)) {
	c := &chain{
		first: p.handlers,
		final: final,
		req:   req,
		res:   res,
		done:  done,
	}
	if c.len() == 0 {
		c.finish(nil)
		return
	}
	c.run()
}

type chain struct {
	first []http.Handler
	final []http.Handler
	idx   int
	req   *http.Request
	res   *http.Response
	done  func(error)

	running  bool
	advanced bool
	finished bool
}

func (c *chain) len() int { return len(c.first) + len(c.final) }

func (c *chain) at(i int) http.Handler {
	if i < len(c.first) {
		return c.first[i]
	}
	return c.final[i-len(c.first)]
}

// run calls handlers while they continue synchronously. A handler that
// continues later re-enters run from its next call.
func (c *chain) run() {
	c.running = true
	for !c.finished {
		c.advanced = false
		step := c.idx
		if err := c.call(step); err != nil {
			c.next(step, err)
		}
		if !c.advanced {
			break
		}
	}
	c.running = false
}

func (c *chain) call(step int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrapf(ErrPanic, "%v", r)
		}
	}()
	c.at(step)(c.req, c.res, func(err error) { c.next(step, err) })
	return nil
}

func (c *chain) next(step int, err error) {
	if c.finished || step != c.idx {
		// stale or repeated continuation
		return
	}
	if err != nil {
		c.finish(err)
		return
	}
	c.idx++
	if c.idx >= c.len() || c.res.Committed() {
		c.finish(nil)
		return
	}
	if c.running {
		c.advanced = true
		return
	}
	c.run()
}

func (c *chain) finish(err error) {
	c.finished = true
	if c.done != nil {
		c.done(err)
	}
}
