// Package router resolves (method, path) pairs against ordered lists of
// compiled route patterns. Routes are tried in registration order and the
// first match wins, so more specific patterns must be registered first.
//
// A Router is built before the server starts and is read-only afterwards;
// it may then be shared by every worker without locking.
package router

import (
	"strings"

	"github.com/pkg/errors"
)

// MethodAll registers a route for every method. ALL routes are tried after
// the method-specific ones.
const MethodAll = "ALL"

// Param is one extracted route parameter
type Param struct {
	Key   string
	Value string
}

// Params keeps parameters in declaration order
type Params []Param

// Get returns the value bound to name.
func (ps Params) Get(name string) (string, bool) {
	for _, p := range ps {
		if p.Key == name {
			return p.Value, true
		}
	}
	return "", false
}

// ByName returns the value bound to name or "".
func (ps Params) ByName(name string) string {
	v, _ := ps.Get(name)
	return v
}

// Route is a compiled pattern bound to a method and its handler chain
type Route[H any] struct {
	Method   string
	Pattern  *Pattern
	Handlers []H

	seq int
}

// Result is one successful resolution. It is owned by the caller for the
// duration of a single request.
type Result[H any] struct {
	Route  *Route[H]
	Params Params
	// Tail is the part of the path consumed by a ** segment.
	Tail string
}

type mount[H any] struct {
	prefix string
	router *Router[H]
	seq    int
}

// Router owns the ordered route lists per method. Routes and mounts share
// one registration sequence.
type Router[H any] struct {
	routes map[string][]*Route[H]
	mounts []mount[H]
	seq    int
}

// New creates an empty router
func New[H any]() *Router[H] {
	return &Router[H]{
		routes: make(map[string][]*Route[H]),
	}
}

// Add registers handlers for method and pattern. Registering the same
// method and pattern again appends to the existing handler chain.
func (r *Router[H]) Add(method, pattern string, handlers ...H) error {
	if len(handlers) == 0 {
		return errors.Wrapf(ErrInvalidPattern, "route %s %q: no handler", method, pattern)
	}
	method = strings.ToUpper(method)

	for _, rt := range r.routes[method] {
		if rt.Pattern.raw == pattern {
			rt.Handlers = append(rt.Handlers, handlers...)
			return nil
		}
	}

	p, err := Compile(pattern)
	if err != nil {
		return err
	}
	r.seq++
	r.routes[method] = append(r.routes[method], &Route[H]{
		Method:   method,
		Pattern:  p,
		Handlers: handlers,
		seq:      r.seq,
	})
	return nil
}

// Mount delegates every path below prefix to sub, with the prefix removed.
// The mount takes its place in registration order: routes of the parent
// added before it are tried first, those added after it only when sub has
// no match.
func (r *Router[H]) Mount(prefix string, sub *Router[H]) error {
	prefix = "/" + strings.Trim(prefix, "/")
	if prefix == "/" {
		return errors.Wrap(ErrInvalidPattern, "mount prefix must not be empty")
	}
	if sub == r {
		return errors.Wrapf(ErrInvalidPattern, "mount %q: router mounted on itself", prefix)
	}
	r.seq++
	r.mounts = append(r.mounts, mount[H]{prefix: prefix, router: sub, seq: r.seq})
	return nil
}

// Routes returns the routes registered for method in registration order.
func (r *Router[H]) Routes(method string) []*Route[H] {
	return r.routes[strings.ToUpper(method)]
}

// Resolve finds the first route matching method and path. Method routes
// and mounts are tried in registration order, then the ALL routes. A miss
// is not an error.
func (r *Router[H]) Resolve(method, path string) (*Result[H], bool) {
	method = strings.ToUpper(method)

	mi := 0
	for _, rt := range r.routes[method] {
		for ; mi < len(r.mounts) && r.mounts[mi].seq < rt.seq; mi++ {
			if res, ok := r.mounts[mi].resolve(method, path); ok {
				return res, true
			}
		}
		if params, tail, ok := rt.Pattern.Match(path, nil); ok {
			return &Result[H]{Route: rt, Params: params, Tail: tail}, true
		}
	}
	for ; mi < len(r.mounts); mi++ {
		if res, ok := r.mounts[mi].resolve(method, path); ok {
			return res, true
		}
	}

	if method != MethodAll {
		return r.match(MethodAll, path)
	}
	return nil, false
}

func (m mount[H]) resolve(method, path string) (*Result[H], bool) {
	if path != m.prefix && !strings.HasPrefix(path, m.prefix+"/") {
		return nil, false
	}
	return m.router.Resolve(method, path[len(m.prefix):])
}

func (r *Router[H]) match(method, path string) (*Result[H], bool) {
	for _, rt := range r.routes[method] {
		params, tail, ok := rt.Pattern.Match(path, nil)
		if ok {
			return &Result[H]{Route: rt, Params: params, Tail: tail}, true
		}
	}
	return nil, false
}
