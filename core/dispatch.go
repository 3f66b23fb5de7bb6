package core

import (
	"time"

	"github.com/searchktools/evserver/core/http"
	"github.com/searchktools/evserver/core/middleware"
	"github.com/searchktools/evserver/core/router"
	"github.com/searchktools/evserver/core/url"
)

// Routes resolves requests to handler chains
type Routes = router.Router[http.Handler]

// Observer is told how each handler chain ended
type Observer interface {
	ObserveRequest(req *http.Request, status int, elapsed time.Duration, err error)
}

// RouteDispatcher resolves a request against the router and runs the
// application pipeline followed by the route's handlers. A read-only
// RouteDispatcher is shared by every engine.
type RouteDispatcher struct {
	routes   *Routes
	pipeline *middleware.Pipeline
	observer Observer
}

// NewDispatcher creates a dispatcher. pipeline may be nil.
func NewDispatcher(routes *Routes, pipeline *middleware.Pipeline) *RouteDispatcher {
	if pipeline == nil {
		pipeline = middleware.NewPipeline()
	}
	return &RouteDispatcher{routes: routes, pipeline: pipeline}
}

// Observe installs o. It must be called before the engines start.
func (d *RouteDispatcher) Observe(o Observer) *RouteDispatcher {
	d.observer = o
	return d
}

// Dispatch serves req. Unmatched requests end with a 404 error page once
// the middlewares ran.
func (d *RouteDispatcher) Dispatch(req *http.Request, res *http.Response) {
	var start time.Time
	if d.observer != nil {
		start = time.Now()
	}

	final := d.resolve(req)
	d.pipeline.Execute(req, res, final, func(err error) {
		if err != nil {
			res.Error(0, err)
		} else if !res.Committed() {
			res.End()
		}
		if d.observer != nil {
			d.observer.ObserveRequest(req, res.StatusCode(), time.Since(start), err)
		}
	})
}

func (d *RouteDispatcher) resolve(req *http.Request) []http.Handler {
	path := req.Path()
	if path == "" {
		path = "/"
	}

	result, ok := d.routes.Resolve(req.Method, path)
	if !ok && req.Method == "HEAD" {
		result, ok = d.routes.Resolve("GET", path)
	}
	if !ok {
		return []http.Handler{notFound}
	}

	for _, p := range result.Params {
		if v, err := url.DecodeURIComponent(p.Value); err == nil {
			p.Value = v
		}
		req.Params = append(req.Params, p)
	}
	req.Route = result.Route.Method + " " + result.Route.Pattern.String()
	req.Tail = result.Tail
	return result.Route.Handlers
}

func notFound(req *http.Request, res *http.Response, next http.Next) {
	next(http.NewError(http.StatusNotFound, "Unable to find resource at '"+req.URL.String()+"'"))
}
