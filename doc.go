/*
Package evserver is an event-driven HTTP/1.x server.

Each worker runs a single-threaded reactor (epoll on Linux, kqueue on
BSD and macOS) that accepts connections, parses requests incrementally as
bytes arrive, routes them through ordered, pattern-matched handler chains
and streams responses back, including chunked and compressed file
transfers with write backpressure.

# Quick Start

	package main

	import (
	    "github.com/searchktools/evserver/app"
	    "github.com/searchktools/evserver/config"
	    "github.com/searchktools/evserver/core/http"
	)

	func main() {
	    a := app.New(config.New())

	    a.GET("/hello/:name", func(req *http.Request, res *http.Response, next http.Next) {
	        res.String(200, "Hello, "+req.Param("name"))
	        next(nil)
	    })

	    a.Run()
	}

# Route patterns

Patterns are split on "/". A segment is a literal, a parameter ":name",
an optional parameter ":[name]", a constrained parameter ":name(regex)"
or ":[name(regex)]", or a trailing "*" (one segment) or "**" (any
remaining depth, including none). Optional segments may only be followed
by optional ones. Routes are tried in registration order and the first
match wins.

# Modules

  - app: application lifecycle, one engine per worker, signals
  - config: flags, EVSERVER_* environment and JSON configuration
  - core: engine, connection state machine, listeners, dispatch
  - core/http: request parser, response builder, error pages
  - core/router: pattern compiler and router
  - core/url: URL parser and URI component encoding
  - core/middleware: continuation based handler pipeline
  - core/sendfile: chunked, optionally compressed file jobs
  - core/poller: epoll and kqueue
  - core/pools: byte slices, worker pool, GC settings
  - core/observability: per-route latency and error reports
*/
package evserver
