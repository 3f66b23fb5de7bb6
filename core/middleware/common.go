package middleware

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/searchktools/evserver/core/http"
)

// Logger logs each request at debug level before passing it on
func Logger() http.Handler {
	return func(req *http.Request, res *http.Response, next http.Next) {
		res.Logger().Debug().
			Str("method", req.Method).
			Str("path", req.RequestURI).
			Str("route", req.Route).
			Str("remote", req.RemoteAddr).
			Msg("request")
		next(nil)
	}
}

// CORS adds permissive CORS headers and answers preflight requests
func CORS() http.Handler {
	return func(req *http.Request, res *http.Response, next http.Next) {
		res.Set("Access-Control-Allow-Origin", "*")
		res.Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		res.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if req.Method == "OPTIONS" {
			res.Status(http.StatusNoContent).End()
		}
		next(nil)
	}
}

// RateLimiter allows requestsPerSecond requests per one second window
// across every worker.
func RateLimiter(requestsPerSecond int) http.Handler {
	var (
		mu         sync.Mutex
		tokens     = requestsPerSecond
		lastRefill = time.Now()
	)

	return func(req *http.Request, res *http.Response, next http.Next) {
		mu.Lock()
		now := time.Now()
		if now.Sub(lastRefill) >= time.Second {
			tokens = requestsPerSecond
			lastRefill = now
		}
		ok := tokens > 0
		if ok {
			tokens--
		}
		mu.Unlock()

		if !ok {
			next(http.NewError(http.StatusTooManyRequests, "rate limit exceeded"))
			return
		}
		next(nil)
	}
}

// RequestID tags responses with a sequential X-Request-ID
func RequestID() http.Handler {
	var counter atomic.Uint64

	return func(req *http.Request, res *http.Response, next http.Next) {
		id := req.Header.Get("X-Request-ID")
		if id == "" {
			id = strconv.FormatUint(counter.Add(1), 10)
		}
		res.Set("X-Request-ID", id)
		next(nil)
	}
}
