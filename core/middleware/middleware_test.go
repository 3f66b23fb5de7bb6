package middleware

import (
	"strings"
	"testing"
	"time"

	"github.com/gookit/goutil/testutil/assert"
	"github.com/pkg/errors"

	"github.com/searchktools/evserver/core/http"
	"github.com/searchktools/evserver/core/http/conntest"
)

func newExchange(t *testing.T, raw string) (*http.Request, *http.Response, *conntest.Recorder) {
	p := http.NewParser()
	_, err := p.Feed([]byte(raw))
	assert.NoErr(t, err)
	assert.True(t, p.Done())

	rec := conntest.New()
	res := http.NewResponse(rec, nil)
	res.Reset(p.Request())
	return p.Request(), res, rec
}

func get(t *testing.T) (*http.Request, *http.Response, *conntest.Recorder) {
	return newExchange(t, "GET /items HTTP/1.1\r\nHost: example.com\r\n\r\n")
}

func record(trace *[]string, name string) http.Handler {
	return func(req *http.Request, res *http.Response, next http.Next) {
		*trace = append(*trace, name)
		next(nil)
	}
}

func TestPipelineOrder(t *testing.T) {
	var trace []string
	p := NewPipeline().Use(record(&trace, "a"), record(&trace, "b"))
	assert.Eq(t, 2, p.Len())

	req, res, _ := get(t)
	var doneErr error
	calls := 0
	p.Execute(req, res, []http.Handler{record(&trace, "route1"), record(&trace, "route2")}, func(err error) {
		calls++
		doneErr = err
	})

	assert.Eq(t, []string{"a", "b", "route1", "route2"}, trace)
	assert.Eq(t, 1, calls)
	assert.NoErr(t, doneErr)
}

func TestPipelineEmpty(t *testing.T) {
	req, res, _ := get(t)
	called := false
	NewPipeline().Execute(req, res, nil, func(err error) {
		called = true
		assert.NoErr(t, err)
	})
	assert.True(t, called)
}

func TestPipelineErrorShortCircuits(t *testing.T) {
	var trace []string
	boom := errors.New("boom")
	p := NewPipeline().Use(record(&trace, "a"), func(req *http.Request, res *http.Response, next http.Next) {
		trace = append(trace, "fail")
		next(boom)
	})

	req, res, _ := get(t)
	var doneErr error
	p.Execute(req, res, []http.Handler{record(&trace, "route")}, func(err error) { doneErr = err })

	assert.Eq(t, []string{"a", "fail"}, trace)
	assert.True(t, errors.Is(doneErr, boom))
}

func TestPipelineAsyncNext(t *testing.T) {
	var trace []string
	var resume http.Next
	p := NewPipeline().Use(func(req *http.Request, res *http.Response, next http.Next) {
		trace = append(trace, "async")
		resume = next
	})

	req, res, _ := get(t)
	done := false
	p.Execute(req, res, []http.Handler{record(&trace, "route")}, func(err error) { done = true })

	assert.Eq(t, []string{"async"}, trace)
	assert.False(t, done)

	resume(nil)
	assert.Eq(t, []string{"async", "route"}, trace)
	assert.True(t, done)
}

func TestPipelineIgnoresRepeatedNext(t *testing.T) {
	var trace []string
	p := NewPipeline().Use(func(req *http.Request, res *http.Response, next http.Next) {
		next(nil)
		next(nil)
		next(errors.New("late"))
	})

	req, res, _ := get(t)
	calls := 0
	var doneErr error
	p.Execute(req, res, []http.Handler{record(&trace, "one"), record(&trace, "two")}, func(err error) {
		calls++
		doneErr = err
	})

	assert.Eq(t, []string{"one", "two"}, trace)
	assert.Eq(t, 1, calls)
	assert.NoErr(t, doneErr)
}

func TestPipelineRecoversPanic(t *testing.T) {
	p := NewPipeline().Use(func(req *http.Request, res *http.Response, next http.Next) {
		panic("handler bug")
	})

	req, res, _ := get(t)
	var doneErr error
	p.Execute(req, res, nil, func(err error) { doneErr = err })

	assert.True(t, errors.Is(doneErr, ErrPanic))
	assert.StrContains(t, doneErr.Error(), "handler bug")
}

func TestPipelineStopsWhenCommitted(t *testing.T) {
	var trace []string
	p := NewPipeline().Use(func(req *http.Request, res *http.Response, next http.Next) {
		res.String(http.StatusOK, "early")
		next(nil)
	})

	req, res, rec := get(t)
	p.Execute(req, res, []http.Handler{record(&trace, "route")}, func(err error) {})

	assert.Empty(t, trace)
	assert.Eq(t, 1, rec.Completed)
}

func TestPipelineDeepSyncChain(t *testing.T) {
	handlers := make([]http.Handler, 100000)
	count := 0
	for i := range handlers {
		handlers[i] = func(req *http.Request, res *http.Response, next http.Next) {
			count++
			next(nil)
		}
	}

	req, res, _ := get(t)
	NewPipeline().Execute(req, res, handlers, func(err error) {})
	assert.Eq(t, len(handlers), count)
}

func TestCORS(t *testing.T) {
	req, res, rec := newExchange(t, "OPTIONS /items HTTP/1.1\r\nHost: example.com\r\n\r\n")
	var trace []string
	NewPipeline().Use(CORS()).Execute(req, res, []http.Handler{record(&trace, "route")}, func(err error) {})

	out := rec.Out.String()
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 204 No Content\r\n"))
	assert.StrContains(t, out, "Access-Control-Allow-Origin: *\r\n")
	assert.Empty(t, trace)

	req, res, _ = get(t)
	NewPipeline().Use(CORS()).Execute(req, res, []http.Handler{record(&trace, "route")}, func(err error) {})
	assert.Eq(t, []string{"route"}, trace)
	assert.Eq(t, "*", res.Header().Get("Access-Control-Allow-Origin"))
}

func TestRateLimiter(t *testing.T) {
	p := NewPipeline().Use(RateLimiter(2))

	var errs []error
	for i := 0; i < 3; i++ {
		req, res, _ := get(t)
		p.Execute(req, res, nil, func(err error) { errs = append(errs, err) })
	}

	assert.NoErr(t, errs[0])
	assert.NoErr(t, errs[1])
	assert.Eq(t, http.StatusTooManyRequests, http.StatusOf(errs[2]))
}

func TestRequestID(t *testing.T) {
	p := NewPipeline().Use(RequestID())

	req, res, _ := get(t)
	p.Execute(req, res, nil, func(err error) {})
	first := res.Header().Get("X-Request-ID")
	assert.NotEmpty(t, first)

	req, res, _ = newExchange(t, "GET / HTTP/1.1\r\nHost: h\r\nX-Request-ID: abc\r\n\r\n")
	p.Execute(req, res, nil, func(err error) {})
	assert.Eq(t, "abc", res.Header().Get("X-Request-ID"))
}

func TestLogger(t *testing.T) {
	req, res, _ := get(t)
	var trace []string
	NewPipeline().Use(Logger()).Execute(req, res, []http.Handler{record(&trace, "route")}, func(err error) {})
	assert.Eq(t, []string{"route"}, trace)
}

func BenchmarkPipeline(b *testing.B) {
	p := NewPipeline().Use(Logger(), RequestID(), CORS())
	parser := http.NewParser()
	parser.Feed([]byte("GET /items HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	res := http.NewResponse(conntest.New(), nil)
	final := []http.Handler{func(req *http.Request, res *http.Response, next http.Next) { next(nil) }}

	b.ResetTimer()
	start := time.Now()
	for i := 0; i < b.N; i++ {
		res.Reset(parser.Request())
		p.Execute(parser.Request(), res, final, func(err error) {})
	}
	b.ReportMetric(float64(time.Since(start).Nanoseconds())/float64(b.N), "ns/exec")
}
