package router

import (
	"testing"

	"github.com/gookit/goutil/testutil/assert"
	"github.com/pkg/errors"
)

func newTestRouter(t *testing.T) *Router[string] {
	r := New[string]()
	assert.NoErr(t, r.Add("GET", "/abc-a/123", "abc-a"))
	assert.NoErr(t, r.Add("GET", "/abc-b/123/*", "abc-b"))
	assert.NoErr(t, r.Add("GET", "/abc-c/123/**", "abc-c"))
	assert.NoErr(t, r.Add("GET", "/abc-d/123/:p1/:[p2]", "abc-d"))
	assert.NoErr(t, r.Add("GET", `/abc-e/123/:p1(\d+)/:[p2]`, "abc-e"))
	assert.NoErr(t, r.Add("GET", `/abc-f/123/:[p1(\d+)]`, "abc-f"))
	assert.NoErr(t, r.Add("GET", `/abc-g/123/:p1(\d+)/:[p2]/:[p3]`, "abc-g"))
	return r
}

func TestResolve(t *testing.T) {
	r := newTestRouter(t)

	tests := []struct {
		path   string
		want   string
		params Params
	}{
		{"/abc-a/123", "abc-a", nil},
		{"/abc-a/123/", "abc-a", nil},
		{"/abc-a/1234", "", nil},
		{"/abc-b/123/def", "abc-b", nil},
		{"/abc-b/123", "", nil},
		{"/abc-b/123/def/ghi", "", nil},
		{"/abc-c/123", "abc-c", nil},
		{"/abc-c/123/asdflkj/asdf", "abc-c", nil},
		{"/abc-d/123/x", "abc-d", Params{{"p1", "x"}}},
		{"/abc-d/123/x/y", "abc-d", Params{{"p1", "x"}, {"p2", "y"}}},
		{"/abc-d/123", "", nil},
		{"/abc-d/123/x/y/z", "", nil},
		{"/abc-e/123/42", "abc-e", Params{{"p1", "42"}}},
		{"/abc-e/123/4a", "", nil},
		{"/abc-f/123", "abc-f", nil},
		{"/abc-f/123/7", "abc-f", Params{{"p1", "7"}}},
		{"/abc-f/123/seven", "", nil},
		{"/abc-g/123/a4/arg2/arg3", "", nil},
		{"/abc-g/123/4/arg2/arg3", "abc-g", Params{{"p1", "4"}, {"p2", "arg2"}, {"p3", "arg3"}}},
		{"/abc-g/123/4/arg2", "abc-g", Params{{"p1", "4"}, {"p2", "arg2"}}},
		{"/abc-g/123/4", "abc-g", Params{{"p1", "4"}}},
	}

	for _, tt := range tests {
		res, ok := r.Resolve("GET", tt.path)
		if tt.want == "" {
			assert.False(t, ok, tt.path)
			continue
		}
		assert.True(t, ok, tt.path)
		assert.Eq(t, tt.want, res.Route.Handlers[0], tt.path)
		assert.Eq(t, len(tt.params), len(res.Params), tt.path)
		for i, p := range tt.params {
			assert.Eq(t, p, res.Params[i], tt.path)
		}
	}
}

func TestDeepWildcardTail(t *testing.T) {
	r := newTestRouter(t)

	res, ok := r.Resolve("GET", "/abc-c/123/asdflkj/asdf")
	assert.True(t, ok)
	assert.Eq(t, "asdflkj/asdf", res.Tail)
	assert.Eq(t, 0, len(res.Params))
}

func TestFirstRegisteredWins(t *testing.T) {
	r := New[string]()
	assert.NoErr(t, r.Add("GET", "/user/:id", "param"))
	assert.NoErr(t, r.Add("GET", "/user/admin", "exact"))

	res, ok := r.Resolve("GET", "/user/admin")
	assert.True(t, ok)
	assert.Eq(t, "param", res.Route.Handlers[0])
	assert.Eq(t, "admin", res.Params.ByName("id"))

	r = New[string]()
	assert.NoErr(t, r.Add("GET", "/user/admin", "exact"))
	assert.NoErr(t, r.Add("GET", "/user/:id", "param"))

	res, ok = r.Resolve("GET", "/user/admin")
	assert.True(t, ok)
	assert.Eq(t, "exact", res.Route.Handlers[0])
	_, has := res.Params.Get("id")
	assert.False(t, has)
}

func TestInvalidPatterns(t *testing.T) {
	bad := []string{
		":[p1]/:p2",
		"/a/:[p1]/literal",
		"/a/**/b",
		`/a/:p1([)`,
		"/a/:",
		"/a/:[p1",
		"/a/:p1(\\d+",
		"/a/:id/:id",
	}

	for _, p := range bad {
		_, err := Compile(p)
		assert.True(t, errors.Is(err, ErrInvalidPattern), p)

		r := New[string]()
		assert.True(t, errors.Is(r.Add("GET", p, "h"), ErrInvalidPattern), p)
	}

	assert.Panics(t, func() { MustCompile(":[p1]/:p2") })
}

func TestOptionalThenDeepWildcard(t *testing.T) {
	p, err := Compile("/files/:[dir]/**")
	assert.NoErr(t, err)

	params, tail, ok := p.Match("/files/docs/a/b", nil)
	assert.True(t, ok)
	assert.Eq(t, "docs", params.ByName("dir"))
	assert.Eq(t, "a/b", tail)

	_, _, ok = p.Match("/files", nil)
	assert.True(t, ok)
}

func TestMethodsAndAll(t *testing.T) {
	r := New[string]()
	assert.NoErr(t, r.Add("post", "/items", "create"))
	assert.NoErr(t, r.Add(MethodAll, "/items", "any"))

	res, ok := r.Resolve("POST", "/items")
	assert.True(t, ok)
	assert.Eq(t, "create", res.Route.Handlers[0])

	res, ok = r.Resolve("DELETE", "/items")
	assert.True(t, ok)
	assert.Eq(t, "any", res.Route.Handlers[0])

	_, ok = r.Resolve("GET", "/nothing")
	assert.False(t, ok)
}

func TestHandlerChainAppends(t *testing.T) {
	r := New[string]()
	assert.NoErr(t, r.Add("GET", "/x", "first"))
	assert.NoErr(t, r.Add("GET", "/x", "second", "third"))

	assert.Eq(t, 1, len(r.Routes("GET")))
	res, ok := r.Resolve("GET", "/x")
	assert.True(t, ok)
	assert.Eq(t, []string{"first", "second", "third"}, res.Route.Handlers)

	assert.Err(t, r.Add("GET", "/y"))
}

func TestMount(t *testing.T) {
	api := New[string]()
	assert.NoErr(t, api.Add("GET", "/users/:id", "user"))

	r := New[string]()
	assert.NoErr(t, r.Mount("/api/", api))
	assert.NoErr(t, r.Add("GET", "/api/health", "health"))

	res, ok := r.Resolve("GET", "/api/users/9")
	assert.True(t, ok)
	assert.Eq(t, "user", res.Route.Handlers[0])
	assert.Eq(t, "9", res.Params.ByName("id"))

	// misses in the sub-router fall through to the parent
	res, ok = r.Resolve("GET", "/api/health")
	assert.True(t, ok)
	assert.Eq(t, "health", res.Route.Handlers[0])

	assert.Err(t, r.Mount("/", api))
	assert.Err(t, r.Mount("/self", r))
}

func TestMountKeepsRegistrationOrder(t *testing.T) {
	sub := New[string]()
	assert.NoErr(t, sub.Add("GET", "/ping", "sub"))

	routeFirst := New[string]()
	assert.NoErr(t, routeFirst.Add("GET", "/api/ping", "parent"))
	assert.NoErr(t, routeFirst.Mount("/api", sub))

	mountFirst := New[string]()
	assert.NoErr(t, mountFirst.Mount("/api", sub))
	assert.NoErr(t, mountFirst.Add("GET", "/api/ping", "parent"))

	tests := []struct {
		name string
		r    *Router[string]
		want string
	}{
		{"route before mount", routeFirst, "parent"},
		{"mount before route", mountFirst, "sub"},
	}
	for _, tt := range tests {
		res, ok := tt.r.Resolve("GET", "/api/ping")
		assert.True(t, ok, tt.name)
		assert.Eq(t, tt.want, res.Route.Handlers[0], tt.name)
	}

	// appending to an existing route keeps its original position
	assert.NoErr(t, routeFirst.Add("GET", "/api/ping", "parent-2"))
	res, ok := routeFirst.Resolve("GET", "/api/ping")
	assert.True(t, ok)
	assert.Eq(t, "parent", res.Route.Handlers[0])
	assert.Eq(t, 2, len(res.Route.Handlers))
}

func BenchmarkResolveStatic(b *testing.B) {
	r := New[string]()
	_ = r.Add("GET", "/hello/world", "h")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.Resolve("GET", "/hello/world")
	}
}

func BenchmarkResolveRegexParam(b *testing.B) {
	r := New[string]()
	_ = r.Add("GET", `/user/:id(\d+)`, "h")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.Resolve("GET", "/user/123")
	}
}
