package core

import (
	"bufio"
	"context"
	"io"
	"net"
	nethttp "net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gookit/goutil/testutil/assert"
	"github.com/rs/zerolog"

	"github.com/searchktools/evserver/core/http"
	"github.com/searchktools/evserver/core/router"
)

func startEngine(t *testing.T, address string, routes *Routes) (*Engine, net.Addr) {
	addr, err := ParseAddress(address)
	assert.NoErr(t, err)
	ln, err := Listen(addr, ListenOptions{})
	assert.NoErr(t, err)
	t.Cleanup(func() { ln.Close() })

	e := NewEngine(EngineConfig{
		Listener:        ln,
		Dispatcher:      NewDispatcher(routes, nil),
		Logger:          zerolog.Nop(),
		ShutdownTimeout: time.Second,
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		assert.NoErr(t, e.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-e.Done():
		case <-time.After(5 * time.Second):
			t.Error("engine did not stop")
		}
	})
	return e, ln.Addr()
}

func testRoutes(t *testing.T) *Routes {
	routes := router.New[http.Handler]()
	assert.NoErr(t, routes.Add("GET", "/hello/:name", func(req *http.Request, res *http.Response, next http.Next) {
		res.String(http.StatusOK, "hello "+req.Param("name"))
		next(nil)
	}))
	assert.NoErr(t, routes.Add("GET", "/slow", func(req *http.Request, res *http.Response, next http.Next) {
		res.Go(func() error {
			time.Sleep(20 * time.Millisecond)
			return nil
		}, func(err error) {
			res.String(http.StatusOK, "done")
			next(err)
		})
	}))
	return routes
}

func get(t *testing.T, conn net.Conn, r *bufio.Reader, path string) (*nethttp.Response, string) {
	_, err := io.WriteString(conn, "GET "+path+" HTTP/1.1\r\nHost: test\r\n\r\n")
	assert.NoErr(t, err)
	assert.NoErr(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	resp, err := nethttp.ReadResponse(r, nil)
	assert.NoErr(t, err)
	body, err := io.ReadAll(resp.Body)
	assert.NoErr(t, err)
	resp.Body.Close()
	return resp, string(body)
}

func TestEngineServesKeepAlive(t *testing.T) {
	e, addr := startEngine(t, "ipv4:127.0.0.1:0", testRoutes(t))

	conn, err := net.Dial("tcp", addr.String())
	assert.NoErr(t, err)
	defer conn.Close()
	r := bufio.NewReader(conn)

	resp, body := get(t, conn, r, "/hello/world")
	assert.Eq(t, 200, resp.StatusCode)
	assert.Eq(t, "hello world", body)

	resp, body = get(t, conn, r, "/hello/caf%C3%A9")
	assert.Eq(t, 200, resp.StatusCode)
	assert.Eq(t, "hello café", body)

	resp, body = get(t, conn, r, "/slow")
	assert.Eq(t, 200, resp.StatusCode)
	assert.Eq(t, "done", body)

	resp, body = get(t, conn, r, "/missing")
	assert.Eq(t, 404, resp.StatusCode)
	assert.StrContains(t, body, "Unable to find resource at &#39;http://test/missing&#39;")

	snap := e.Stats().Snapshot()
	assert.Eq(t, int64(1), snap.Accepted)
	assert.Eq(t, int64(4), snap.Requests)
	assert.Eq(t, 1, e.Connections())
}

func TestEngineUnixSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ev.sock")
	startEngine(t, "unix:"+path, testRoutes(t))

	conn, err := net.Dial("unix", path)
	assert.NoErr(t, err)
	defer conn.Close()

	resp, body := get(t, conn, bufio.NewReader(conn), "/hello/unix")
	assert.Eq(t, 200, resp.StatusCode)
	assert.Eq(t, "hello unix", body)
}

func TestEngineShutdownClosesIdle(t *testing.T) {
	addr, err := ParseAddress("ipv4:127.0.0.1:0")
	assert.NoErr(t, err)
	ln, err := Listen(addr, ListenOptions{})
	assert.NoErr(t, err)
	defer ln.Close()

	e := NewEngine(EngineConfig{
		Listener:   ln,
		Dispatcher: NewDispatcher(testRoutes(t), nil),
		Logger:     zerolog.Nop(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	go e.Run(ctx)

	conn, err := net.Dial("tcp", ln.Addr().String())
	assert.NoErr(t, err)
	defer conn.Close()
	get(t, conn, bufio.NewReader(conn), "/hello/x")

	cancel()
	select {
	case <-e.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}

	assert.NoErr(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	n, err := conn.Read(make([]byte, 1))
	assert.Eq(t, 0, n)
	assert.Eq(t, io.EOF, err)
	assert.Eq(t, 0, e.Connections())
	assert.False(t, e.Post(func() {}))
	assert.True(t, strings.Contains(e.Stats().Snapshot().JSON(), `"closed": 1`))
}
