package app

import (
	"bytes"
	"context"
	"io"
	nethttp "net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gookit/goutil/testutil/assert"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/xyproto/randomstring"

	"github.com/searchktools/evserver/config"
	"github.com/searchktools/evserver/core/http"
	"github.com/searchktools/evserver/core/middleware"
	"github.com/searchktools/evserver/core/router"
)

func testConfig(t *testing.T) *config.Config {
	cfg, err := config.Load([]string{"-addr", "ipv4:127.0.0.1:0", "-workers", "2", "-env", "test"})
	assert.NoErr(t, err)
	return cfg
}

func startApp(t *testing.T, a *App) string {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.RunContext(ctx) }()

	select {
	case <-a.Ready():
	case err := <-done:
		t.Fatalf("app stopped early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("app did not start")
	}

	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoErr(t, err)
		case <-time.After(10 * time.Second):
			t.Error("app did not stop")
		}
	})
	return "http://" + a.Addr().String()
}

func fetch(t *testing.T, method, url string) (*nethttp.Response, string) {
	req, err := nethttp.NewRequest(method, url, nil)
	assert.NoErr(t, err)
	resp, err := nethttp.DefaultClient.Do(req)
	assert.NoErr(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	assert.NoErr(t, err)
	return resp, string(body)
}

func TestAppServesRoutes(t *testing.T) {
	a := NewWithLogger(testConfig(t), zerolog.Nop())
	a.Use(middleware.RequestID())

	assert.NoErr(t, a.GET("/hello/:name", func(req *http.Request, res *http.Response, next http.Next) {
		res.String(http.StatusOK, "hello "+req.Param("name")+" "+req.QueryValue("greeting"))
		next(nil)
	}))
	assert.NoErr(t, a.POST("/echo", func(req *http.Request, res *http.Response, next http.Next) {
		res.Bytes(http.StatusCreated, "application/octet-stream", req.Body)
		next(nil)
	}))
	assert.NoErr(t, a.ALL("/any", func(req *http.Request, res *http.Response, next http.Next) {
		res.String(http.StatusOK, req.Method)
		next(nil)
	}))
	assert.NoErr(t, a.GET("/fail", func(req *http.Request, res *http.Response, next http.Next) {
		next(http.NewError(http.StatusForbidden, "no entry"))
	}))

	api := NewRoutes()
	assert.NoErr(t, api.Add("GET", "/ping", func(req *http.Request, res *http.Response, next http.Next) {
		res.JSON(http.StatusOK, map[string]string{"pong": req.Tail})
		next(nil)
	}))
	assert.NoErr(t, a.Mount("/api", api))

	base := startApp(t, a)

	resp, body := fetch(t, "GET", base+"/hello/ada?greeting=hi%20there")
	assert.Eq(t, 200, resp.StatusCode)
	assert.Eq(t, "hello ada hi there", body)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Eq(t, "evserver", resp.Header.Get("Server"))

	resp, body = fetch(t, "HEAD", base+"/hello/ada")
	assert.Eq(t, 200, resp.StatusCode)
	assert.Eq(t, "", body)

	resp, body = fetch(t, "DELETE", base+"/any")
	assert.Eq(t, 200, resp.StatusCode)
	assert.Eq(t, "DELETE", body)

	resp, body = fetch(t, "GET", base+"/api/ping")
	assert.Eq(t, 200, resp.StatusCode)
	assert.Eq(t, `{"pong":""}`, body)

	resp, body = fetch(t, "GET", base+"/fail")
	assert.Eq(t, 403, resp.StatusCode)
	assert.StrContains(t, body, "no entry")

	resp, _ = fetch(t, "GET", base+"/nowhere")
	assert.Eq(t, 404, resp.StatusCode)

	payload := randomstring.HumanFriendlyString(3000)
	post, err := nethttp.Post(base+"/echo", "text/plain", strings.NewReader(payload))
	assert.NoErr(t, err)
	echoed, _ := io.ReadAll(post.Body)
	post.Body.Close()
	assert.Eq(t, 201, post.StatusCode)
	assert.Eq(t, payload, string(echoed))

	assert.True(t, a.Stats().Requests.Value() >= 7)

	routes := map[string]uint64{}
	failed := map[string]uint64{}
	for _, s := range a.Monitor().Snapshot() {
		routes[s.Route] = s.Count
		failed[s.Route] = s.Errors
	}
	assert.Eq(t, uint64(2), routes["GET /hello/:name"])
	assert.Eq(t, uint64(1), failed["GET /fail"])
	assert.Eq(t, uint64(1), failed["unmatched"])
}

func TestAppSendsCompressedFiles(t *testing.T) {
	dir := t.TempDir()
	content := bytes.Repeat([]byte(randomstring.HumanFriendlyString(64)+"\n"), 2000)
	assert.NoErr(t, os.WriteFile(filepath.Join(dir, "page.html"), content, 0o644))

	a := NewWithLogger(testConfig(t), zerolog.Nop())
	assert.NoErr(t, a.GET("/static/**", func(req *http.Request, res *http.Response, next http.Next) {
		next(res.SendFile(filepath.Join(dir, filepath.Clean("/"+req.Tail)), "", nil))
	}))
	base := startApp(t, a)

	resp, body := fetch(t, "GET", base+"/static/page.html")
	assert.Eq(t, 200, resp.StatusCode)
	assert.True(t, resp.Uncompressed)
	assert.Eq(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Eq(t, string(content), body)

	resp, _ = fetch(t, "GET", base+"/static/missing.html")
	assert.Eq(t, 404, resp.StatusCode)
}

func TestInvalidRouteIsRejected(t *testing.T) {
	a := NewWithLogger(testConfig(t), zerolog.Nop())
	noop := func(req *http.Request, res *http.Response, next http.Next) { next(nil) }

	err := a.GET("/:[p1]/:p2", noop)
	assert.True(t, errors.Is(err, router.ErrInvalidPattern))
	err = a.GET(`/:id([)`, noop)
	assert.True(t, errors.Is(err, router.ErrInvalidPattern))
}

func TestRunContextBadAddress(t *testing.T) {
	cfg := testConfig(t)
	cfg.Addr = "ipv4:nowhere"
	err := NewWithLogger(cfg, zerolog.Nop()).RunContext(context.Background())
	assert.Err(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := testConfig(t)
	cfg.LogLevel = "warn"

	log := NewLogger(cfg, &buf)
	log.Info().Msg("hidden")
	log.Warn().Str("k", "v").Msg("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.StrContains(t, out, `"k":"v"`)
	assert.StrContains(t, out, `"message":"shown"`)
}

func TestAppAcceptsUploads(t *testing.T) {
	a := NewWithLogger(testConfig(t), zerolog.Nop())
	policy := &http.UploadPolicy{MaxFileSize: 4096, Fields: []string{"doc"}, Types: []string{"text/*"}}
	assert.NoErr(t, a.POST("/upload", func(req *http.Request, res *http.Response, next http.Next) {
		form, err := req.MultipartForm(policy)
		if err != nil {
			next(err)
			return
		}
		doc := form.File("doc")
		res.String(http.StatusCreated, form.Values.Get("title")+":"+doc.Filename+":"+string(doc.Data))
		next(nil)
	}))
	base := startApp(t, a)

	upload := func(ct, filename, content string) (*nethttp.Response, string) {
		var buf bytes.Buffer
		buf.WriteString("--xYzZy\r\nContent-Disposition: form-data; name=\"title\"\r\n\r\nnotes\r\n")
		buf.WriteString("--xYzZy\r\nContent-Disposition: form-data; name=\"doc\"; filename=\"" + filename + "\"\r\n")
		buf.WriteString("Content-Type: " + ct + "\r\n\r\n" + content + "\r\n--xYzZy--\r\n")
		resp, err := nethttp.Post(base+"/upload", "multipart/form-data; boundary=xYzZy", &buf)
		assert.NoErr(t, err)
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp, string(body)
	}

	resp, body := upload("text/plain", "a.txt", "hello")
	assert.Eq(t, 201, resp.StatusCode)
	assert.Eq(t, "notes:a.txt:hello", body)

	resp, _ = upload("application/zip", "a.zip", "PK")
	assert.Eq(t, 415, resp.StatusCode)

	resp, _ = upload("text/plain", "big.txt", strings.Repeat("x", 5000))
	assert.Eq(t, 413, resp.StatusCode)

	resp, _ = fetch(t, "POST", base+"/upload")
	assert.Eq(t, 415, resp.StatusCode)
}
