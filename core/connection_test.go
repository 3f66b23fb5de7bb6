package core

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gookit/goutil/testutil/assert"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/searchktools/evserver/core/http"
	"github.com/searchktools/evserver/core/sendfile"
)

// testLoop runs scheduled work when the test pumps it.
type testLoop struct {
	read, write bool
	registered  int
	removed     int
	scheduled   []func()

	mu     sync.Mutex
	posted []func()
}

func (l *testLoop) Register(c *Connection) error {
	l.registered++
	l.read, l.write = true, false
	return nil
}

func (l *testLoop) SetInterest(c *Connection, read, write bool) error {
	l.read, l.write = read, write
	return nil
}

func (l *testLoop) Unregister(c *Connection) { l.removed++ }
func (l *testLoop) Schedule(fn func())       { l.scheduled = append(l.scheduled, fn) }
func (l *testLoop) Go(fn func()) error       { go fn(); return nil }

func (l *testLoop) Post(fn func()) bool {
	l.mu.Lock()
	l.posted = append(l.posted, fn)
	l.mu.Unlock()
	return true
}

func (l *testLoop) run() {
	for len(l.scheduled) > 0 {
		fn := l.scheduled[0]
		l.scheduled = l.scheduled[1:]
		fn()
	}
}

type dispatchFunc func(req *http.Request, res *http.Response)

func (f dispatchFunc) Dispatch(req *http.Request, res *http.Response) { f(req, res) }

func hello(req *http.Request, res *http.Response) {
	res.String(http.StatusOK, "hello "+req.Path())
}

type testConn struct {
	*Connection
	loop *testLoop
	peer int
}

func newTestConn(t *testing.T, d Dispatcher) *testConn {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	assert.NoErr(t, err)
	assert.NoErr(t, unix.SetNonblock(fds[1], true))
	t.Cleanup(func() { unix.Close(fds[1]) })

	loop := &testLoop{}
	c := NewConnection(7, fdSocket{fd: fds[0]}, "peer", loop, d, zerolog.Nop(), ConnOptions{})
	assert.NoErr(t, c.Initialize())
	t.Cleanup(c.Close)
	return &testConn{Connection: c, loop: loop, peer: fds[1]}
}

// send writes raw from the client side and runs the read path.
func (tc *testConn) send(t *testing.T, raw string) {
	_, err := unix.Write(tc.peer, []byte(raw))
	assert.NoErr(t, err)
	tc.OnReadable()
	tc.loop.run()
}

// recv returns what the client can read now.
func (tc *testConn) recv() string {
	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := unix.Read(tc.peer, buf)
		if n <= 0 || err != nil {
			return sb.String()
		}
		sb.Write(buf[:n])
	}
}

func TestInitialize(t *testing.T) {
	tc := newTestConn(t, dispatchFunc(hello))

	assert.Eq(t, StateActive, tc.State())
	assert.Eq(t, 1, tc.loop.registered)
	assert.True(t, tc.loop.read)
	assert.False(t, tc.loop.write)
	assert.Eq(t, Timeouts{Read: DefaultTimeout, Write: DefaultTimeout, Idle: DefaultTimeout}, tc.Timeouts())

	err := tc.Initialize()
	assert.Err(t, err)
}

func TestTimeoutsResolve(t *testing.T) {
	parent := Timeouts{Read: time.Second, Idle: 10 * time.Second}
	got := Timeouts{Read: 2 * time.Second}.Resolve(parent)

	assert.Eq(t, 2*time.Second, got.Read)
	assert.Eq(t, DefaultTimeout, got.Write)
	assert.Eq(t, 10*time.Second, got.Idle)
}

func TestKeepAliveServesSequentialRequests(t *testing.T) {
	tc := newTestConn(t, dispatchFunc(hello))

	tc.send(t, "GET /one HTTP/1.1\r\nHost: h\r\n\r\n")
	out := tc.recv()
	assert.StrContains(t, out, "HTTP/1.1 200 OK\r\n")
	assert.StrContains(t, out, "Connection: keep-alive\r\n")
	assert.True(t, strings.HasSuffix(out, "hello /one"))

	tc.send(t, "GET /two HTTP/1.1\r\nHost: h\r\n\r\n")
	assert.True(t, strings.HasSuffix(tc.recv(), "hello /two"))
	assert.False(t, tc.Closed())
	assert.Eq(t, int64(2), tc.stats.Requests.Value())
}

func TestConnectionCloseRequest(t *testing.T) {
	tc := newTestConn(t, dispatchFunc(hello))

	tc.send(t, "GET / HTTP/1.1\r\nHost: h\r\nConnection: close\r\n\r\n")
	assert.StrContains(t, tc.recv(), "Connection: close\r\n")
	assert.True(t, tc.Closed())
	assert.Eq(t, 1, tc.loop.removed)
}

func TestHTTP10ClosesWithoutKeepAlive(t *testing.T) {
	tc := newTestConn(t, dispatchFunc(hello))

	tc.send(t, "GET / HTTP/1.0\r\n\r\n")
	assert.True(t, strings.HasPrefix(tc.recv(), "HTTP/1.0 200 OK\r\n"))
	assert.True(t, tc.Closed())
}

func TestPipelinedRequestsWaitForResponse(t *testing.T) {
	var pending []*http.Response
	tc := newTestConn(t, dispatchFunc(func(req *http.Request, res *http.Response) {
		pending = append(pending, res)
	}))

	tc.send(t, "GET /a HTTP/1.1\r\nHost: h\r\n\r\nGET /b HTTP/1.1\r\nHost: h\r\n\r\n")
	assert.Len(t, pending, 1)
	assert.True(t, tc.Waiting())
	assert.False(t, tc.loop.read)

	pending[0].String(http.StatusOK, "first")
	tc.loop.run()
	assert.Len(t, pending, 2)
	assert.Eq(t, "/b", pending[1].Request().Path())

	pending[1].String(http.StatusOK, "second")
	tc.loop.run()
	out := tc.recv()
	assert.True(t, strings.Index(out, "first") < strings.Index(out, "second"))
	assert.False(t, tc.Waiting())
	assert.True(t, tc.loop.read)
}

func TestRequestSplitAcrossReads(t *testing.T) {
	tc := newTestConn(t, dispatchFunc(func(req *http.Request, res *http.Response) {
		res.String(http.StatusOK, string(req.Body))
	}))

	tc.send(t, "POST /echo HTTP/1.1\r\nHost: h\r\nContent-Le")
	assert.Eq(t, "", tc.recv())
	tc.send(t, "ngth: 5\r\n\r\nhel")
	assert.Eq(t, "", tc.recv())
	tc.send(t, "lo")
	assert.True(t, strings.HasSuffix(tc.recv(), "\r\n\r\nhello"))
}

func TestProtocolErrorRespondsAndCloses(t *testing.T) {
	tc := newTestConn(t, dispatchFunc(hello))

	tc.send(t, "NOT A REQUEST\r\n\r\n")
	out := tc.recv()
	assert.True(t, strings.HasPrefix(out, "HTTP/1.1 400 Bad Request\r\n"))
	assert.StrContains(t, out, "Connection: close\r\n")
	assert.True(t, tc.Closed())
	assert.True(t, tc.Errored())
	assert.True(t, errors.Is(tc.Err(), http.ErrProtocol))
	assert.Eq(t, int64(1), tc.stats.ProtocolErrors.Value())
}

func TestMissingHostIsRejected(t *testing.T) {
	tc := newTestConn(t, dispatchFunc(hello))

	tc.send(t, "GET / HTTP/1.1\r\n\r\n")
	assert.True(t, strings.HasPrefix(tc.recv(), "HTTP/1.1 400 "))
	assert.True(t, errors.Is(tc.Err(), http.ErrMissingHost))
}

func TestResumeWhenNotPaused(t *testing.T) {
	tc := newTestConn(t, dispatchFunc(hello))

	err := tc.Resume()
	assert.True(t, errors.Is(err, ErrNotPaused))
	assert.True(t, tc.Errored())
	assert.Eq(t, StateActive, tc.State())
	assert.Empty(t, tc.loop.scheduled)
}

func TestPauseAndResume(t *testing.T) {
	var res *http.Response
	tc := newTestConn(t, dispatchFunc(func(req *http.Request, r *http.Response) {
		res = r
		r.Pause()
	}))

	tc.send(t, "GET / HTTP/1.1\r\nHost: h\r\n\r\n")
	assert.Eq(t, StatePaused, tc.State())
	assert.False(t, tc.loop.read)

	assert.NoErr(t, res.Resume())
	assert.Eq(t, StateActive, tc.State())
	res.String(http.StatusOK, "later")
	tc.loop.run()
	assert.True(t, strings.HasSuffix(tc.recv(), "later"))
}

func TestErrorWhilePausedDefersClose(t *testing.T) {
	tc := newTestConn(t, dispatchFunc(func(req *http.Request, res *http.Response) {
		res.Pause()
	}))

	tc.send(t, "GET / HTTP/1.1\r\nHost: h\r\n\r\n")
	tc.onEvent(eventEOF, ErrPeerClosed)
	assert.False(t, tc.Closed())
	assert.True(t, tc.Errored())

	assert.NoErr(t, tc.Resume())
	assert.True(t, tc.Closed())
}

func TestWouldBlockEOFIsTransient(t *testing.T) {
	tc := newTestConn(t, dispatchFunc(hello))

	tc.onEvent(eventEOF, unix.EAGAIN)
	assert.False(t, tc.Closed())
	assert.False(t, tc.Errored())
}

func TestPeerCloseClosesConnection(t *testing.T) {
	tc := newTestConn(t, dispatchFunc(hello))

	unix.Shutdown(tc.peer, unix.SHUT_WR)
	tc.OnReadable()
	assert.True(t, tc.Closed())
	assert.True(t, errors.Is(tc.Err(), ErrPeerClosed))
}

func TestCloseIsIdempotent(t *testing.T) {
	tc := newTestConn(t, dispatchFunc(hello))

	tc.Close()
	tc.Close()
	assert.Eq(t, StateClosed, tc.State())
	assert.Eq(t, 1, tc.loop.removed)
	assert.ErrIs(t, tc.Write([]byte("x")), http.ErrConnectionGone)

	buf := make([]byte, 8)
	n, err := unix.Read(tc.peer, buf)
	assert.NoErr(t, err)
	assert.Eq(t, 0, n)
}

func TestTimeouts(t *testing.T) {
	tc := newTestConn(t, dispatchFunc(hello))
	tc.SetTimeouts(Timeouts{Idle: time.Second, Read: 2 * time.Second})

	now := time.Now()
	assert.False(t, tc.OnTimeout(now))

	tc.send(t, "GET / HTTP/1.1\r\n")
	assert.False(t, tc.OnTimeout(now.Add(1500*time.Millisecond)))
	assert.True(t, tc.OnTimeout(now.Add(3*time.Second)))
	assert.True(t, tc.Closed())
	assert.Eq(t, int64(1), tc.stats.Timeouts.Value())
}

func writeTempFile(t *testing.T, name, content string) string {
	path := filepath.Join(t.TempDir(), name)
	assert.NoErr(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestSendFileWhileSending(t *testing.T) {
	tc := newTestConn(t, dispatchFunc(hello))
	path := writeTempFile(t, "a.txt", "data")

	var firstErr error
	first, err := sendfile.Open(path, sendfile.Options{}, func(err error) { firstErr = err })
	assert.NoErr(t, err)
	second, err := sendfile.Open(path, sendfile.Options{}, nil)
	assert.NoErr(t, err)
	defer second.Close(nil)

	assert.NoErr(t, tc.SendFile(first))
	assert.True(t, errors.Is(tc.SendFile(second), ErrAlreadySendingFile))
	assert.True(t, tc.Errored())
	assert.True(t, tc.SendingFile())

	tc.Close()
	assert.False(t, tc.SendingFile())
	assert.True(t, errors.Is(firstErr, ErrConnectionClosed))
}

func TestSendFileStreamsChunks(t *testing.T) {
	content := strings.Repeat("0123456789", 5000)
	path := writeTempFile(t, "big.bin", content)

	var doneErr error
	called := false
	tc := newTestConn(t, dispatchFunc(func(req *http.Request, res *http.Response) {
		err := res.SendFile(path, "", func(err error) {
			called = true
			doneErr = err
		})
		assert.NoErr(t, err)
	}))

	tc.send(t, "GET /big.bin HTTP/1.1\r\nHost: h\r\n\r\n")
	assert.True(t, tc.SendingFile())
	assert.True(t, tc.loop.write)

	var out strings.Builder
	for i := 0; i < 1000 && (tc.SendingFile() || tc.pending() > 0); i++ {
		tc.OnWritable()
		tc.loop.run()
		out.WriteString(tc.recv())
	}
	out.WriteString(tc.recv())

	assert.True(t, called)
	assert.NoErr(t, doneErr)
	assert.False(t, tc.loop.write)
	head, body, _ := strings.Cut(out.String(), "\r\n\r\n")
	assert.StrContains(t, head, "Content-Length: 50000")
	assert.Eq(t, content, body)
	assert.Eq(t, int64(1), tc.stats.FilesSent.Value())
}

// failingReader yields data and then err on every read.
type failingReader struct {
	data []byte
	err  error
}

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, r.err
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func TestSendReaderFailureBeforeHead(t *testing.T) {
	readErr := errors.New("disk gone")
	var doneErr error
	calls := 0
	tc := newTestConn(t, dispatchFunc(func(req *http.Request, res *http.Response) {
		rd := &failingReader{err: readErr}
		err := res.SendReader("data.bin", rd, 1000, "", func(err error) {
			calls++
			doneErr = err
		})
		assert.NoErr(t, err)
	}))

	tc.send(t, "GET /data.bin HTTP/1.1\r\nHost: h\r\n\r\n")
	var out strings.Builder
	for i := 0; i < 100 && (tc.SendingFile() || tc.pending() > 0); i++ {
		tc.OnWritable()
		tc.loop.run()
		out.WriteString(tc.recv())
	}
	out.WriteString(tc.recv())

	assert.Eq(t, 1, calls)
	assert.True(t, errors.Is(doneErr, readErr))
	assert.False(t, tc.SendingFile())
	assert.StrContains(t, out.String(), "HTTP/1.1 500")
	assert.NotContains(t, out.String(), "Content-Length: 1000")
	assert.NotEq(t, StateClosed, tc.State())
}

func TestSendReaderFailureAfterHead(t *testing.T) {
	readErr := errors.New("disk gone")
	var doneErr error
	calls := 0
	tc := newTestConn(t, dispatchFunc(func(req *http.Request, res *http.Response) {
		rd := &failingReader{data: []byte(strings.Repeat("x", 100)), err: readErr}
		err := res.SendReader("data.bin", rd, 1000, "", func(err error) {
			calls++
			doneErr = err
		})
		assert.NoErr(t, err)
	}))

	tc.send(t, "GET /data.bin HTTP/1.1\r\nHost: h\r\n\r\n")
	var out strings.Builder
	for i := 0; i < 100 && tc.State() != StateClosed; i++ {
		tc.OnWritable()
		tc.loop.run()
		out.WriteString(tc.recv())
	}
	out.WriteString(tc.recv())

	assert.Eq(t, 1, calls)
	assert.True(t, errors.Is(doneErr, readErr))
	assert.False(t, tc.SendingFile())
	assert.Eq(t, StateClosed, tc.State())
	head, body, _ := strings.Cut(out.String(), "\r\n\r\n")
	assert.StrContains(t, head, "HTTP/1.1 200")
	assert.StrContains(t, head, "Content-Length: 1000")
	assert.Eq(t, strings.Repeat("x", 100), body)
}
