package http

import (
	"encoding/json"
	"io"
	"os"
	"strconv"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/valyala/bytebufferpool"

	"github.com/searchktools/evserver/core/sendfile"
)

// Scratch buffer capacities for the response head
const (
	StatusLineCap = 64
	HeaderLineCap = 8 << 10
)

// Options tunes response rendering for a server
type Options struct {
	// StackTrace adds the origin and stack of an error to error pages.
	StackTrace bool
	// ServerName is sent in the Server header when set.
	ServerName string
	// FileChunkSize is the read-ahead size of file responses.
	FileChunkSize int
	// CompressionLevel applies to compressed file responses.
	CompressionLevel int
	// Brotli lets file responses negotiate br.
	Brotli bool
}

// Response builds the reply to one Request. It is owned by the
// connection and reused for each keepalive request.
type Response struct {
	conn Conn
	req  *Request
	opts *Options

	status      int
	header      Header
	keepAlive   bool
	headersSent bool
	ended       bool
	bodyless    bool
	chunked     bool
	sendingFile bool
	fileLength  int64

	statusBuf [StatusLineCap]byte
	lineBuf   [HeaderLineCap]byte
}

// NewResponse creates a response bound to conn.
func NewResponse(conn Conn, opts *Options) *Response {
	if opts == nil {
		opts = &Options{}
	}
	return &Response{conn: conn, opts: opts, status: StatusOK}
}

// Reset prepares the response for req.
func (r *Response) Reset(req *Request) {
	r.req = req
	r.status = StatusOK
	r.header.Reset()
	r.keepAlive = KeepAlive(req)
	r.headersSent = false
	r.ended = false
	r.bodyless = req.Method == "HEAD"
	r.chunked = false
	r.sendingFile = false
	r.fileLength = 0
}

func (r *Response) Request() *Request { return r.req }

// Logger returns the connection's logger.
func (r *Response) Logger() *zerolog.Logger { return r.conn.Logger() }

// Status sets the status code. It has no effect once headers are sent.
func (r *Response) Status(code int) *Response {
	if r.headersSent {
		r.Logger().Warn().Int("status", code).Msg("status change after headers were sent")
		return r
	}
	r.status = code
	return r
}

func (r *Response) StatusCode() int { return r.status }

func (r *Response) Header() *Header { return &r.header }

// Set replaces a response header.
func (r *Response) Set(key, value string) *Response {
	r.header.Set(key, value)
	return r
}

// Type sets the Content-Type header.
func (r *Response) Type(contentType string) *Response {
	r.header.Set(HeaderContentType, contentType)
	return r
}

// KeepAlive reports whether the connection stays open after this response.
func (r *Response) KeepAlive() bool { return r.keepAlive }

// Close asks for the connection to close after this response.
func (r *Response) Close() *Response {
	r.keepAlive = false
	if r.headersSent {
		r.conn.SetKeepAlive(false)
	}
	return r
}

// HeadersSent reports whether the status line and headers were written.
func (r *Response) HeadersSent() bool { return r.headersSent }

// Ended reports whether the response is complete.
func (r *Response) Ended() bool { return r.ended }

// SendingFile reports whether a file is being streamed.
func (r *Response) SendingFile() bool { return r.sendingFile }

// Committed reports whether something already answers the request.
func (r *Response) Committed() bool {
	return r.ended || r.headersSent || r.sendingFile
}

// String sends s as text/plain.
func (r *Response) String(code int, s string) {
	r.Status(code).Type("text/plain; charset=utf-8").Send([]byte(s))
}

// HTML sends s as text/html.
func (r *Response) HTML(code int, s string) {
	r.Status(code).Type("text/html; charset=utf-8").Send([]byte(s))
}

// JSON marshals v and sends it as application/json.
func (r *Response) JSON(code int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		r.Error(StatusInternalServerError, errors.Wrap(err, "marshal response"))
		return
	}
	r.Status(code).Type("application/json").Send(data)
}

// Bytes sends data with contentType.
func (r *Response) Bytes(code int, contentType string, data []byte) {
	r.Status(code).Type(contentType).Send(data)
}

// Redirect sends a redirect to location.
func (r *Response) Redirect(code int, location string) {
	if code < 300 || code > 399 {
		code = StatusFound
	}
	r.Status(code).Set(HeaderLocation, location).Send(nil)
}

// End completes the response with an empty body if nothing was sent.
func (r *Response) End() {
	if r.Committed() {
		return
	}
	r.Send(nil)
}

// Send writes the head and body and completes the response.
func (r *Response) Send(body []byte) {
	if r.ended || r.headersSent {
		r.Logger().Warn().Int("status", r.status).Msg("response already sent")
		return
	}
	if !bodyAllowed(r.status) {
		body = nil
	}
	if err := r.writeHead(int64(len(body))); err != nil {
		r.abandon(err)
		return
	}
	if !r.bodyless && len(body) > 0 {
		if err := r.conn.Write(body); err != nil {
			r.abandon(err)
			return
		}
	}
	r.finish()
}

// Error renders err as an HTML error page with status code. When headers
// are already out the connection is closed after what was sent.
func (r *Response) Error(code int, err error) {
	if code == 0 {
		code = StatusOf(err)
	}
	r.logError(code, err)

	if r.ended {
		return
	}
	if r.headersSent {
		r.Close()
		r.sendingFile = false
		r.finish()
		return
	}

	r.header.Reset()
	page := renderErrorPage(code, err, r.opts.StackTrace)
	r.Status(code).Type("text/html; charset=utf-8").Send(page)
}

func (r *Response) logError(code int, err error) {
	log := r.Logger()
	var ev *zerolog.Event
	switch {
	case code < 400:
		ev = log.Info()
	case code < 500:
		ev = log.Warn()
	default:
		ev = log.Error()
	}
	if r.req != nil {
		ev = ev.Str("method", r.req.Method).Str("path", r.req.RequestURI)
	}
	ev.Int("status", code).Err(err).Msg(StatusCategory(code))
}

// SendFile streams the file at path. charset is added to textual content
// types and defaults to utf-8. Compressible files are compressed when the
// client accepts it. done, if set, runs once when the file job ends.
func (r *Response) SendFile(path, charset string, done func(error)) error {
	return r.stream(path, charset, func(opts sendfile.Options) (*sendfile.Job, error) {
		job, err := sendfile.Open(path, opts, done)
		if errors.Is(err, os.ErrNotExist) {
			return nil, WrapError(StatusNotFound, err)
		}
		return job, err
	})
}

// SendReader streams size bytes from src like SendFile, taking the
// content type from name. src is closed when the job ends if it is an
// io.Closer.
func (r *Response) SendReader(name string, src io.Reader, size int64, charset string, done func(error)) error {
	return r.stream(name, charset, func(opts sendfile.Options) (*sendfile.Job, error) {
		return sendfile.NewJob(name, src, size, opts, done)
	})
}

func (r *Response) stream(name, charset string, open func(sendfile.Options) (*sendfile.Job, error)) error {
	if r.ended || r.headersSent || r.sendingFile {
		return ErrHeadersSent
	}
	if r.conn.Closed() {
		return ErrConnectionGone
	}

	ct := sendfile.ContentType(name)
	opts := sendfile.Options{
		ChunkSize: r.opts.FileChunkSize,
		Level:     r.opts.CompressionLevel,
	}
	if sendfile.Compressible(ct) {
		opts.Coding = NegotiateCoding(r.req, r.opts.Brotli)
	}

	job, err := open(opts)
	if err != nil {
		return err
	}

	if sendfile.IsText(ct) {
		if charset == "" {
			charset = "utf-8"
		}
		ct += "; charset=" + charset
	}
	r.header.Set(HeaderContentType, ct)
	r.fileLength = job.Size()
	if job.Compressed() {
		r.header.Set(HeaderContentEncoding, job.Coding().String())
		r.header.Add(HeaderVary, HeaderAcceptEncoding)
		r.fileLength = -1
	}

	if r.bodyless {
		job.Close(nil)
		if err := r.writeHead(r.fileLength); err != nil {
			r.abandon(err)
			return err
		}
		r.finish()
		return nil
	}

	if err := r.conn.SendFile(job); err != nil {
		job.Close(err)
		return err
	}
	r.sendingFile = true
	return nil
}

// WriteChunk writes one piece of a file body, sending the head first if
// needed. Chunked framing is used when the length is unknown.
func (r *Response) WriteChunk(p []byte) error {
	if !r.headersSent {
		if err := r.writeHead(r.fileLength); err != nil {
			return err
		}
	}
	if len(p) == 0 {
		return nil
	}
	if !r.chunked {
		return r.conn.Write(p)
	}

	var size [20]byte
	head := strconv.AppendInt(size[:0], int64(len(p)), 16)
	head = append(head, '\r', '\n')
	if err := r.conn.Write(head); err != nil {
		return err
	}
	if err := r.conn.Write(p); err != nil {
		return err
	}
	return r.conn.Write(crlf)
}

var (
	crlf          = []byte("\r\n")
	lastChunk     = []byte("0\r\n\r\n")
	statusLinePre = []byte("HTTP/1.1 ")
)

// FinishFile terminates a file body and completes the response.
func (r *Response) FinishFile() error {
	if !r.headersSent {
		if err := r.writeHead(r.fileLength); err != nil {
			return err
		}
	}
	r.sendingFile = false
	if r.chunked {
		if err := r.conn.Write(lastChunk); err != nil {
			return err
		}
	}
	r.finish()
	return nil
}

// AbortFile ends a failed file body. Before the head is out a full error
// page is sent; afterwards the connection is closed so the client sees a
// truncated body.
func (r *Response) AbortFile(err error) {
	r.sendingFile = false
	r.Error(StatusInternalServerError, err)
}

// Pause stops reading from the connection until Resume.
func (r *Response) Pause() { r.conn.Pause() }

// Resume restarts a paused connection.
func (r *Response) Resume() error { return r.conn.Resume() }

// Post runs fn on the connection's event loop.
func (r *Response) Post(fn func()) bool { return r.conn.Post(fn) }

// Go runs work on the worker pool and then calls then on the event loop
// with its result.
func (r *Response) Go(work func() error, then func(error)) {
	conn := r.conn
	err := conn.Go(func() {
		werr := work()
		conn.Post(func() { then(werr) })
	})
	if err != nil {
		then(err)
	}
}

func (r *Response) finish() {
	r.ended = true
	r.conn.Complete()
}

func (r *Response) abandon(err error) {
	r.Logger().Debug().Err(err).Msg("response abandoned")
	r.ended = true
	r.sendingFile = false
}

// writeHead writes the status line and headers. contentLength < 0 means
// the length is unknown.
func (r *Response) writeHead(contentLength int64) error {
	if r.headersSent {
		return ErrHeadersSent
	}
	if r.conn.Closed() {
		return ErrConnectionGone
	}

	switch {
	case !bodyAllowed(r.status):
		r.header.Del(HeaderContentLength)
	case contentLength >= 0:
		r.header.Set(HeaderContentLength, strconv.FormatInt(contentLength, 10))
	case r.req.ProtoAtLeast(1, 1):
		r.chunked = true
		r.header.Set(HeaderTransferEncoding, "chunked")
	default:
		// HTTP/1.0 body delimited by close
		r.keepAlive = false
	}
	if r.keepAlive {
		r.header.Set(HeaderConnection, "keep-alive")
	} else {
		r.header.Set(HeaderConnection, "close")
	}
	if r.opts.ServerName != "" && !r.header.Has("Server") {
		r.header.Set("Server", r.opts.ServerName)
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	buf.Write(r.statusLine())
	r.header.VisitAll(func(key, value string) {
		buf.Write(r.headerLine(key, value))
	})
	buf.Write(crlf)

	r.headersSent = true
	r.conn.SetKeepAlive(r.keepAlive)
	return r.conn.Write(buf.B)
}

// statusLine renders into the fixed status buffer. Overflow is a
// programming error and panics.
func (r *Response) statusLine() []byte {
	reason := StatusText(r.status)
	code := strconv.Itoa(r.status)
	if n := len(statusLinePre) + len(code) + 1 + len(reason) + 2; n > StatusLineCap {
		panic(errors.Errorf("status line of %d bytes exceeds %d", n, StatusLineCap))
	}

	b := r.statusBuf[:0]
	b = append(b, statusLinePre...)
	if r.req != nil && !r.req.ProtoAtLeast(1, 1) {
		b[7] = '0'
	}
	b = append(b, code...)
	b = append(b, ' ')
	b = append(b, reason...)
	b = append(b, crlf...)
	return b
}

// headerLine renders into the fixed header buffer. Overflow panics.
func (r *Response) headerLine(key, value string) []byte {
	if n := len(key) + 2 + len(value) + 2; n > HeaderLineCap {
		panic(errors.Errorf("header %q of %d bytes exceeds %d", key, n, HeaderLineCap))
	}

	b := r.lineBuf[:0]
	b = append(b, key...)
	b = append(b, ':', ' ')
	b = append(b, value...)
	b = append(b, crlf...)
	return b
}
