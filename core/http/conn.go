package http

import (
	"github.com/rs/zerolog"

	"github.com/searchktools/evserver/core/sendfile"
)

// Conn is what a Response needs from the connection that owns it. A
// Response never outlives its use of Conn: once Closed reports true every
// write is abandoned with ErrConnectionGone.
type Conn interface {
	ID() uint64
	Closed() bool
	Secure() bool
	RemoteAddr() string
	Logger() *zerolog.Logger

	// Write queues bytes for the socket.
	Write(p []byte) error
	// SetKeepAlive records the outcome of keepalive negotiation.
	SetKeepAlive(on bool)
	// SendFile hands a file job to the connection's write path.
	SendFile(job *sendfile.Job) error
	// Complete marks the response finished.
	Complete()

	Pause()
	Resume() error
	// Post runs fn on the connection's event loop. It is safe to call
	// from any goroutine.
	Post(fn func()) bool
	// Go runs fn off the event loop on the worker pool.
	Go(fn func()) error
}

// Next continues a handler chain. A non-nil error skips the remaining
// handlers and renders an error response.
type Next func(err error)

// Handler serves one step of a request. It must call next exactly once,
// either before returning or later from the event loop.
type Handler func(req *Request, res *Response, next Next)
