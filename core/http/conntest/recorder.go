// Package conntest provides an in-memory http.Conn for tests.
package conntest

import (
	"bytes"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/searchktools/evserver/core/http"
	"github.com/searchktools/evserver/core/sendfile"
)

// Recorder is an http.Conn that records everything written to it.
type Recorder struct {
	Out       bytes.Buffer
	KeepAlive bool
	Completed int
	Paused    bool
	Job       *sendfile.Job

	closed bool
	log    zerolog.Logger
	posted chan func()
}

var _ http.Conn = (*Recorder)(nil)

// New creates a recorder that logs nowhere.
func New() *Recorder {
	return &Recorder{
		log:    zerolog.Nop(),
		posted: make(chan func(), 16),
	}
}

func (r *Recorder) ID() uint64              { return 1 }
func (r *Recorder) Closed() bool            { return r.closed }
func (r *Recorder) Secure() bool            { return false }
func (r *Recorder) RemoteAddr() string      { return "127.0.0.1:40000" }
func (r *Recorder) Logger() *zerolog.Logger { return &r.log }
func (r *Recorder) SetKeepAlive(on bool)    { r.KeepAlive = on }
func (r *Recorder) Complete()               { r.Completed++ }
func (r *Recorder) Pause()                  { r.Paused = true }
func (r *Recorder) Go(fn func()) error      { go fn(); return nil }
func (r *Recorder) Post(fn func()) bool     { r.posted <- fn; return true }
func (r *Recorder) Close()                  { r.closed = true }

func (r *Recorder) Write(p []byte) error {
	if r.closed {
		return http.ErrConnectionGone
	}
	r.Out.Write(p)
	return nil
}

func (r *Recorder) Resume() error {
	if !r.Paused {
		return errors.New("not paused")
	}
	r.Paused = false
	return nil
}

func (r *Recorder) SendFile(job *sendfile.Job) error {
	if r.Job != nil {
		return errors.New("already sending a file")
	}
	r.Job = job
	return nil
}

// RunPosted runs the next function passed to Post, waiting up to timeout.
func (r *Recorder) RunPosted(timeout time.Duration) bool {
	select {
	case fn := <-r.posted:
		fn()
		return true
	case <-time.After(timeout):
		return false
	}
}

// DrainFile drives the pending file job to completion the way a
// connection's write path does.
func (r *Recorder) DrainFile(res *http.Response) error {
	job := r.Job
	if job == nil {
		return nil
	}
	defer func() { r.Job = nil }()

	for {
		chunk, done, err := job.Next()
		if err != nil {
			job.Close(err)
			res.AbortFile(err)
			return err
		}
		if err := res.WriteChunk(chunk); err != nil {
			job.Close(err)
			return err
		}
		if done {
			job.Close(nil)
			return res.FinishFile()
		}
	}
}
