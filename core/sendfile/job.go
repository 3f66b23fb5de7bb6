// Package sendfile streams files to a connection one bounded chunk at a
// time, optionally compressing them on the fly.
package sendfile

import (
	"io"
	"os"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"

	"github.com/searchktools/evserver/core/pools"
)

// DefaultChunkSize is the read-ahead size of one chunk
const DefaultChunkSize = 16 << 10

// ErrCompress wraps every compressor failure
var ErrCompress = errors.New("compression failed")

// Coding selects the on-the-fly compression of a job
type Coding uint8

const (
	Identity Coding = iota
	Gzip
	Deflate
	Brotli
)

func (c Coding) String() string {
	switch c {
	case Gzip:
		return "gzip"
	case Deflate:
		return "deflate"
	case Brotli:
		return "br"
	}
	return "identity"
}

// Options configures Open
type Options struct {
	Coding Coding
	// Level is a gzip/zlib or brotli level; 0 selects the default.
	Level     int
	ChunkSize int
}

type compressor interface {
	io.Writer
	Flush() error
	Close() error
}

// countingSink collects compressor output and counts every byte produced.
type countingSink struct {
	out      *bytebufferpool.ByteBuffer
	produced int64
}

func (s *countingSink) Write(p []byte) (int, error) {
	s.produced += int64(len(p))
	return s.out.Write(p)
}

// Job is one file being sent. It is driven by repeated calls to Next from
// the owning connection's write path and must be closed exactly once.
type Job struct {
	path        string
	src         io.Reader
	size        int64
	read        int64
	contentType string
	coding      Coding

	buf  []byte
	out  *bytebufferpool.ByteBuffer
	sink *countingSink
	comp compressor

	drained int64
	eof     bool
	closed  bool
	onDone  func(error)
}

// Open opens path and prepares a job. onDone, if set, runs once when the
// job is closed, with the error that ended it.
func Open(path string, opts Options, onDone func(error)) (*Job, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "stat %s", path)
	}
	if st.IsDir() {
		f.Close()
		return nil, errors.Wrapf(os.ErrNotExist, "%s is a directory", path)
	}
	return NewJob(path, f, st.Size(), opts, onDone)
}

// NewJob prepares a job streaming size bytes from src. name picks the
// content type. src is closed with the job when it is an io.Closer, also
// when NewJob fails.
func NewJob(name string, src io.Reader, size int64, opts Options, onDone func(error)) (*Job, error) {
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}

	j := &Job{
		path:        name,
		src:         src,
		size:        size,
		contentType: ContentType(name),
		coding:      opts.Coding,
		buf:         pools.GetBytes(chunk),
		out:         bytebufferpool.Get(),
		onDone:      onDone,
	}

	var err error
	level := opts.Level
	if level == 0 {
		level = gzip.DefaultCompression
	}
	switch opts.Coding {
	case Gzip:
		j.sink = &countingSink{out: j.out}
		j.comp, err = gzip.NewWriterLevel(j.sink, level)
	case Deflate:
		j.sink = &countingSink{out: j.out}
		j.comp, err = zlib.NewWriterLevel(j.sink, level)
	case Brotli:
		if opts.Level == 0 {
			level = brotli.DefaultCompression
		}
		j.sink = &countingSink{out: j.out}
		j.comp = brotli.NewWriterLevel(j.sink, level)
	}
	if err != nil {
		j.release()
		return nil, errors.Wrapf(ErrCompress, "init: %v", err)
	}
	return j, nil
}

// Next reads the next chunk and returns the bytes to send. The returned
// slice is valid until the following call. done reports end of file;
// every compressed byte has been returned by then.
func (j *Job) Next() (chunk []byte, done bool, err error) {
	if j.closed {
		return nil, true, errors.New("file job closed")
	}
	if j.eof {
		return nil, true, nil
	}

	n, rerr := j.src.Read(j.buf)
	switch {
	case rerr == io.EOF:
		j.eof = true
	case rerr != nil:
		return nil, false, errors.Wrapf(rerr, "read %s", j.path)
	}
	j.read += int64(n)
	if j.read >= j.size {
		j.eof = true
	}

	j.out.Reset()
	if j.comp == nil {
		j.out.Write(j.buf[:n])
	} else {
		if n > 0 {
			if _, err := j.comp.Write(j.buf[:n]); err != nil {
				return nil, false, errors.Wrapf(ErrCompress, "write: %v", err)
			}
		}
		if j.eof {
			err = j.comp.Close()
		} else {
			err = j.comp.Flush()
		}
		if err != nil {
			return nil, false, errors.Wrapf(ErrCompress, "flush: %v", err)
		}
	}

	chunk = j.out.B
	j.drained += int64(len(chunk))
	return chunk, j.eof, nil
}

// Close releases the file, compressor and buffers and runs the completion
// callback. Further calls are no-ops.
func (j *Job) Close(cause error) {
	if j.closed {
		return
	}
	j.closed = true
	j.release()
	if j.onDone != nil {
		j.onDone(cause)
	}
}

func (j *Job) release() {
	if c, ok := j.src.(io.Closer); ok {
		c.Close()
	}
	j.src = nil
	if j.buf != nil {
		pools.PutBytes(j.buf)
		j.buf = nil
	}
	if j.out != nil {
		bytebufferpool.Put(j.out)
		j.out = nil
		if j.sink != nil {
			j.sink.out = nil
		}
	}
	j.comp = nil
}

func (j *Job) Path() string        { return j.path }
func (j *Job) Size() int64         { return j.size }
func (j *Job) ContentType() string { return j.contentType }
func (j *Job) Compressed() bool    { return j.sink != nil }

// Coding returns the compression applied to the file.
func (j *Job) Coding() Coding { return j.coding }

// Produced counts bytes emitted by the compressor so far.
func (j *Job) Produced() int64 {
	if j.sink == nil {
		return j.drained
	}
	return j.sink.produced
}

// Drained counts bytes handed out by Next.
func (j *Job) Drained() int64 { return j.drained }
