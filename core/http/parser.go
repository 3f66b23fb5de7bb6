package http

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/net/http/httpguts"

	"github.com/searchktools/evserver/core/url"
)

// Parser limits
const (
	DefaultMaxLineSize    = 8 << 10
	DefaultMaxHeaderBytes = 64 << 10
	DefaultMaxBodySize    = 4 << 20
)

type parseState uint8

const (
	stateStartLine parseState = iota
	stateHeaders
	stateBodyFixed
	stateChunkSize
	stateChunkData
	stateChunkEnd
	stateTrailer
	stateDone
	stateError
)

var stateNames = [...]string{
	stateStartLine: "start_line",
	stateHeaders:   "headers",
	stateBodyFixed: "body",
	stateChunkSize: "chunk_size",
	stateChunkData: "chunk_data",
	stateChunkEnd:  "chunk_end",
	stateTrailer:   "trailer",
	stateDone:      "done",
	stateError:     "error",
}

func (s parseState) String() string { return stateNames[s] }

// Parser is an incremental HTTP/1.x request parser. Bytes handed to Feed
// are consumed exactly once: a line split across two calls is carried in
// an internal buffer and completed by the next call. Parsing stops at the
// end of a request so pipelined bytes stay with the caller.
type Parser struct {
	MaxLineSize    int
	MaxHeaderBytes int
	MaxBodySize    int64
	// Scheme is used to build absolute request URLs from the Host header.
	Scheme string

	state       parseState
	line        []byte
	headerBytes int
	remaining   int64
	req         *Request
	err         error
}

// NewParser creates a parser with default limits.
func NewParser() *Parser {
	p := &Parser{
		MaxLineSize:    DefaultMaxLineSize,
		MaxHeaderBytes: DefaultMaxHeaderBytes,
		MaxBodySize:    DefaultMaxBodySize,
		Scheme:         "http",
	}
	p.req = &Request{}
	return p
}

// Feed consumes bytes of data. It returns the number of bytes consumed,
// which is less than len(data) only when a request completed or parsing
// failed. Once failed every call returns the same error.
func (p *Parser) Feed(data []byte) (int, error) {
	if p.state == stateError {
		return 0, p.err
	}
	n := 0
	for n < len(data) && p.state != stateDone {
		switch p.state {
		case stateBodyFixed, stateChunkData:
			take := int64(len(data) - n)
			if take > p.remaining {
				take = p.remaining
			}
			p.req.Body = append(p.req.Body, data[n:n+int(take)]...)
			n += int(take)
			p.remaining -= take
			if p.remaining == 0 {
				if p.state == stateBodyFixed {
					p.state = stateDone
				} else {
					p.state = stateChunkEnd
				}
			}

		default:
			line, used, ok, err := p.readLine(data[n:])
			n += used
			if err != nil {
				return n, p.fail(err)
			}
			if !ok {
				return n, nil
			}
			if err := p.handleLine(line); err != nil {
				return n, p.fail(err)
			}
		}
	}
	return n, nil
}

// readLine returns the next complete line without its CRLF. An incomplete
// line is stored and all of data is reported as used.
func (p *Parser) readLine(data []byte) (line []byte, used int, ok bool, err error) {
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		if len(p.line)+len(data) > p.MaxLineSize {
			return nil, len(data), false, errors.Wrapf(ErrTooLarge, "line exceeds %d bytes in %s", p.MaxLineSize, p.state)
		}
		p.line = append(p.line, data...)
		return nil, len(data), false, nil
	}

	if len(p.line)+i > p.MaxLineSize {
		return nil, i + 1, false, errors.Wrapf(ErrTooLarge, "line exceeds %d bytes in %s", p.MaxLineSize, p.state)
	}
	if len(p.line) > 0 {
		p.line = append(p.line, data[:i]...)
		line = p.line
		p.line = p.line[:0]
	} else {
		line = data[:i]
	}
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, i + 1, true, nil
}

func (p *Parser) handleLine(line []byte) error {
	switch p.state {
	case stateStartLine:
		if len(line) == 0 {
			// empty lines before a request line are ignored
			return nil
		}
		if err := p.parseRequestLine(line); err != nil {
			return err
		}
		p.state = stateHeaders

	case stateHeaders:
		if len(line) == 0 {
			return p.endHeaders()
		}
		p.headerBytes += len(line) + 2
		if p.headerBytes > p.MaxHeaderBytes {
			return errors.Wrapf(ErrTooLarge, "headers exceed %d bytes", p.MaxHeaderBytes)
		}
		return parseHeaderLine(line, &p.req.Header)

	case stateChunkSize:
		size, err := parseChunkSize(line)
		if err != nil {
			return err
		}
		if size == 0 {
			p.state = stateTrailer
			return nil
		}
		if size > p.MaxBodySize-int64(len(p.req.Body)) {
			return errors.Wrapf(ErrTooLarge, "body exceeds %d bytes", p.MaxBodySize)
		}
		p.remaining = size
		p.state = stateChunkData

	case stateChunkEnd:
		if len(line) != 0 {
			return errors.Wrap(ErrBadChunk, "missing CRLF after chunk data")
		}
		p.state = stateChunkSize

	case stateTrailer:
		if len(line) == 0 {
			p.state = stateDone
			return nil
		}
		p.headerBytes += len(line) + 2
		if p.headerBytes > p.MaxHeaderBytes {
			return errors.Wrapf(ErrTooLarge, "trailer exceeds %d bytes", p.MaxHeaderBytes)
		}
		return parseHeaderLine(line, &p.req.Trailer)
	}
	return nil
}

func (p *Parser) parseRequestLine(line []byte) error {
	s := string(line)
	method, rest, ok1 := strings.Cut(s, " ")
	target, proto, ok2 := strings.Cut(rest, " ")
	if !ok1 || !ok2 || method == "" || target == "" || strings.IndexByte(proto, ' ') >= 0 {
		return errors.Wrapf(ErrBadRequestLine, "%q", s)
	}
	for i := 0; i < len(method); i++ {
		if !httpguts.IsTokenRune(rune(method[i])) {
			return errors.Wrapf(ErrBadRequestLine, "invalid method %q", method)
		}
	}
	major, minor, ok := parseProto(proto)
	if !ok {
		return errors.Wrapf(ErrBadRequestLine, "invalid version %q", proto)
	}

	r := p.req
	r.Method = method
	r.RequestURI = target
	r.Proto = proto
	r.ProtoMajor = major
	r.ProtoMinor = minor
	return nil
}

// parseProto accepts HTTP/<digit>.<digit>.
func parseProto(proto string) (int, int, bool) {
	if len(proto) != len("HTTP/1.1") || !strings.HasPrefix(proto, "HTTP/") || proto[6] != '.' {
		return 0, 0, false
	}
	hi, lo := proto[5], proto[7]
	if hi < '0' || hi > '9' || lo < '0' || lo > '9' {
		return 0, 0, false
	}
	return int(hi - '0'), int(lo - '0'), true
}

func parseHeaderLine(line []byte, h *Header) error {
	if line[0] == ' ' || line[0] == '\t' {
		return errors.Wrap(ErrBadHeader, "obsolete line folding")
	}
	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return errors.Wrapf(ErrBadHeader, "%q", line)
	}
	key := string(line[:colon])
	if !httpguts.ValidHeaderFieldName(key) {
		return errors.Wrapf(ErrBadHeader, "invalid field name %q", key)
	}
	value := strings.Trim(string(line[colon+1:]), " \t")
	if !httpguts.ValidHeaderFieldValue(value) {
		return errors.Wrapf(ErrBadHeader, "invalid value for %q", key)
	}
	h.Add(key, value)
	return nil
}

func parseChunkSize(line []byte) (int64, error) {
	if i := bytes.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	s := strings.TrimRight(string(line), " \t")
	if s == "" || len(s) > 16 {
		return 0, errors.Wrapf(ErrBadChunk, "chunk size %q", s)
	}
	size, err := strconv.ParseInt(s, 16, 64)
	if err != nil || size < 0 {
		return 0, errors.Wrapf(ErrBadChunk, "chunk size %q", s)
	}
	return size, nil
}

// endHeaders decides the body framing and builds the request URL.
func (p *Parser) endHeaders() error {
	r := p.req
	host, hasHost := r.Header.Lookup(HeaderHost)
	if !hasHost && r.ProtoAtLeast(1, 1) {
		return ErrMissingHost
	}
	if hasHost && !httpguts.ValidHostHeader(host) {
		return errors.Wrapf(ErrBadHeader, "invalid host %q", host)
	}
	if err := p.buildURL(host); err != nil {
		return err
	}

	if te := r.Header.Values(HeaderTransferEncoding); len(te) > 0 {
		if !isChunked(te) {
			return errors.Wrapf(ErrBadHeader, "unsupported transfer encoding %q", strings.Join(te, ", "))
		}
		r.Header.Del(HeaderContentLength)
		r.ContentLength = -1
		p.state = stateChunkSize
		return nil
	}

	cl := r.Header.Values(HeaderContentLength)
	if len(cl) == 0 {
		p.state = stateDone
		return nil
	}
	for _, v := range cl[1:] {
		if v != cl[0] {
			return errors.Wrap(ErrBadHeader, "conflicting content-length")
		}
	}
	n, err := strconv.ParseInt(cl[0], 10, 64)
	if err != nil || n < 0 {
		return errors.Wrapf(ErrBadHeader, "content-length %q", cl[0])
	}
	if n > p.MaxBodySize {
		return errors.Wrapf(ErrTooLarge, "body of %d bytes exceeds %d", n, p.MaxBodySize)
	}
	r.ContentLength = n
	if n == 0 {
		p.state = stateDone
		return nil
	}
	p.remaining = n
	p.state = stateBodyFixed
	return nil
}

// isChunked reports whether chunked is the final transfer coding.
func isChunked(te []string) bool {
	last := te[len(te)-1]
	if i := strings.LastIndexByte(last, ','); i >= 0 {
		last = last[i+1:]
	}
	return strings.EqualFold(strings.TrimSpace(last), "chunked")
}

func (p *Parser) buildURL(host string) error {
	r := p.req
	raw := r.RequestURI
	switch {
	case strings.HasPrefix(raw, "/"):
		if host == "" {
			host = "localhost"
		}
		raw = p.Scheme + "://" + host + raw
	case raw == "*" && r.Method == "OPTIONS":
		raw = p.Scheme + "://" + host + "/"
	}

	u, err := url.Parse(raw)
	if err != nil {
		return errors.Wrapf(ErrBadRequestLine, "target %q: %v", r.RequestURI, err)
	}
	r.URL = u
	r.Query, r.QueryErr = url.ParseQuery(u.Query())
	return nil
}

func (p *Parser) fail(err error) error {
	p.state = stateError
	p.err = err
	return err
}

// Done reports whether a complete request is ready.
func (p *Parser) Done() bool { return p.state == stateDone }

// Started reports whether any byte of the current request was consumed.
func (p *Parser) Started() bool {
	return p.state != stateStartLine || len(p.line) > 0
}

// Err returns the error that moved the parser into the error state.
func (p *Parser) Err() error { return p.err }

// State names the current parse stage.
func (p *Parser) State() string { return p.state.String() }

// Request returns the request being parsed. It is complete once Done
// reports true.
func (p *Parser) Request() *Request { return p.req }

// Reset prepares the parser for the next request on the connection.
func (p *Parser) Reset() {
	p.state = stateStartLine
	p.line = p.line[:0]
	p.headerBytes = 0
	p.remaining = 0
	p.err = nil
	p.req.reset()
}
