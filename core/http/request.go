package http

import (
	"strconv"

	"github.com/searchktools/evserver/core/router"
	"github.com/searchktools/evserver/core/url"
)

// Request is a fully parsed HTTP/1.x request. It is owned by the
// connection that produced it and is valid until the next keepalive
// request replaces it.
type Request struct {
	Method     string
	RequestURI string // raw request target
	Proto      string
	ProtoMajor int
	ProtoMinor int

	Header  Header
	Trailer Header
	Body    []byte
	// ContentLength is -1 for chunked bodies.
	ContentLength int64

	URL   url.URL
	Query url.Values
	// QueryErr is the first query pair that failed to decode. Such pairs
	// are left out of Query.
	QueryErr error
	Params   router.Params
	// Route is the method and pattern of the matched route, empty when
	// none matched.
	Route string
	// Tail holds the path consumed by a ** route segment.
	Tail string

	RemoteAddr string
}

func (r *Request) reset() {
	r.Method = ""
	r.RequestURI = ""
	r.Proto = ""
	r.ProtoMajor, r.ProtoMinor = 0, 0
	r.Header.Reset()
	r.Trailer.Reset()
	r.Body = r.Body[:0]
	r.ContentLength = 0
	r.URL = url.URL{}
	r.Query = nil
	r.QueryErr = nil
	r.Params = r.Params[:0]
	r.Route = ""
	r.Tail = ""
}

// ProtoAtLeast reports whether the request version is at least major.minor.
func (r *Request) ProtoAtLeast(major, minor int) bool {
	return r.ProtoMajor > major || (r.ProtoMajor == major && r.ProtoMinor >= minor)
}

// Param returns a route parameter or "".
func (r *Request) Param(name string) string {
	return r.Params.ByName(name)
}

// QueryValue returns the first query value for key or "".
func (r *Request) QueryValue(key string) string {
	return r.Query.Get(key)
}

// Host returns the Host header.
func (r *Request) Host() string {
	return r.Header.Get(HeaderHost)
}

// Path returns the request path as sent, without percent-decoding.
func (r *Request) Path() string {
	return r.URL.Path()
}

func (r *Request) String() string {
	return r.Method + " " + r.RequestURI + " HTTP/" + strconv.Itoa(r.ProtoMajor) + "." + strconv.Itoa(r.ProtoMinor)
}
