package http

import (
	"sort"
	"strconv"
	"strings"

	"golang.org/x/net/http/httpguts"

	"github.com/searchktools/evserver/core/sendfile"
)

// KeepAlive reports whether the connection stays open after responding to
// r. HTTP/1.0 must ask for keep-alive; later versions keep alive unless
// the client sent close.
func KeepAlive(r *Request) bool {
	conn := r.Header.Values(HeaderConnection)
	if r.ProtoAtLeast(1, 1) {
		return !httpguts.HeaderValuesContainsToken(conn, "close")
	}
	return httpguts.HeaderValuesContainsToken(conn, "keep-alive")
}

// NegotiateCoding picks the response coding from the Accept-Encoding
// header. Entries are ranked by q-value, ties keep client order; "*"
// selects gzip and q=0 rejects a coding. A present but empty header means
// any coding is acceptable. br is only considered when brotli is set.
func NegotiateCoding(r *Request, brotli bool) sendfile.Coding {
	values, ok := r.Header.Lookup(HeaderAcceptEncoding)
	if !ok {
		return sendfile.Identity
	}
	if strings.TrimSpace(values) == "" {
		return sendfile.Gzip
	}

	type candidate struct {
		coding sendfile.Coding
		q      float64
	}
	var ranked []candidate
	for _, v := range r.Header.Values(HeaderAcceptEncoding) {
		for _, item := range strings.Split(v, ",") {
			name, params, _ := strings.Cut(item, ";")
			q := weight(params)
			if q <= 0 {
				continue
			}
			switch strings.ToLower(strings.TrimSpace(name)) {
			case "gzip", "x-gzip", "*":
				ranked = append(ranked, candidate{sendfile.Gzip, q})
			case "deflate":
				ranked = append(ranked, candidate{sendfile.Deflate, q})
			case "br":
				if brotli {
					ranked = append(ranked, candidate{sendfile.Brotli, q})
				}
			}
		}
	}
	if len(ranked) == 0 {
		return sendfile.Identity
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].q > ranked[j].q })
	return ranked[0].coding
}

// weight returns the q parameter, 1 when absent and 0 when malformed.
func weight(params string) float64 {
	for _, p := range strings.Split(params, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(k), "q") {
			continue
		}
		q, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || q < 0 {
			return 0
		}
		if q > 1 {
			q = 1
		}
		return q
	}
	return 1
}
