package url

import (
	"strings"

	"github.com/pkg/errors"
)

const upperhex = "0123456789ABCDEF"

// ErrBadEscape is returned for a truncated or non-hex percent escape.
var ErrBadEscape = errors.New("invalid percent escape")

type encodeMode uint8

const (
	encodeComponent encodeMode = iota
	encodeFull
)

func shouldEscape(c byte, mode encodeMode) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return false
	}
	switch c {
	case '-', '_', '.', '!', '~', '*', '\'', '(', ')':
		return false
	case ';', ',', '/', '?', ':', '@', '&', '=', '+', '$', '#':
		return mode == encodeComponent
	}
	return true
}

func escape(s string, mode encodeMode) string {
	n := 0
	for i := 0; i < len(s); i++ {
		if shouldEscape(s[i], mode) {
			n++
		}
	}
	if n == 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s) + 2*n)
	for i := 0; i < len(s); i++ {
		c := s[i]
		if shouldEscape(c, mode) {
			b.WriteByte('%')
			b.WriteByte(upperhex[c>>4])
			b.WriteByte(upperhex[c&15])
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// EncodeURI escapes s for use as a whole URI; reserved characters
// ;,/?:@&=+$# are kept as is.
func EncodeURI(s string) string {
	return escape(s, encodeFull)
}

// EncodeURIComponent escapes s for use inside one URI component.
func EncodeURIComponent(s string) string {
	return escape(s, encodeComponent)
}

// DecodeURIComponent reverses EncodeURIComponent (and EncodeURI).
func DecodeURIComponent(s string) (string, error) {
	return unescape(s, false)
}

// DecodeQueryComponent is DecodeURIComponent that also maps '+' to a space.
func DecodeQueryComponent(s string) (string, error) {
	return unescape(s, true)
}

func unescape(s string, plusSpace bool) (string, error) {
	if strings.IndexByte(s, '%') == -1 && (!plusSpace || strings.IndexByte(s, '+') == -1) {
		return s, nil
	}

	b := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '%':
			if i+2 >= len(s) || !ishex(s[i+1]) || !ishex(s[i+2]) {
				return "", errors.Wrapf(ErrBadEscape, "at offset %d in %q", i, s)
			}
			b = append(b, unhex(s[i+1])<<4|unhex(s[i+2]))
			i += 2
		case c == '+' && plusSpace:
			b = append(b, ' ')
		default:
			b = append(b, c)
		}
	}
	return string(b), nil
}

func ishex(c byte) bool {
	switch {
	case '0' <= c && c <= '9', 'a' <= c && c <= 'f', 'A' <= c && c <= 'F':
		return true
	}
	return false
}

func unhex(c byte) byte {
	switch {
	case '0' <= c && c <= '9':
		return c - '0'
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10
	}
	return c - 'A' + 10
}

// Values holds decoded query parameters in arrival order per key.
type Values map[string][]string

// Get returns the first value for key.
func (v Values) Get(key string) string {
	if vs := v[key]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

func (v Values) Has(key string) bool {
	_, ok := v[key]
	return ok
}

// ParseQuery decodes a raw query string. Pairs that fail to decode are
// skipped and the first decoding error is returned alongside the rest.
func ParseQuery(query string) (Values, error) {
	v := make(Values)
	var firstErr error
	for query != "" {
		var pair string
		pair, query, _ = strings.Cut(query, "&")
		if pair == "" {
			continue
		}
		key, val, _ := strings.Cut(pair, "=")
		k, err := DecodeQueryComponent(key)
		if err == nil {
			val, err = DecodeQueryComponent(val)
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		v[k] = append(v[k], val)
	}
	return v, firstErr
}
