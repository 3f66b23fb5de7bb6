package http

import "strings"

// Common header names
const (
	HeaderAcceptEncoding   = "Accept-Encoding"
	HeaderConnection       = "Connection"
	HeaderContentEncoding  = "Content-Encoding"
	HeaderContentLength    = "Content-Length"
	HeaderContentType      = "Content-Type"
	HeaderHost             = "Host"
	HeaderLocation         = "Location"
	HeaderTransferEncoding = "Transfer-Encoding"
	HeaderVary             = "Vary"
)

type headerField struct {
	key   string
	value string
}

// Header is an ordered, case-insensitive multi-map. Keys keep the case
// they were first added with.
type Header struct {
	fields []headerField
}

// Add appends a value for key.
func (h *Header) Add(key, value string) {
	h.fields = append(h.fields, headerField{key: key, value: value})
}

// Set replaces every value of key with value.
func (h *Header) Set(key, value string) {
	for i := range h.fields {
		if strings.EqualFold(h.fields[i].key, key) {
			h.fields[i].value = value
			h.delFrom(key, i+1)
			return
		}
	}
	h.Add(key, value)
}

// Get returns the first value of key.
func (h *Header) Get(key string) string {
	for _, f := range h.fields {
		if strings.EqualFold(f.key, key) {
			return f.value
		}
	}
	return ""
}

// Lookup is like Get but reports presence.
func (h *Header) Lookup(key string) (string, bool) {
	for _, f := range h.fields {
		if strings.EqualFold(f.key, key) {
			return f.value, true
		}
	}
	return "", false
}

func (h *Header) Has(key string) bool {
	_, ok := h.Lookup(key)
	return ok
}

// Values returns every value of key in arrival order.
func (h *Header) Values(key string) []string {
	var vs []string
	for _, f := range h.fields {
		if strings.EqualFold(f.key, key) {
			vs = append(vs, f.value)
		}
	}
	return vs
}

// Del removes every value of key.
func (h *Header) Del(key string) {
	h.delFrom(key, 0)
}

func (h *Header) delFrom(key string, start int) {
	j := start
	for i := start; i < len(h.fields); i++ {
		if strings.EqualFold(h.fields[i].key, key) {
			continue
		}
		h.fields[j] = h.fields[i]
		j++
	}
	h.fields = h.fields[:j]
}

func (h *Header) Len() int { return len(h.fields) }

// VisitAll calls fn for each field in order.
func (h *Header) VisitAll(fn func(key, value string)) {
	for _, f := range h.fields {
		fn(f.key, f.value)
	}
}

func (h *Header) Reset() {
	h.fields = h.fields[:0]
}
