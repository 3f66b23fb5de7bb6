package http

import (
	"fmt"
	"html"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"
)

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// errorOrigin returns the innermost stack recorded in the chain of err.
func errorOrigin(err error) errors.StackTrace {
	var st errors.StackTrace
	for e := err; e != nil; e = errors.Unwrap(e) {
		if s, ok := e.(stackTracer); ok {
			st = s.StackTrace()
		}
	}
	return st
}

// ErrorOrigin describes where err was created
type ErrorOrigin struct {
	Function string
	File     string
	Line     int
	Stack    string
}

// OriginOf extracts the creation site of err, if any was recorded.
func OriginOf(err error) (ErrorOrigin, bool) {
	st := errorOrigin(err)
	if len(st) == 0 {
		return ErrorOrigin{}, false
	}
	f := st[0]
	o := ErrorOrigin{
		Function: fmt.Sprintf("%n", f),
		File:     fmt.Sprintf("%s", f),
		Stack:    strings.TrimPrefix(fmt.Sprintf("%+v", st), "\n"),
	}
	if _, file, ok := strings.Cut(fmt.Sprintf("%+s", f), "\n\t"); ok {
		o.File = file
	}
	o.Line, _ = strconv.Atoi(fmt.Sprintf("%d", f))
	return o, true
}

func renderErrorPage(code int, err error, withStack bool) []byte {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	title := strconv.Itoa(code) + " " + StatusText(code)
	msg := ""
	if err != nil {
		msg = err.Error()
	}

	buf.WriteString("<!DOCTYPE html>\n<html><head><meta charset=\"utf-8\"><title>")
	buf.WriteString(html.EscapeString(title))
	buf.WriteString("</title><style>body{font-family:sans-serif;margin:2em}h1{color:")
	buf.WriteString(StatusColor(code))
	buf.WriteString("}pre{background:#f4f4f4;padding:1em;overflow:auto}th{text-align:left;padding-right:1em}</style></head>\n<body><h1>")
	buf.WriteString(html.EscapeString(title))
	buf.WriteString("</h1>\n<h2>")
	buf.WriteString(StatusCategory(code))
	buf.WriteString("</h2>\n<p>")
	buf.WriteString(html.EscapeString(msg))
	buf.WriteString("</p>\n")

	if withStack {
		if o, ok := OriginOf(err); ok {
			buf.WriteString("<table><tr><th>Function</th><td>")
			buf.WriteString(html.EscapeString(o.Function))
			buf.WriteString("</td></tr><tr><th>File</th><td>")
			buf.WriteString(html.EscapeString(o.File))
			buf.WriteString("</td></tr><tr><th>Line</th><td>")
			buf.WriteString(strconv.Itoa(o.Line))
			buf.WriteString("</td></tr></table>\n<pre>")
			buf.WriteString(html.EscapeString(o.Stack))
			buf.WriteString("</pre>\n")
		}
	}
	buf.WriteString("</body></html>\n")

	page := make([]byte, buf.Len())
	copy(page, buf.B)
	return page
}
