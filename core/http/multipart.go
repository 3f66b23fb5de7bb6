package http

import (
	"bytes"
	"strings"

	"github.com/pkg/errors"

	"github.com/searchktools/evserver/core/sendfile"
	"github.com/searchktools/evserver/core/url"
)

const (
	mediaMultipartForm  = "multipart/form-data"
	mediaMultipartMixed = "multipart/mixed"
	maxBoundaryLen      = 70
)

var (
	// ErrNotMultipart is returned for a body that is not multipart/form-data.
	ErrNotMultipart = errors.New("not a multipart/form-data body")
	// ErrMultipart is the root of every multipart framing error.
	ErrMultipart = errors.New("malformed multipart body")
	// ErrUploadRejected is the root of every upload policy violation.
	ErrUploadRejected = errors.New("upload rejected")
)

// FormFile is a file part of a multipart/form-data body. Data aliases
// Request.Body and shares its lifetime.
type FormFile struct {
	Field       string
	Filename    string
	ContentType string
	Header      Header
	Data        []byte
}

// Size returns the length of the file content.
func (f *FormFile) Size() int64 { return int64(len(f.Data)) }

// Form is a decoded multipart/form-data body.
type Form struct {
	Values url.Values
	Files  map[string][]*FormFile
}

// File returns the first file sent under field, or nil.
func (f *Form) File(field string) *FormFile {
	if files := f.Files[field]; len(files) > 0 {
		return files[0]
	}
	return nil
}

// UploadPolicy restricts what a multipart body may carry. Zero fields
// impose no limit.
type UploadPolicy struct {
	// MaxParts caps the number of parts, nested file parts included.
	MaxParts int
	// MaxFileSize caps the size of each file.
	MaxFileSize int64
	// Fields lists the form fields allowed to carry files.
	Fields []string
	// Types lists the accepted file media types; "image/*" accepts a
	// whole family.
	Types []string
	// Validate runs last for every file.
	Validate func(req *Request, f *FormFile) error
}

func (p *UploadPolicy) check(req *Request, f *FormFile) error {
	if p == nil {
		return nil
	}
	if len(p.Fields) > 0 && !contains(p.Fields, f.Field) {
		return WrapError(StatusBadRequest,
			errors.Wrapf(ErrUploadRejected, "field %q does not accept files", f.Field))
	}
	if p.MaxFileSize > 0 && f.Size() > p.MaxFileSize {
		return WrapError(StatusRequestEntityTooLarge,
			errors.Wrapf(ErrUploadRejected, "%s: %d bytes exceeds %d", f.Filename, f.Size(), p.MaxFileSize))
	}
	if len(p.Types) > 0 && !mediaTypeAllowed(p.Types, f.ContentType) {
		return WrapError(StatusUnsupportedMediaType,
			errors.Wrapf(ErrUploadRejected, "%s: type %s not allowed", f.Filename, f.ContentType))
	}
	if p.Validate != nil {
		if err := p.Validate(req, f); err != nil {
			if StatusOf(err) == StatusInternalServerError {
				err = WrapError(StatusBadRequest, errors.Wrap(ErrUploadRejected, err.Error()))
			}
			return err
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func mediaTypeAllowed(types []string, ct string) bool {
	mt, _ := parseMediaType(ct)
	for _, t := range types {
		t = strings.ToLower(strings.TrimSpace(t))
		switch {
		case t == "*/*" || t == mt:
			return true
		case strings.HasSuffix(t, "/*") && strings.HasPrefix(mt, t[:len(t)-1]):
			return true
		}
	}
	return false
}

// IsMultipart reports whether the body is multipart/form-data.
func (r *Request) IsMultipart() bool {
	mt, _ := parseMediaType(r.Header.Get(HeaderContentType))
	return mt == mediaMultipartForm
}

// MultipartForm decodes a multipart/form-data body, including files sent
// as a nested multipart/mixed part, and applies policy to every file.
// Errors carry the status they should be answered with.
func (r *Request) MultipartForm(policy *UploadPolicy) (*Form, error) {
	mt, params := parseMediaType(r.Header.Get(HeaderContentType))
	if mt != mediaMultipartForm {
		return nil, WrapError(StatusUnsupportedMediaType, ErrNotMultipart)
	}
	d := formDecoder{
		req:    r,
		policy: policy,
		form:   &Form{Values: url.Values{}, Files: map[string][]*FormFile{}},
	}
	if err := d.decode(r.Body, params["boundary"], ""); err != nil {
		return nil, err
	}
	return d.form, nil
}

type formDecoder struct {
	req    *Request
	policy *UploadPolicy
	form   *Form
	parts  int
}

// decode walks the parts delimited by boundary. field is set when body
// is a multipart/mixed part of that form field.
func (d *formDecoder) decode(body []byte, boundary, field string) error {
	if boundary == "" || len(boundary) > maxBoundaryLen {
		return WrapError(StatusBadRequest, errors.Wrapf(ErrMultipart, "invalid boundary %q", boundary))
	}
	delim := []byte("--" + boundary)
	sep := append([]byte{'\n'}, delim...)

	// skip the preamble
	pos := 0
	if !bytes.HasPrefix(body, delim) {
		i := bytes.Index(body, sep)
		if i < 0 {
			return d.malformed("no opening boundary")
		}
		pos = i + 1
	}

	for {
		pos += len(delim)
		if bytes.HasPrefix(body[pos:], []byte("--")) {
			return nil
		}
		for pos < len(body) && (body[pos] == ' ' || body[pos] == '\t') {
			pos++
		}
		switch rest := body[pos:]; {
		case bytes.HasPrefix(rest, crlf):
			pos += 2
		case bytes.HasPrefix(rest, []byte("\n")):
			pos++
		default:
			return d.malformed("garbage after boundary")
		}

		var hdr Header
		for {
			line, next, ok := readLine(body, pos)
			if !ok {
				return d.malformed("unterminated part header")
			}
			pos = next
			if line == "" {
				break
			}
			k, v, ok := strings.Cut(line, ":")
			k = strings.TrimSpace(k)
			if !ok || k == "" {
				return d.malformed("bad part header line")
			}
			hdr.Add(k, strings.TrimSpace(v))
		}

		end := bytes.Index(body[pos:], sep)
		if end < 0 {
			return d.malformed("missing closing boundary")
		}
		data := body[pos : pos+end]
		pos += end + 1
		if len(data) > 0 && data[len(data)-1] == '\r' {
			data = data[:len(data)-1]
		}

		if err := d.part(hdr, data, field); err != nil {
			return err
		}
	}
}

func (d *formDecoder) part(hdr Header, data []byte, field string) error {
	d.parts++
	if p := d.policy; p != nil && p.MaxParts > 0 && d.parts > p.MaxParts {
		return WrapError(StatusRequestEntityTooLarge,
			errors.Wrapf(ErrUploadRejected, "more than %d parts", p.MaxParts))
	}

	disp, params := parseMediaType(hdr.Get("Content-Disposition"))
	name, filename := params["name"], params["filename"]
	ct := hdr.Get(HeaderContentType)

	if field == "" {
		if disp != "form-data" || name == "" {
			return d.malformed("part without form-data name")
		}
		if mt, mp := parseMediaType(ct); mt == mediaMultipartMixed {
			return d.decode(data, mp["boundary"], name)
		}
	} else {
		// parts of a multipart/mixed are files of the enclosing field
		name = field
		if disp != "file" && disp != "attachment" && disp != "form-data" {
			return d.malformed("unexpected disposition " + disp)
		}
		if filename == "" {
			filename = params["name"]
		}
	}

	if field == "" && filename == "" {
		d.form.Values[name] = append(d.form.Values[name], string(data))
		return nil
	}
	if ct == "" {
		ct = sendfile.ContentType(filename)
	}
	f := &FormFile{
		Field:       name,
		Filename:    filename,
		ContentType: ct,
		Header:      hdr,
		Data:        data,
	}
	if err := d.policy.check(d.req, f); err != nil {
		return err
	}
	d.form.Files[name] = append(d.form.Files[name], f)
	return nil
}

func (d *formDecoder) malformed(msg string) error {
	return WrapError(StatusBadRequest, errors.Wrap(ErrMultipart, msg))
}

// readLine returns the line starting at pos without its CRLF or LF.
func readLine(b []byte, pos int) (string, int, bool) {
	i := bytes.IndexByte(b[pos:], '\n')
	if i < 0 {
		return "", pos, false
	}
	line := b[pos : pos+i]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	return string(line), pos + i + 1, true
}

// parseMediaType splits a header value like
// `form-data; name="avatar"; filename="me.jpg"` into its lowercased value
// and parameters. Parameter names are lowercased; quoted values are
// unquoted.
func parseMediaType(v string) (string, map[string]string) {
	value, rest, _ := strings.Cut(v, ";")
	value = strings.ToLower(strings.TrimSpace(value))
	var params map[string]string
	for rest != "" {
		rest = strings.TrimLeft(rest, " \t;")
		k, after, ok := strings.Cut(rest, "=")
		if !ok {
			break
		}
		k = strings.ToLower(strings.TrimSpace(k))
		after = strings.TrimLeft(after, " \t")
		var val string
		if strings.HasPrefix(after, `"`) {
			val, rest = unquoteParam(after)
		} else {
			val, rest, _ = strings.Cut(after, ";")
			val = strings.TrimSpace(val)
		}
		if params == nil {
			params = make(map[string]string, 2)
		}
		if _, dup := params[k]; !dup {
			params[k] = val
		}
	}
	return value, params
}

// unquoteParam reads a quoted-string at the start of s and returns it with
// the remainder after the next ';'.
func unquoteParam(s string) (string, string) {
	var sb strings.Builder
	for i := 1; i < len(s); i++ {
		switch c := s[i]; c {
		case '\\':
			if i+1 < len(s) {
				i++
				sb.WriteByte(s[i])
			}
		case '"':
			_, rest, _ := strings.Cut(s[i+1:], ";")
			return sb.String(), rest
		default:
			sb.WriteByte(c)
		}
	}
	return sb.String(), ""
}
