// Package url parses request targets and absolute URLs with a single
// left-to-right scan.
package url

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Parse errors
var (
	ErrMalformedURL = errors.New("malformed url")
	ErrInvalidPort  = errors.New("invalid port")
)

// Scheme is the protocol of an absolute URL
type Scheme uint8

const (
	SchemeUnknown Scheme = iota
	SchemeHTTP
	SchemeHTTPS
)

func (s Scheme) String() string {
	switch s {
	case SchemeHTTP:
		return "http"
	case SchemeHTTPS:
		return "https"
	default:
		return "unknown"
	}
}

type section uint8

const (
	sectionScheme section = iota
	sectionAuthority
	sectionPath
	sectionQuery
	sectionFragment
	sectionDone
)

// URL is an immutable parsed URI. The zero value is the empty URL.
type URL struct {
	scheme       Scheme
	schemeString string

	hasUserinfo bool
	username    string
	password    string

	hostname   string
	port       uint16
	portString string

	path     string
	query    string
	fragment string
}

// Parse parses raw into its scheme, authority, path, query and fragment.
func Parse(raw string) (URL, error) {
	var u URL
	if raw == "" {
		return u, nil
	}

	sec := sectionScheme
	switch {
	case strings.HasPrefix(raw, "//"):
		sec = sectionAuthority
		raw = raw[2:]
	case raw[0] == '/':
		sec = sectionPath
	case raw[0] == '?':
		sec = sectionQuery
		raw = raw[1:]
	case raw[0] == '#':
		sec = sectionFragment
		raw = raw[1:]
	}

	var err error
	for sec != sectionDone {
		switch sec {
		case sectionScheme:
			raw, sec, err = u.parseScheme(raw)
		case sectionAuthority:
			raw, sec, err = u.parseAuthority(raw)
		case sectionPath:
			u.path, raw, sec = cut(raw, "?#")
		case sectionQuery:
			u.query, raw, sec = cut(raw, "#")
		case sectionFragment:
			u.fragment, raw, sec = raw, "", sectionDone
		}
		if err != nil {
			return URL{}, err
		}
	}
	return u, nil
}

// MustParse is like Parse but panics on error.
func MustParse(raw string) URL {
	u, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return u
}

// ParseRelative parses raw and resolves it against base: scheme, userinfo,
// host and port always come from base; the base path is prepended when the
// parsed path is non-empty and raw was not itself absolute.
func ParseRelative(base URL, raw string) (URL, error) {
	u, err := Parse(raw)
	if err != nil {
		return URL{}, err
	}
	abs := u.IsAbsolute()

	u.scheme = base.scheme
	u.schemeString = base.schemeString
	u.hasUserinfo = base.hasUserinfo
	u.username = base.username
	u.password = base.password
	u.hostname = base.hostname
	u.port = base.port
	u.portString = base.portString
	if u.path != "" && !abs {
		u.path = base.path + u.path
	}
	return u, nil
}

func (u *URL) parseScheme(raw string) (string, section, error) {
	idx := strings.IndexByte(raw, ':')
	if idx == -1 {
		return "", sectionDone, errors.Wrapf(ErrMalformedURL, "no scheme delimiter in %q", raw)
	}
	u.schemeString = strings.ToLower(raw[:idx])
	switch u.schemeString {
	case "http":
		u.scheme = SchemeHTTP
	case "https":
		u.scheme = SchemeHTTPS
	default:
		u.scheme = SchemeUnknown
	}

	rest := raw[idx+1:]
	switch {
	case strings.HasPrefix(rest, "//"):
		return rest[2:], sectionAuthority, nil
	case rest == "":
		return rest, sectionDone, nil
	case rest[0] == '?':
		return rest[1:], sectionQuery, nil
	case rest[0] == '#':
		return rest[1:], sectionFragment, nil
	}
	return rest, sectionPath, nil
}

func (u *URL) parseAuthority(raw string) (string, section, error) {
	end := strings.IndexAny(raw, "/?#")
	auth := raw
	next, rest := sectionDone, ""
	if end >= 0 {
		auth = raw[:end]
		switch raw[end] {
		case '/':
			// the path keeps its leading slash
			next, rest = sectionPath, raw[end:]
		case '?':
			next, rest = sectionQuery, raw[end+1:]
		case '#':
			next, rest = sectionFragment, raw[end+1:]
		}
	}

	if at := strings.LastIndexByte(auth, '@'); at >= 0 {
		u.hasUserinfo = true
		info := auth[:at]
		if c := strings.IndexByte(info, ':'); c >= 0 {
			u.username, u.password = info[:c], info[c+1:]
		} else {
			u.username = info
		}
		auth = auth[at+1:]
	}

	host := auth
	portIdx := -1
	if strings.HasPrefix(auth, "[") {
		rb := strings.IndexByte(auth, ']')
		if rb == -1 {
			return "", sectionDone, errors.Wrapf(ErrMalformedURL, "unterminated ipv6 literal %q", auth)
		}
		host = auth[:rb+1]
		if rb+1 < len(auth) {
			if auth[rb+1] != ':' {
				return "", sectionDone, errors.Wrapf(ErrMalformedURL, "unexpected %q after ipv6 literal", auth[rb+1:])
			}
			portIdx = rb + 1
		}
	} else if c := strings.IndexByte(auth, ':'); c >= 0 {
		host = auth[:c]
		portIdx = c
	}
	u.hostname = host

	if portIdx >= 0 {
		ps := auth[portIdx+1:]
		if ps != "" {
			p, err := strconv.ParseUint(ps, 10, 16)
			if err != nil {
				return "", sectionDone, errors.Wrapf(ErrInvalidPort, "%q", ps)
			}
			u.port = uint16(p)
			u.portString = ps
		}
	}
	return rest, next, nil
}

// cut returns raw up to the earliest of delims and the section that the
// delimiter found opens.
func cut(raw, delims string) (string, string, section) {
	idx := strings.IndexAny(raw, delims)
	if idx == -1 {
		return raw, "", sectionDone
	}
	if raw[idx] == '?' {
		return raw[:idx], raw[idx+1:], sectionQuery
	}
	return raw[:idx], raw[idx+1:], sectionFragment
}

func (u URL) Empty() bool {
	return u == URL{}
}

// IsAbsolute reports whether the URL carries a host.
func (u URL) IsAbsolute() bool { return u.hostname != "" }

// IsRelative reports whether the URL has no host.
func (u URL) IsRelative() bool { return u.hostname == "" }

// Scheme returns SchemeUnknown for relative URLs.
func (u URL) Scheme() Scheme {
	if !u.IsAbsolute() {
		return SchemeUnknown
	}
	return u.scheme
}

func (u URL) SchemeString() string { return u.schemeString }
func (u URL) HasUserinfo() bool    { return u.hasUserinfo }
func (u URL) Username() string     { return u.username }
func (u URL) Password() string     { return u.password }
func (u URL) Hostname() string     { return u.hostname }
func (u URL) Port() uint16         { return u.port }
func (u URL) PortString() string   { return u.portString }
func (u URL) Path() string         { return u.path }
func (u URL) Query() string        { return u.query }
func (u URL) Fragment() string     { return u.fragment }

// WithUserinfo returns a copy with user and pass set.
func (u URL) WithUserinfo(user, pass string) URL {
	u.hasUserinfo = true
	u.username = user
	u.password = pass
	return u
}

// WithoutUserinfo returns a copy without userinfo.
func (u URL) WithoutUserinfo() URL {
	u.hasUserinfo = false
	u.username = ""
	u.password = ""
	return u
}

func (u URL) Userinfo() string {
	if !u.hasUserinfo {
		return ""
	}
	if u.password != "" {
		return u.username + ":" + u.password
	}
	return u.username
}

// Host returns hostname[:port].
func (u URL) Host() string {
	if u.portString == "" {
		return u.hostname
	}
	return u.hostname + ":" + u.portString
}

// Authority returns [userinfo@]hostname[:port].
func (u URL) Authority() string {
	var b strings.Builder
	u.writeAuthority(&b)
	return b.String()
}

func (u URL) hasAuthority() bool {
	return u.hasUserinfo || u.hostname != "" || u.portString != ""
}

func (u URL) writeAuthority(b *strings.Builder) {
	if !u.hasAuthority() {
		return
	}
	if u.hasUserinfo {
		b.WriteString(u.Userinfo())
		if u.hostname != "" || u.portString != "" {
			b.WriteByte('@')
		}
	}
	b.WriteString(u.Host())
}

// RequestURI returns path?query, "/" when the path is empty.
func (u URL) RequestURI() string {
	p := u.path
	if p == "" {
		p = "/"
	}
	if u.query != "" {
		return p + "?" + u.query
	}
	return p
}

func (u URL) String() string {
	var b strings.Builder
	if u.schemeString != "" {
		b.WriteString(u.schemeString)
		b.WriteByte(':')
	}
	if u.hasAuthority() {
		b.WriteString("//")
		u.writeAuthority(&b)
	}
	b.WriteString(u.path)
	if u.query != "" {
		b.WriteByte('?')
		b.WriteString(u.query)
	}
	if u.fragment != "" {
		b.WriteByte('#')
		b.WriteString(u.fragment)
	}
	return b.String()
}
