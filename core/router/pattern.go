package router

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// ErrInvalidPattern is returned when a route pattern cannot be compiled.
// It is a configuration error and must abort startup.
var ErrInvalidPattern = errors.New("invalid route pattern")

type segmentKind uint8

const (
	literal      segmentKind = iota // abc
	param                           // :name, :name(re), :[name], :[name(re)]
	wildcard                        // *
	deepWildcard                    // **
)

type segment struct {
	kind     segmentKind
	value    string // literal text or parameter name
	re       *regexp.Regexp
	optional bool
}

// Pattern is a compiled route pattern. It is immutable once compiled.
//
//	/abc/123             matches "/abc/123" and "/abc/123/"
//	/abc/123/*           matches exactly one more segment
//	/abc/123/**          matches any remaining depth, including none
//	/abc/:p1/:[p2]       p2 is optional
//	/abc/:p1(\d+)        p1 must match \d+
//	/abc/:[p1(\d+)]      optional and constrained
type Pattern struct {
	raw      string
	segments []segment
	names    []string
}

// Compile parses a route pattern. Once an optional parameter appears every
// following segment must be optional too.
func Compile(pattern string) (*Pattern, error) {
	p := &Pattern{raw: pattern}

	parts := strings.Split(pattern, "/")
	seenOptional := false
	for i, part := range parts {
		if part == "" {
			continue
		}

		seg, err := parseSegment(part)
		if err != nil {
			return nil, errors.Wrapf(err, "route %q", pattern)
		}

		if seg.kind == deepWildcard && hasMoreSegments(parts[i+1:]) {
			return nil, errors.Wrapf(ErrInvalidPattern, "route %q: ** must be the last segment", pattern)
		}
		if seenOptional && !seg.optional && seg.kind != deepWildcard {
			return nil, errors.Wrapf(ErrInvalidPattern, "route %q: %q follows an optional parameter", pattern, part)
		}
		if seg.optional {
			seenOptional = true
		}

		if seg.kind == param {
			for _, n := range p.names {
				if n == seg.value {
					return nil, errors.Wrapf(ErrInvalidPattern, "route %q: duplicate parameter %q", pattern, n)
				}
			}
			p.names = append(p.names, seg.value)
		}
		p.segments = append(p.segments, seg)
	}
	return p, nil
}

// MustCompile is like Compile but panics on error.
func MustCompile(pattern string) *Pattern {
	p, err := Compile(pattern)
	if err != nil {
		panic(err)
	}
	return p
}

func hasMoreSegments(parts []string) bool {
	for _, p := range parts {
		if p != "" {
			return true
		}
	}
	return false
}

func parseSegment(s string) (segment, error) {
	switch {
	case s == "**":
		return segment{kind: deepWildcard}, nil
	case s == "*":
		return segment{kind: wildcard}, nil
	case s[0] != ':':
		return segment{kind: literal, value: s}, nil
	}

	body := s[1:]
	seg := segment{kind: param}
	if strings.HasPrefix(body, "[") {
		if !strings.HasSuffix(body, "]") {
			return seg, errors.Wrapf(ErrInvalidPattern, "unterminated optional parameter %q", s)
		}
		seg.optional = true
		body = body[1 : len(body)-1]
	}

	name := body
	if open := strings.IndexByte(body, '('); open >= 0 {
		if !strings.HasSuffix(body, ")") {
			return seg, errors.Wrapf(ErrInvalidPattern, "unterminated regex in %q", s)
		}
		name = body[:open]
		expr := body[open+1 : len(body)-1]
		re, err := regexp.Compile("^(?:" + expr + ")$")
		if err != nil {
			return seg, errors.Wrapf(ErrInvalidPattern, "parameter %q: %v", name, err)
		}
		seg.re = re
	}
	if name == "" {
		return seg, errors.Wrapf(ErrInvalidPattern, "unnamed parameter %q", s)
	}
	seg.value = name
	return seg, nil
}

func (p *Pattern) String() string { return p.raw }

// ParamNames returns the parameter names in declaration order.
func (p *Pattern) ParamNames() []string { return p.names }

// Match tests path against the pattern. Extracted parameters are appended
// to params; on failure params is returned unchanged. tail holds what a
// deep wildcard consumed.
func (p *Pattern) Match(path string, params Params) (out Params, tail string, ok bool) {
	tokens := splitPath(path)
	out = params
	i := 0
	for _, seg := range p.segments {
		if seg.kind == deepWildcard {
			return out, strings.Join(tokens[i:], "/"), true
		}
		if i >= len(tokens) {
			if seg.optional {
				return out, "", true
			}
			return params, "", false
		}

		tok := tokens[i]
		switch seg.kind {
		case literal:
			if tok != seg.value {
				return params, "", false
			}
		case wildcard:
			if tok == "" {
				return params, "", false
			}
		case param:
			if tok == "" || (seg.re != nil && !seg.re.MatchString(tok)) {
				return params, "", false
			}
			out = append(out, Param{Key: seg.value, Value: tok})
		}
		i++
	}
	if i != len(tokens) {
		return params, "", false
	}
	return out, "", true
}

// splitPath drops the leading and a single trailing slash.
func splitPath(path string) []string {
	path = strings.TrimPrefix(path, "/")
	path = strings.TrimSuffix(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}
