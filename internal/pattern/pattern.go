// Package pattern implements the route path glob language. A pattern is a
// `/`-separated sequence of segments. A literal segment matches exactly; `*`
// inside a segment matches any run of non-`/` characters; a trailing `/*`
// matches any remaining suffix, including the empty one. Matching is
// case-sensitive and anchored on both ends.
package pattern

import (
	"fmt"
	"strings"
)

// Pattern is a compiled path glob. Compile once, match many; Match performs
// no allocations.
type Pattern struct {
	raw      string
	segments []segment
	// tailWildcard is set when the pattern ends in "/*": the prefix segments
	// must match and any suffix (including empty) is accepted.
	tailWildcard bool
}

type segment struct {
	literal string
	// parts is non-nil when the segment contains `*`: the literal chunks
	// between wildcards, matched in order within one path segment.
	parts    []string
	anchorLo bool // segment must start with parts[0]
}

// Compile parses a pattern. Patterns must begin with `/`.
func Compile(raw string) (*Pattern, error) {
	if raw == "" || raw[0] != '/' {
		return nil, fmt.Errorf("pattern %q must start with '/'", raw)
	}
	if strings.Contains(raw, "//") {
		return nil, fmt.Errorf("pattern %q contains an empty segment", raw)
	}

	p := &Pattern{raw: raw}

	trimmed := raw[1:]
	if trimmed == "" {
		// Pattern "/" has zero segments and matches only "/".
		return p, nil
	}

	segs := strings.Split(trimmed, "/")
	if segs[len(segs)-1] == "*" {
		p.tailWildcard = true
		segs = segs[:len(segs)-1]
	}

	for _, s := range segs {
		if !strings.Contains(s, "*") {
			p.segments = append(p.segments, segment{literal: s})
			continue
		}
		parts := strings.Split(s, "*")
		p.segments = append(p.segments, segment{
			parts:    parts,
			anchorLo: parts[0] != "",
		})
	}

	return p, nil
}

// MustCompile is Compile that panics on error, for static patterns in tests.
func MustCompile(raw string) *Pattern {
	p, err := Compile(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the original pattern text.
func (p *Pattern) String() string {
	return p.raw
}

// Match tests an absolute request path against the pattern.
func (p *Pattern) Match(path string) bool {
	if path == "" || path[0] != '/' {
		return false
	}
	rest := path[1:]
	trailingSlash := len(path) > 1 && path[len(path)-1] == '/'

	for i := range p.segments {
		if rest == "" {
			return false
		}
		var seg string
		if idx := strings.IndexByte(rest, '/'); idx >= 0 {
			seg = rest[:idx]
			rest = rest[idx+1:]
		} else {
			seg = rest
			rest = ""
		}
		// A trailing slash produces an empty final segment; it never matches
		// a literal or wildcard segment.
		if seg == "" {
			return false
		}
		if !p.segments[i].match(seg) {
			return false
		}
		if rest == "" && i < len(p.segments)-1 {
			return false
		}
	}

	if p.tailWildcard {
		return true
	}
	return rest == "" && !trailingSlash
}

// match tests one path segment against one pattern segment.
func (s *segment) match(in string) bool {
	if s.parts == nil {
		return s.literal == in
	}

	rest := in
	for i, part := range s.parts {
		switch {
		case i == 0 && s.anchorLo:
			if !strings.HasPrefix(rest, part) {
				return false
			}
			rest = rest[len(part):]
		case i == len(s.parts)-1:
			if part == "" {
				return true
			}
			if !strings.HasSuffix(rest, part) {
				return false
			}
			return true
		case part == "":
			// adjacent wildcards collapse
		default:
			idx := strings.Index(rest, part)
			if idx < 0 {
				return false
			}
			rest = rest[idx+len(part):]
		}
	}
	return true
}
