package model

import (
	"net/url"
	"strings"
)

// Path addresses a node by the identifiers leading to it from the root. The
// empty path is the root itself.
type Path []string

// Child returns a new path with id appended. It never shares a backing array
// with p, so the result can be stored while p keeps being extended.
func (p Path) Child(id string) Path {
	out := make(Path, len(p), len(p)+1)
	copy(out, p)
	return append(out, id)
}

// Parent returns p without its last segment. The root is its own parent.
func (p Path) Parent() Path {
	if len(p) == 0 {
		return Path{}
	}
	return p[:len(p)-1]
}

// Last returns the final segment, or "" for the root.
func (p Path) Last() string {
	if len(p) == 0 {
		return ""
	}
	return p[len(p)-1]
}

// Clone returns an independent copy of p.
func (p Path) Clone() Path {
	out := make(Path, len(p))
	copy(out, p)
	return out
}

// Equal reports whether p and q name the same node.
func (p Path) Equal(q Path) bool {
	if len(p) != len(q) {
		return false
	}
	for i := range p {
		if p[i] != q[i] {
			return false
		}
	}
	return true
}

// String renders the path for humans, e.g. "a/b/c". The root renders as "".
func (p Path) String() string {
	return strings.Join(p, "/")
}

// Key encodes the path as an unambiguous map key. Segments are escaped so
// that identifiers containing "/" cannot collide with deeper paths.
func (p Path) Key() string {
	parts := make([]string, len(p))
	for i, s := range p {
		parts[i] = url.PathEscape(s)
	}
	return strings.Join(parts, "/")
}

// ParseKey reverses Key.
func ParseKey(key string) (Path, error) {
	if key == "" {
		return Path{}, nil
	}
	parts := strings.Split(key, "/")
	out := make(Path, len(parts))
	for i, s := range parts {
		seg, err := url.PathUnescape(s)
		if err != nil {
			return nil, err
		}
		out[i] = seg
	}
	return out, nil
}
