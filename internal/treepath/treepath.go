// Package treepath addresses locations inside a nested data tree.
//
// A path is an ordered sequence of segments. A segment is either a string
// key into a mapping or a 1-based integer index into a sequence. Paths
// canonicalize to a unique string form used as the key space for notifier
// lookups: segments are joined by ".", integer segments carry a "#"
// sentinel so that index 2 and key "2" never alias, and dots inside a key
// are escaped so key "a.b" never aliases with the two-segment path a.b.
package treepath

import (
	"strconv"
	"strings"
)

// indexSentinel marks integer segments in the canonical form.
const indexSentinel = "#"

// Segment is a single step into a nested tree.
type Segment struct {
	key     string
	index   int
	isIndex bool
}

// Key returns a string-key segment.
func Key(key string) Segment {
	return Segment{key: key}
}

// Index returns a 1-based integer-index segment.
func Index(index int) Segment {
	return Segment{index: index, isIndex: true}
}

// IsIndex reports whether the segment addresses a sequence element.
func (s Segment) IsIndex() bool {
	return s.isIndex
}

// Key returns the string key. Only meaningful when IsIndex is false.
func (s Segment) Key() string {
	return s.key
}

// Index returns the 1-based index. Only meaningful when IsIndex is true.
func (s Segment) Index() int {
	return s.index
}

// canonical renders the segment for the canonical path form. Integer
// segments become "#<n>". String keys that could be mistaken for an
// integer segment (a run of "#" followed by anything) gain one extra "#",
// which no integer segment can produce. Dots and backslashes inside a
// string key are backslash-escaped so a key containing "." never aliases
// with a multi-segment path.
func (s Segment) canonical() string {
	if s.isIndex {
		return indexSentinel + strconv.Itoa(s.index)
	}
	key := escapeKey(s.key)
	if strings.HasPrefix(s.key, indexSentinel) {
		return indexSentinel + key
	}
	return key
}

func escapeKey(key string) string {
	if !strings.ContainsAny(key, `.\`) {
		return key
	}
	var b strings.Builder
	b.Grow(len(key) + 2)
	for i := 0; i < len(key); i++ {
		if key[i] == '.' || key[i] == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(key[i])
	}
	return b.String()
}

// Path addresses a location in a nested tree. The zero value addresses the
// tree root.
type Path []Segment

// New builds a path from segments.
func New(segments ...Segment) Path {
	return Path(segments)
}

// Parse splits a dotted string into a path of string-key segments.
// "a.b" is structurally equal to New(Key("a"), Key("b")).
func Parse(raw string) Path {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ".")
	segments := make([]Segment, 0, len(parts))
	for _, part := range parts {
		segments = append(segments, Key(part))
	}
	return Path(segments)
}

// Keys builds a path of string-key segments without dot splitting.
func Keys(keys ...string) Path {
	segments := make([]Segment, 0, len(keys))
	for _, key := range keys {
		segments = append(segments, Key(key))
	}
	return Path(segments)
}

// Canonical returns the unique string form of the path. Structurally equal
// paths always canonicalize identically and structurally distinct paths
// never collide.
func (p Path) Canonical() string {
	if len(p) == 0 {
		return ""
	}
	parts := make([]string, 0, len(p))
	for _, segment := range p {
		parts = append(parts, segment.canonical())
	}
	return strings.Join(parts, ".")
}

// Child returns the path extended by one segment.
func (p Path) Child(segment Segment) Path {
	child := make(Path, 0, len(p)+1)
	child = append(child, p...)
	child = append(child, segment)
	return child
}

// Parent returns the path without its final segment.
func (p Path) Parent() Path {
	if len(p) == 0 {
		return nil
	}
	return p[:len(p)-1]
}

// IsRoot reports whether the path addresses the whole tree.
func (p Path) IsRoot() bool {
	return len(p) == 0
}

// String implements fmt.Stringer with the canonical form.
func (p Path) String() string {
	return p.Canonical()
}
