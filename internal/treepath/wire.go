package treepath

import (
	"fmt"
	"math"
)

// Wire renders the path as a JSON-compatible slice: string keys stay
// strings, integer segments become numbers.
func (p Path) Wire() []any {
	out := make([]any, 0, len(p))
	for _, segment := range p {
		if segment.IsIndex() {
			out = append(out, segment.Index())
		} else {
			out = append(out, segment.Key())
		}
	}
	return out
}

// FromWire rebuilds a path from its wire form. JSON numbers arrive as
// float64 and must be integral.
func FromWire(items []any) (Path, error) {
	segments := make([]Segment, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			segments = append(segments, Key(v))
		case int:
			segments = append(segments, Index(v))
		case int64:
			segments = append(segments, Index(int(v)))
		case float64:
			if v != math.Trunc(v) {
				return nil, fmt.Errorf("non-integral path index %v", v)
			}
			segments = append(segments, Index(int(v)))
		default:
			return nil, fmt.Errorf("unsupported path segment %T", item)
		}
	}
	return Path(segments), nil
}
