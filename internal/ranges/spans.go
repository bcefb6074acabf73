// Package ranges turns raw borrow-checker facts into merged per-file
// decorations.
package ranges

import (
	"slices"

	"owlsp/internal/source"
)

// Merge joins two spans when they overlap or are adjacent.
func Merge(a, b source.Span) (source.Span, bool) {
	if !a.Touches(b) {
		return source.Span{}, false
	}
	return a.Cover(b), true
}

// Eliminate sorts spans and collapses every overlapping or adjacent run into
// one span. Invalid spans are dropped. The input slice is reused.
func Eliminate(spans []source.Span) []source.Span {
	spans = slices.DeleteFunc(spans, func(s source.Span) bool { return !s.Valid() })
	if len(spans) < 2 {
		return spans
	}
	slices.SortFunc(spans, source.Span.Compare)
	out := spans[:1]
	for _, s := range spans[1:] {
		last := &out[len(out)-1]
		if merged, ok := Merge(*last, s); ok {
			*last = merged
			continue
		}
		out = append(out, s)
	}
	return out
}

// JoinAdjacent sorts spans, drops invalid spans and exact repeats, and joins
// spans where one ends exactly where the next starts. Overlapping spans stay
// separate. The input slice is reused.
func JoinAdjacent(spans []source.Span) []source.Span {
	spans = slices.DeleteFunc(spans, func(s source.Span) bool { return !s.Valid() })
	if len(spans) < 2 {
		return spans
	}
	slices.SortFunc(spans, source.Span.Compare)
	out := spans[:1]
	for _, s := range spans[1:] {
		last := &out[len(out)-1]
		switch {
		case s == *last:
		case last.End == s.Start:
			last.End = s.End
		default:
			out = append(out, s)
		}
	}
	return out
}
