package source

import (
	"fmt"
)

// Span is a half-open byte interval [Start, End) within one file's text.
type Span struct {
	Start uint32 `json:"start" msgpack:"s"`
	End   uint32 `json:"end" msgpack:"e"`
}

func (s Span) Empty() bool {
	return s.Start == s.End
}

// Valid reports whether End does not precede Start.
func (s Span) Valid() bool {
	return s.Start <= s.End
}

func (s Span) Len() uint32 {
	if s.End < s.Start {
		return 0
	}
	return s.End - s.Start
}

func (s Span) String() string {
	return fmt.Sprintf("%d-%d", s.Start, s.End)
}

// Contains reports whether off lies inside the span. An empty span contains
// only its own start offset.
func (s Span) Contains(off uint32) bool {
	if s.Empty() {
		return off == s.Start
	}
	return s.Start <= off && off < s.End
}

// Overlaps reports whether the two spans share at least one byte.
func (s Span) Overlaps(other Span) bool {
	return s.Start < other.End && other.Start < s.End
}

// Touches reports whether the spans overlap or are directly adjacent.
func (s Span) Touches(other Span) bool {
	return s.Start <= other.End && other.Start <= s.End
}

// Includes reports whether other lies entirely inside s.
func (s Span) Includes(other Span) bool {
	return s.Start <= other.Start && other.End <= s.End
}

func (s Span) Cover(other Span) Span {
	if other.Start < s.Start {
		s.Start = other.Start
	}
	if other.End > s.End {
		s.End = other.End
	}
	return s
}

// Intersect returns the common part of both spans and whether it is non-empty.
func (s Span) Intersect(other Span) (Span, bool) {
	out := Span{Start: max(s.Start, other.Start), End: min(s.End, other.End)}
	if out.Start >= out.End {
		return Span{}, false
	}
	return out, true
}

// Compare orders spans by start, then end.
func (s Span) Compare(other Span) int {
	switch {
	case s.Start < other.Start:
		return -1
	case s.Start > other.Start:
		return 1
	case s.End < other.End:
		return -1
	case s.End > other.End:
		return 1
	}
	return 0
}
