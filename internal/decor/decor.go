// Package decor holds the merged decorations produced for a file and the
// immutable index queries run against.
package decor

import (
	"cmp"
	"fmt"
	"slices"
	"sort"

	"owlsp/internal/facts"
	"owlsp/internal/source"
)

// Kind is a decoration kind. The numeric order is the display priority:
// a lower value wins when several decorations cover the cursor.
type Kind uint8

const (
	Move Kind = iota
	MutableBorrow
	ImmutableBorrow
	Call
	Lifetime
	Outlive
)

var kindNames = [...]string{
	Move:            "move",
	MutableBorrow:   "mut_borrow",
	ImmutableBorrow: "imm_borrow",
	Call:            "call",
	Lifetime:        "lifetime",
	Outlive:         "outlive",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("decor(%d)", uint8(k))
}

// Decoration is a merged interval of one kind for one local.
type Decoration struct {
	Kind    Kind          `msgpack:"k"`
	Span    source.Span   `msgpack:"s"`
	Local   facts.LocalID `msgpack:"l"`
	Related facts.LocalID `msgpack:"r,omitempty"`
	// Regions lists the lifetime regions merged into this decoration,
	// sorted and unique.
	Regions []facts.RegionID `msgpack:"g,omitempty"`
	// RelatedSpan is the declaration of Related, when known.
	RelatedSpan *source.Span `msgpack:"rs,omitempty"`
	Name        string       `msgpack:"n,omitempty"`
	// Conflict marks a mutable borrow overlapping another borrow of the
	// same local, and that other borrow.
	Conflict bool `msgpack:"c,omitempty"`
}

// Compare orders decorations by priority, then start, then end, then
// owning local.
func Compare(a, b *Decoration) int {
	return cmp.Or(
		cmp.Compare(a.Kind, b.Kind),
		a.Span.Compare(b.Span),
		compareLocals(a.Local, b.Local),
	)
}

func compareLocals(a, b facts.LocalID) int {
	return cmp.Or(cmp.Compare(a.Fn, b.Fn), cmp.Compare(a.ID, b.ID))
}

// HasRegion reports whether r is one of the decoration's regions.
func (d *Decoration) HasRegion(r facts.RegionID) bool {
	_, ok := slices.BinarySearch(d.Regions, r)
	return ok
}

// OutliveEdge states that region A outlives region B.
type OutliveEdge struct {
	A facts.RegionID `msgpack:"a"`
	B facts.RegionID `msgpack:"b"`
}

// Index is the immutable decoration set of one file at one version.
// Decorations are sorted by start offset.
type Index struct {
	Path        string        `msgpack:"p"`
	Version     int64         `msgpack:"v"`
	Decorations []Decoration  `msgpack:"d"`
	Edges       []OutliveEdge `msgpack:"e"`
	// maxLen is the longest decoration span, bounding the backward scan.
	maxLen uint32
}

// NewIndex sorts decorations and edges and seals them into an Index.
// The slices are owned by the Index afterwards.
func NewIndex(path string, version int64, decorations []Decoration, edges []OutliveEdge) *Index {
	slices.SortFunc(decorations, func(a, b Decoration) int {
		return cmp.Or(
			cmp.Compare(a.Span.Start, b.Span.Start),
			cmp.Compare(a.Kind, b.Kind),
			cmp.Compare(a.Span.End, b.Span.End),
			compareLocals(a.Local, b.Local),
		)
	})
	slices.SortFunc(edges, compareEdges)
	edges = slices.Compact(edges)
	idx := &Index{Path: path, Version: version, Decorations: decorations, Edges: edges}
	idx.seal()
	return idx
}

func compareEdges(a, b OutliveEdge) int {
	return cmp.Or(cmp.Compare(a.A, b.A), cmp.Compare(a.B, b.B))
}

// seal recomputes derived fields; it must run after decoding from disk.
func (x *Index) seal() {
	x.maxLen = 0
	for i := range x.Decorations {
		x.maxLen = max(x.maxLen, x.Decorations[i].Span.Len())
	}
}

// Restore prepares an Index decoded from external storage for lookups.
func Restore(x *Index) *Index {
	if x == nil {
		return nil
	}
	x.seal()
	return x
}

// Len reports the number of decorations.
func (x *Index) Len() int {
	if x == nil {
		return 0
	}
	return len(x.Decorations)
}

// At returns every decoration containing off, in index order.
func (x *Index) At(off uint32) []Decoration {
	if x == nil || len(x.Decorations) == 0 {
		return nil
	}
	// First decoration starting after off; everything containing off lies
	// before it and starts no earlier than off-maxLen.
	hi := sort.Search(len(x.Decorations), func(i int) bool { return x.Decorations[i].Span.Start > off })
	var floor uint32
	if off > x.maxLen {
		floor = off - x.maxLen
	}
	lo := sort.Search(hi, func(i int) bool { return x.Decorations[i].Span.Start >= floor })
	var out []Decoration
	for i := lo; i < hi; i++ {
		if x.Decorations[i].Span.Contains(off) {
			out = append(out, x.Decorations[i])
		}
	}
	return out
}

// EdgesFrom returns the edges whose A side is region.
func (x *Index) EdgesFrom(region facts.RegionID) []OutliveEdge {
	if x == nil {
		return nil
	}
	lo := sort.Search(len(x.Edges), func(i int) bool { return x.Edges[i].A >= region })
	hi := lo
	for hi < len(x.Edges) && x.Edges[hi].A == region {
		hi++
	}
	return x.Edges[lo:hi]
}

// EdgesTouching returns the edges with region on either side.
func (x *Index) EdgesTouching(region facts.RegionID) []OutliveEdge {
	if x == nil {
		return nil
	}
	var out []OutliveEdge
	for _, e := range x.Edges {
		if e.A == region || e.B == region {
			out = append(out, e)
		}
	}
	return out
}
