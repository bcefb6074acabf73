// Package query answers cursor queries against published decorations.
// Queries never block on builds: they read whatever index is published and
// report whether it is behind the file's current version.
package query

import (
	"cmp"
	"slices"

	"owlsp/internal/decor"
	"owlsp/internal/facts"
)

// Store is the read side of the decoration store.
type Store interface {
	Lookup(path string) (*decor.Index, bool)
}

// Versions reports current file versions. A file without a version is not
// part of the workspace.
type Versions interface {
	Version(path string) (int64, bool)
}

type Options struct {
	// Transitive follows outlive edges beyond the first hop.
	Transitive bool
}

// Result is the answer to a query. Known is false for files outside the
// workspace. Stale is set when the answer comes from an older version of
// the file, or when no build has produced decorations for it yet.
type Result struct {
	Decorations []decor.Decoration
	Outlives    []decor.OutliveEdge
	Stale       bool
	Known       bool
	// Version is the file version the decorations were built from.
	Version int64
}

type Engine struct {
	store    Store
	versions Versions
}

func New(store Store, versions Versions) *Engine {
	return &Engine{store: store, versions: versions}
}

func (e *Engine) index(path string) (*decor.Index, Result) {
	current, known := e.versions.Version(path)
	if !known {
		return nil, Result{}
	}
	idx, _ := e.store.Lookup(path)
	if idx == nil {
		return nil, Result{Known: true, Stale: true}
	}
	return idx, Result{Known: true, Stale: idx.Version < current, Version: idx.Version}
}

// CursorQuery returns the decorations containing offset ordered by
// priority, then start, then end, and the outlive edges touching their
// regions.
func (e *Engine) CursorQuery(path string, offset uint32, opts Options) Result {
	idx, res := e.index(path)
	if idx == nil {
		return res
	}
	hits := idx.At(offset)
	slices.SortFunc(hits, func(a, b decor.Decoration) int { return decor.Compare(&a, &b) })
	res.Decorations = hits

	var seeds []facts.RegionID
	for i := range hits {
		seeds = append(seeds, hits[i].Regions...)
	}
	res.Outlives = expand(idx, seeds, opts.Transitive)
	return res
}

// FileDecorations returns every decoration of a file in index order.
func (e *Engine) FileDecorations(path string) Result {
	idx, res := e.index(path)
	if idx == nil {
		return res
	}
	res.Decorations = slices.Clone(idx.Decorations)
	res.Outlives = slices.Clone(idx.Edges)
	return res
}

// expand collects the edges touching the seed regions. With transitive set
// it keeps following the other endpoint of each collected edge; the visited
// set keeps cyclic graphs finite.
func expand(idx *decor.Index, seeds []facts.RegionID, transitive bool) []decor.OutliveEdge {
	if len(seeds) == 0 || len(idx.Edges) == 0 {
		return nil
	}
	visited := make(map[facts.RegionID]bool, len(seeds))
	seen := make(map[decor.OutliveEdge]bool)
	var out []decor.OutliveEdge
	queue := slices.Clone(seeds)
	for _, r := range seeds {
		visited[r] = true
	}
	for len(queue) > 0 {
		r := queue[0]
		queue = queue[1:]
		for _, edge := range idx.EdgesTouching(r) {
			if seen[edge] {
				continue
			}
			seen[edge] = true
			out = append(out, edge)
			if !transitive {
				continue
			}
			for _, next := range []facts.RegionID{edge.A, edge.B} {
				if !visited[next] {
					visited[next] = true
					queue = append(queue, next)
				}
			}
		}
	}
	slices.SortFunc(out, func(a, b decor.OutliveEdge) int {
		return cmp.Or(cmp.Compare(a.A, b.A), cmp.Compare(a.B, b.B))
	})
	return out
}
