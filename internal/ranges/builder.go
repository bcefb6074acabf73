package ranges

import (
	"cmp"
	"slices"

	"owlsp/internal/decor"
	"owlsp/internal/facts"
	"owlsp/internal/source"
)

// Stats counts the facts dropped while building.
type Stats struct {
	Events int
	// Malformed counts events with an unknown kind, an undeclared local or
	// an outlives edge missing a region.
	Malformed   int
	OutOfBounds int
	UnknownFile int
	// Unpaired counts LifetimeDead events without an open LifetimeLive and
	// LifetimeLive openings never closed.
	Unpaired      int
	DanglingEdges int
}

// Dropped reports the total number of discarded facts.
func (s Stats) Dropped() int {
	return s.Malformed + s.OutOfBounds + s.UnknownFile + s.Unpaired + s.DanglingEdges
}

// Result is the outcome of one build: an index for every file of the
// snapshot, including files that ended up without decorations.
type Result struct {
	Files map[string]*decor.Index
	Stats Stats
}

type localKey struct {
	file  string
	local facts.LocalID
}

type piece struct {
	span    source.Span
	regions []facts.RegionID
}

type openLive struct {
	start  uint32
	region facts.RegionID
}

// bucket collects the facts of one local within one file.
type bucket struct {
	decl    *facts.LocalDecl
	moves   []source.Span
	calls   []source.Span
	shared  []source.Span
	mutable map[facts.LocalID][]source.Span
	lives   []piece
	outlive []piece

	// relatedDecl holds declaration spans of related locals in this file.
	relatedDecl map[facts.LocalID]source.Span
}

type builder struct {
	files   map[string]*source.File
	decls   map[facts.LocalID]*facts.LocalDecl
	buckets map[localKey]*bucket
	order   []localKey
	open    map[localKey]openLive
	edges   []decor.OutliveEdge
	stats   Stats
}

// Build merges the facts of one provider run into per-file indexes.
// files is the snapshot the provider analyzed; events for other files are
// dropped and every snapshot file gets an index.
func Build(fns []facts.FunctionFacts, files []*source.File) *Result {
	b := &builder{
		files:   make(map[string]*source.File, len(files)),
		decls:   make(map[facts.LocalID]*facts.LocalDecl),
		buckets: make(map[localKey]*bucket),
		open:    make(map[localKey]openLive),
	}
	for _, f := range files {
		b.files[f.Path] = f
	}
	for i := range fns {
		b.function(&fns[i])
	}
	return b.finish()
}

func (b *builder) function(fn *facts.FunctionFacts) {
	clear(b.decls)
	for i := range fn.Decls {
		d := &fn.Decls[i]
		b.decls[d.Local] = d
	}
	for i := range fn.Events {
		b.event(&fn.Events[i])
	}
	// Lifetimes never span functions.
	for key := range b.open {
		if key.local.Fn == fn.Fn {
			b.stats.Unpaired++
			delete(b.open, key)
		}
	}
}

func (b *builder) valid(ev *facts.FactEvent) bool {
	switch ev.Kind {
	case facts.KindInvalid:
		return false
	case facts.OutlivesEdge:
		return ev.Region != facts.NoRegion && ev.RelatedRegion != facts.NoRegion
	}
	if _, ok := b.decls[ev.Local]; !ok {
		return false
	}
	if !ev.Related.IsZero() {
		if _, ok := b.decls[ev.Related]; !ok {
			return false
		}
	}
	return true
}

func (b *builder) event(ev *facts.FactEvent) {
	b.stats.Events++
	if ev.Kind > facts.OutlivesEdge || !b.valid(ev) {
		b.stats.Malformed++
		return
	}
	file, ok := b.files[ev.File]
	if !ok {
		b.stats.UnknownFile++
		return
	}
	if !file.InBounds(ev.Span) {
		b.stats.OutOfBounds++
		return
	}

	if ev.Kind == facts.OutlivesEdge {
		b.edges = append(b.edges, decor.OutliveEdge{A: ev.Region, B: ev.RelatedRegion})
		if ev.Span.Empty() {
			return
		}
		local := ev.Local
		if _, declared := b.decls[local]; !declared {
			local = facts.NoLocal
		}
		bk := b.bucket(localKey{file: file.Path, local: local})
		bk.outlive = append(bk.outlive, piece{span: ev.Span, regions: regionList(ev.Region)})
		return
	}

	key := localKey{file: file.Path, local: ev.Local}
	bk := b.bucket(key)
	switch ev.Kind {
	case facts.Move:
		bk.moves = append(bk.moves, ev.Span)
	case facts.Call:
		bk.calls = append(bk.calls, ev.Span)
	case facts.ImmutableBorrow:
		bk.shared = append(bk.shared, ev.Span)
	case facts.MutableBorrow:
		if bk.mutable == nil {
			bk.mutable = make(map[facts.LocalID][]source.Span)
		}
		bk.mutable[ev.Related] = append(bk.mutable[ev.Related], ev.Span)
		if rd := b.decls[ev.Related]; rd != nil && rd.File == file.Path {
			if bk.relatedDecl == nil {
				bk.relatedDecl = make(map[facts.LocalID]source.Span)
			}
			bk.relatedDecl[ev.Related] = rd.Span
		}
	case facts.LifetimeLive:
		if !ev.Span.Empty() {
			bk.lives = append(bk.lives, piece{span: ev.Span, regions: regionList(ev.Region)})
			return
		}
		if _, already := b.open[key]; !already {
			b.open[key] = openLive{start: ev.Span.Start, region: ev.Region}
		}
	case facts.LifetimeDead:
		start, ok := b.open[key]
		if !ok || ev.Span.End < start.start {
			b.stats.Unpaired++
			return
		}
		delete(b.open, key)
		region := start.region
		if region == facts.NoRegion {
			region = ev.Region
		}
		bk.lives = append(bk.lives, piece{
			span:    source.Span{Start: start.start, End: ev.Span.End},
			regions: regionList(region),
		})
	}
}

func (b *builder) bucket(key localKey) *bucket {
	bk, ok := b.buckets[key]
	if !ok {
		bk = &bucket{decl: b.decls[key.local]}
		b.buckets[key] = bk
		b.order = append(b.order, key)
	}
	return bk
}

func regionList(r facts.RegionID) []facts.RegionID {
	if r == facts.NoRegion {
		return nil
	}
	return []facts.RegionID{r}
}

// mergePieces is Eliminate for spans carrying regions; merged pieces get the
// union of their regions.
func mergePieces(pieces []piece) []piece {
	if len(pieces) == 0 {
		return nil
	}
	slices.SortFunc(pieces, func(a, c piece) int { return a.span.Compare(c.span) })
	out := pieces[:1]
	for _, p := range pieces[1:] {
		last := &out[len(out)-1]
		if merged, ok := Merge(last.span, p.span); ok {
			last.span = merged
			last.regions = append(last.regions, p.regions...)
			continue
		}
		out = append(out, p)
	}
	for i := range out {
		slices.Sort(out[i].regions)
		out[i].regions = slices.Compact(out[i].regions)
	}
	return out
}

func (b *builder) finish() *Result {
	perFile := make(map[string][]decor.Decoration, len(b.files))
	carried := make(map[facts.RegionID]map[string]struct{})

	for _, key := range b.order {
		decs := b.buckets[key].decorations(key.local)
		for i := range decs {
			for _, r := range decs[i].Regions {
				if carried[r] == nil {
					carried[r] = make(map[string]struct{})
				}
				carried[r][key.file] = struct{}{}
			}
		}
		perFile[key.file] = append(perFile[key.file], decs...)
	}

	edgesByFile := make(map[string][]decor.OutliveEdge)
	slices.SortFunc(b.edges, func(x, y decor.OutliveEdge) int {
		return cmp.Or(cmp.Compare(x.A, y.A), cmp.Compare(x.B, y.B))
	})
	for _, e := range slices.Compact(b.edges) {
		filesA, okA := carried[e.A]
		filesB, okB := carried[e.B]
		if !okA || !okB {
			b.stats.DanglingEdges++
			continue
		}
		seen := make(map[string]struct{}, len(filesA)+len(filesB))
		for _, set := range []map[string]struct{}{filesA, filesB} {
			for path := range set {
				if _, dup := seen[path]; dup {
					continue
				}
				seen[path] = struct{}{}
				edgesByFile[path] = append(edgesByFile[path], e)
			}
		}
	}

	out := &Result{Files: make(map[string]*decor.Index, len(b.files)), Stats: b.stats}
	for path, f := range b.files {
		out.Files[path] = decor.NewIndex(path, f.Version, perFile[path], edgesByFile[path])
	}
	return out
}

// decorations emits the merged decorations of one local.
func (bk *bucket) decorations(local facts.LocalID) []decor.Decoration {
	var out []decor.Decoration
	base := decor.Decoration{Local: local}
	if bk.decl != nil {
		base.Name = bk.decl.Name
	}
	emit := func(kind decor.Kind, sp source.Span) *decor.Decoration {
		d := base
		d.Kind = kind
		d.Span = sp
		out = append(out, d)
		return &out[len(out)-1]
	}

	for _, sp := range bk.moves {
		emit(decor.Move, sp)
	}
	for _, sp := range bk.calls {
		emit(decor.Call, sp)
	}
	for _, sp := range Eliminate(bk.shared) {
		emit(decor.ImmutableBorrow, sp)
	}
	related := make([]facts.LocalID, 0, len(bk.mutable))
	for r := range bk.mutable {
		related = append(related, r)
	}
	slices.SortFunc(related, func(x, y facts.LocalID) int {
		return cmp.Or(cmp.Compare(x.Fn, y.Fn), cmp.Compare(x.ID, y.ID))
	})
	for _, r := range related {
		for _, sp := range JoinAdjacent(bk.mutable[r]) {
			d := emit(decor.MutableBorrow, sp)
			d.Related = r
			if rs, ok := bk.relatedDecl[r]; ok {
				d.RelatedSpan = &rs
			}
		}
	}
	for _, p := range mergePieces(bk.lives) {
		d := emit(decor.Lifetime, p.span)
		d.Regions = p.regions
	}
	for _, p := range mergePieces(bk.outlive) {
		d := emit(decor.Outlive, p.span)
		d.Regions = p.regions
	}
	markConflicts(out)
	return out
}

// markConflicts flags mutable borrows that overlap any other borrow of the
// same local. Mutable borrows are only joined end to start, so two that
// overlap are always distinct decorations and both get flagged.
func markConflicts(decs []decor.Decoration) {
	for i := range decs {
		if decs[i].Kind != decor.MutableBorrow {
			continue
		}
		for j := range decs {
			if i == j {
				continue
			}
			other := &decs[j]
			if other.Kind != decor.MutableBorrow && other.Kind != decor.ImmutableBorrow {
				continue
			}
			if _, ok := decs[i].Span.Intersect(other.Span); ok {
				decs[i].Conflict = true
				other.Conflict = true
			}
		}
	}
}
