package ranges

import (
	"slices"
	"strings"
	"testing"

	"owlsp/internal/decor"
	"owlsp/internal/facts"
	"owlsp/internal/source"
)

const mainPath = "/ws/src/main.rs"

func sp(start, end uint32) source.Span { return source.Span{Start: start, End: end} }

func local(id uint32) facts.LocalID { return facts.LocalID{Fn: 1, ID: id} }

func testFile(version int64) *source.File {
	return source.NewFile(mainPath, version, []byte(strings.Repeat("x", 200)), source.FileOverlay)
}

func decls(ids ...uint32) []facts.LocalDecl {
	out := make([]facts.LocalDecl, 0, len(ids))
	for _, id := range ids {
		out = append(out, facts.LocalDecl{
			Local: local(id),
			Name:  "v" + string(rune('0'+id)),
			File:  mainPath,
			Span:  sp(id, id+1),
			User:  true,
		})
	}
	return out
}

func ev(kind facts.Kind, id uint32, start, end uint32) facts.FactEvent {
	return facts.FactEvent{Kind: kind, Local: local(id), File: mainPath, Span: sp(start, end)}
}

func build(t *testing.T, events ...facts.FactEvent) (*decor.Index, Stats) {
	t.Helper()
	fns := []facts.FunctionFacts{{Fn: 1, Decls: decls(1, 2, 3), Events: events}}
	res := Build(fns, []*source.File{testFile(4)})
	idx := res.Files[mainPath]
	if idx == nil {
		t.Fatalf("no index for %s", mainPath)
	}
	if idx.Version != 4 {
		t.Fatalf("index version = %d, want 4", idx.Version)
	}
	return idx, res.Stats
}

func ofKind(idx *decor.Index, kind decor.Kind) []decor.Decoration {
	var out []decor.Decoration
	for _, d := range idx.Decorations {
		if d.Kind == kind {
			out = append(out, d)
		}
	}
	return out
}

func TestEliminate(t *testing.T) {
	got := Eliminate([]source.Span{sp(10, 20), sp(0, 5), sp(5, 8), sp(15, 30), sp(40, 41), sp(9, 3)})
	want := []source.Span{sp(0, 8), sp(10, 30), sp(40, 41)}
	if len(got) != len(want) {
		t.Fatalf("Eliminate = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Eliminate[%d] = %v, want %v", i, got[i], want[i])
		}
	}
	if _, ok := Merge(sp(0, 4), sp(5, 6)); ok {
		t.Fatalf("disjoint spans must not merge")
	}
}

func TestBorrowMergeIsOrderIndependent(t *testing.T) {
	events := []facts.FactEvent{
		ev(facts.ImmutableBorrow, 1, 10, 20),
		ev(facts.ImmutableBorrow, 1, 15, 25),
		ev(facts.ImmutableBorrow, 1, 25, 30),
		ev(facts.ImmutableBorrow, 1, 50, 60),
	}
	forward, _ := build(t, events...)
	reversed := []facts.FactEvent{events[3], events[2], events[1], events[0]}
	backward, _ := build(t, reversed...)

	for _, idx := range []*decor.Index{forward, backward} {
		got := ofKind(idx, decor.ImmutableBorrow)
		if len(got) != 2 || got[0].Span != sp(10, 30) || got[1].Span != sp(50, 60) {
			t.Fatalf("merged borrows = %+v", got)
		}
		if got[0].Name != "v1" {
			t.Fatalf("decoration name = %q", got[0].Name)
		}
	}
}

func TestMutableBorrowConflictsPreserved(t *testing.T) {
	idx, _ := build(t,
		facts.FactEvent{Kind: facts.MutableBorrow, Local: local(1), Related: local(2), File: mainPath, Span: sp(10, 20)},
		facts.FactEvent{Kind: facts.MutableBorrow, Local: local(1), Related: local(3), File: mainPath, Span: sp(15, 25)},
		facts.FactEvent{Kind: facts.MutableBorrow, Local: local(1), Related: local(2), File: mainPath, Span: sp(20, 22)},
		ev(facts.ImmutableBorrow, 1, 100, 110),
	)
	muts := ofKind(idx, decor.MutableBorrow)
	if len(muts) != 2 {
		t.Fatalf("expected two distinct mutable borrows, got %+v", muts)
	}
	for _, m := range muts {
		if !m.Conflict {
			t.Fatalf("overlapping mutable borrows must be flagged: %+v", m)
		}
		if m.RelatedSpan == nil {
			t.Fatalf("related declaration span missing: %+v", m)
		}
	}
	if muts[0].Span != sp(10, 22) || muts[0].Related != local(2) {
		t.Fatalf("same-related borrows not merged: %+v", muts[0])
	}
	if shared := ofKind(idx, decor.ImmutableBorrow); len(shared) != 1 || shared[0].Conflict {
		t.Fatalf("disjoint shared borrow flagged: %+v", shared)
	}
}

func TestJoinAdjacent(t *testing.T) {
	tests := []struct {
		name string
		in   []source.Span
		want []source.Span
	}{
		{"adjacent join", []source.Span{sp(20, 30), sp(10, 20)}, []source.Span{sp(10, 30)}},
		{"overlap kept", []source.Span{sp(10, 20), sp(15, 25)}, []source.Span{sp(10, 20), sp(15, 25)}},
		{"repeat dropped", []source.Span{sp(10, 20), sp(10, 20)}, []source.Span{sp(10, 20)}},
		{"gap kept", []source.Span{sp(0, 4), sp(5, 6), sp(9, 3)}, []source.Span{sp(0, 4), sp(5, 6)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := JoinAdjacent(tt.in)
			if !slices.Equal(got, tt.want) {
				t.Fatalf("JoinAdjacent = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOverlappingMutableBorrowsOfOneLocalConflict(t *testing.T) {
	idx, _ := build(t,
		ev(facts.MutableBorrow, 1, 10, 20),
		ev(facts.MutableBorrow, 1, 15, 25),
		ev(facts.MutableBorrow, 1, 40, 50),
		ev(facts.MutableBorrow, 1, 50, 60),
	)
	muts := ofKind(idx, decor.MutableBorrow)
	if len(muts) != 3 {
		t.Fatalf("mutable borrows = %+v", muts)
	}
	want := []struct {
		span     source.Span
		conflict bool
	}{
		{sp(10, 20), true},
		{sp(15, 25), true},
		{sp(40, 60), false},
	}
	for i, w := range want {
		if muts[i].Span != w.span || muts[i].Conflict != w.conflict {
			t.Fatalf("mutable borrow %d = %+v, want span %v conflict %v", i, muts[i], w.span, w.conflict)
		}
	}
}

func TestPointDecorationsNotMerged(t *testing.T) {
	idx, _ := build(t,
		ev(facts.Move, 1, 30, 31),
		ev(facts.Move, 1, 31, 32),
		ev(facts.Call, 2, 40, 45),
	)
	if got := ofKind(idx, decor.Move); len(got) != 2 {
		t.Fatalf("moves = %+v", got)
	}
	if got := ofKind(idx, decor.Call); len(got) != 1 || got[0].Local != local(2) {
		t.Fatalf("calls = %+v", got)
	}
}

func TestLifetimePairing(t *testing.T) {
	live := ev(facts.LifetimeLive, 1, 5, 5)
	live.Region = 7
	idx, stats := build(t,
		live,
		ev(facts.LifetimeDead, 1, 40, 41),
		ev(facts.LifetimeDead, 2, 60, 61),
		ev(facts.LifetimeLive, 3, 70, 90),
		ev(facts.LifetimeLive, 3, 85, 95),
		ev(facts.LifetimeLive, 2, 99, 99),
	)
	lives := ofKind(idx, decor.Lifetime)
	if len(lives) != 2 {
		t.Fatalf("lifetimes = %+v", lives)
	}
	if lives[0].Span != sp(5, 41) || !lives[0].HasRegion(7) {
		t.Fatalf("paired lifetime = %+v", lives[0])
	}
	if lives[1].Span != sp(70, 95) {
		t.Fatalf("interval lifetimes not merged: %+v", lives[1])
	}
	// one dead without live, one live never closed
	if stats.Unpaired != 2 {
		t.Fatalf("Unpaired = %d, want 2", stats.Unpaired)
	}
}

func TestMalformedAndOutOfBoundsDropped(t *testing.T) {
	idx, stats := build(t,
		ev(facts.Move, 9, 1, 2),
		ev(facts.KindInvalid, 1, 1, 2),
		ev(facts.Move, 1, 150, 250),
		facts.FactEvent{Kind: facts.Move, Local: local(1), File: "/elsewhere.rs", Span: sp(0, 1)},
		facts.FactEvent{Kind: facts.MutableBorrow, Local: local(1), Related: local(42), File: mainPath, Span: sp(0, 1)},
		ev(facts.Move, 1, 3, 4),
	)
	if stats.Malformed != 3 || stats.OutOfBounds != 1 || stats.UnknownFile != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if stats.Dropped() != 5 || stats.Events != 6 {
		t.Fatalf("stats totals = %+v", stats)
	}
	if idx.Len() != 1 {
		t.Fatalf("expected only the valid move, got %+v", idx.Decorations)
	}
}

func TestOutlivesEdges(t *testing.T) {
	liveA := ev(facts.LifetimeLive, 1, 10, 50)
	liveA.Region = 1
	liveB := ev(facts.LifetimeLive, 2, 20, 30)
	liveB.Region = 2
	edge := facts.FactEvent{Kind: facts.OutlivesEdge, Local: local(1), File: mainPath, Span: sp(12, 14), Region: 1, RelatedRegion: 2}
	dangling := facts.FactEvent{Kind: facts.OutlivesEdge, Local: local(1), File: mainPath, Region: 1, RelatedRegion: 99}
	noRegion := facts.FactEvent{Kind: facts.OutlivesEdge, Local: local(1), File: mainPath, Region: 1}

	idx, stats := build(t, liveA, liveB, edge, edge, dangling, noRegion)
	if len(idx.Edges) != 1 || idx.Edges[0] != (decor.OutliveEdge{A: 1, B: 2}) {
		t.Fatalf("edges = %+v", idx.Edges)
	}
	if stats.DanglingEdges != 1 || stats.Malformed != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	outl := ofKind(idx, decor.Outlive)
	if len(outl) != 1 || outl[0].Span != sp(12, 14) || !outl[0].HasRegion(1) {
		t.Fatalf("outlive decorations = %+v", outl)
	}
}

func TestEveryFileGetsIndex(t *testing.T) {
	other := source.NewFile("/ws/src/lib.rs", 9, []byte("fn f() {}"), 0)
	res := Build(nil, []*source.File{testFile(1), other})
	if len(res.Files) != 2 {
		t.Fatalf("files = %d", len(res.Files))
	}
	if idx := res.Files["/ws/src/lib.rs"]; idx == nil || idx.Len() != 0 || idx.Version != 9 {
		t.Fatalf("lib index = %+v", idx)
	}
}
