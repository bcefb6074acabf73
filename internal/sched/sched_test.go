package sched

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"owlsp/internal/facts"
	"owlsp/internal/query"
	"owlsp/internal/source"
	"owlsp/internal/store"
	"owlsp/internal/workspace"
)

type memSource struct {
	mu       sync.Mutex
	units    map[string][]string
	text     map[string]string
	versions map[string]int64
}

func newMemSource() *memSource {
	return &memSource{
		units:    make(map[string][]string),
		text:     make(map[string]string),
		versions: make(map[string]int64),
	}
}

func (m *memSource) add(unit, path, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.units[unit] = append(m.units[unit], path)
	m.text[path] = text
	m.versions[path] = 1
}

func (m *memSource) edit(path, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.text[path] = text
	m.versions[path]++
}

func (m *memSource) Snapshot(unit string) (*workspace.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths, ok := m.units[unit]
	if !ok {
		return nil, fmt.Errorf("unknown unit %q", unit)
	}
	snap := &workspace.Snapshot{Unit: &workspace.Unit{Key: unit, Name: unit, Root: "/ws"}}
	for _, p := range paths {
		snap.Files = append(snap.Files, source.NewFile(p, m.versions[p], []byte(m.text[p]), 0))
	}
	return snap, nil
}

func (m *memSource) Files(unit string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.units[unit])
}

func (m *memSource) Version(path string) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.versions[path]
	return v, ok
}

// moveFacts reports a single move of local x over the first three bytes of
// every requested file.
func moveFacts(req facts.Request) []facts.FunctionFacts {
	var out []facts.FunctionFacts
	for i, f := range req.Files {
		fn := uint32(i + 1)
		local := facts.LocalID{Fn: fn, ID: 1}
		out = append(out, facts.FunctionFacts{
			Fn:     fn,
			Decls:  []facts.LocalDecl{{Local: local, Name: "x", File: f.Path, Span: source.Span{Start: 0, End: 1}, User: true}},
			Events: []facts.FactEvent{{Kind: facts.Move, Local: local, File: f.Path, Span: source.Span{Start: 0, End: 3}}},
		})
	}
	return out
}

type recorder struct {
	mu  sync.Mutex
	all []Transition
}

func (r *recorder) observe(tr Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.all = append(r.all, tr)
}

func (r *recorder) terminal(unit string) []*Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Outcome
	for _, tr := range r.all {
		if tr.Unit == unit && tr.To.Terminal() {
			out = append(out, tr.Outcome)
		}
	}
	return out
}

func waitFor(t *testing.T, s *Scheduler, unit string) *Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := s.Wait(ctx, unit)
	if err != nil {
		t.Fatalf("Wait(%s): %v", unit, err)
	}
	if out == nil {
		t.Fatalf("Wait(%s): no outcome", unit)
	}
	return out
}

func TestTransitionsOfSuccessfulBuild(t *testing.T) {
	src := newMemSource()
	src.add("core", "/ws/a.rs", "let x = y;")
	cache := store.NewCache()
	rec := &recorder{}
	s := New(context.Background(), src, facts.Func(func(_ context.Context, req facts.Request) ([]facts.FunctionFacts, error) {
		return moveFacts(req), nil
	}), cache, Options{Observer: rec.observe})

	s.Flush("core")
	out := waitFor(t, s, "core")
	s.Close()

	if out.State != Succeeded || out.Err != nil {
		t.Fatalf("outcome = %+v", out)
	}
	if len(out.Timings.Phases) != 4 {
		t.Fatalf("timings = %+v", out.Timings)
	}
	var got []State
	for _, tr := range rec.all {
		got = append(got, tr.To)
	}
	want := []State{Queued, Running, Succeeded, Idle}
	if !slices.Equal(got, want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	idx, built := cache.Lookup("/ws/a.rs")
	if !built || idx == nil || idx.Len() != 1 || idx.Version != 1 {
		t.Fatalf("published index = %+v built=%v", idx, built)
	}
}

func TestScheduleDebounceCoalesces(t *testing.T) {
	src := newMemSource()
	src.add("core", "/ws/a.rs", "let x = y;")
	var calls atomic.Int32
	s := New(context.Background(), src, facts.Func(func(_ context.Context, req facts.Request) ([]facts.FunctionFacts, error) {
		calls.Add(1)
		return moveFacts(req), nil
	}), store.NewCache(), Options{Debounce: 80 * time.Millisecond})
	defer s.Close()

	for range 5 {
		src.edit("/ws/a.rs", "let x = z;")
		s.Schedule("core")
		time.Sleep(2 * time.Millisecond)
	}
	if st := s.State("core"); st != Queued {
		t.Fatalf("state during debounce = %v", st)
	}
	out := waitFor(t, s, "core")
	if out.State != Succeeded {
		t.Fatalf("outcome = %+v", out)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("provider called %d times, want 1", n)
	}
	if st := s.State("core"); st != Idle {
		t.Fatalf("state after build = %v", st)
	}
}

func TestEditCancelsRunningBuild(t *testing.T) {
	src := newMemSource()
	src.add("core", "/ws/a.rs", "let x = y;")
	started := make(chan struct{}, 1)
	var calls atomic.Int32
	provider := facts.Func(func(ctx context.Context, req facts.Request) ([]facts.FunctionFacts, error) {
		if calls.Add(1) == 1 {
			started <- struct{}{}
			<-ctx.Done()
			return nil, fmt.Errorf("provider: %w", ctx.Err())
		}
		return moveFacts(req), nil
	})
	rec := &recorder{}
	cache := store.NewCache()
	s := New(context.Background(), src, provider, cache, Options{Observer: rec.observe})

	s.Flush("core")
	<-started
	src.edit("/ws/a.rs", "let x = z;")
	s.Flush("core")
	out := waitFor(t, s, "core")
	s.Close()

	if out.State != Succeeded {
		t.Fatalf("last outcome = %+v", out)
	}
	outs := rec.terminal("core")
	if len(outs) != 2 {
		t.Fatalf("terminal outcomes = %d", len(outs))
	}
	if outs[0].State != Cancelled || outs[0].Reason != ReasonSuperseded || outs[0].Err != nil {
		t.Fatalf("first outcome = %+v", outs[0])
	}
	if idx, _ := cache.Lookup("/ws/a.rs"); idx == nil || idx.Version != 2 {
		t.Fatalf("index = %+v", idx)
	}
}

func TestCancelledBuildPublishesNothing(t *testing.T) {
	tests := []struct {
		name   string
		result func(req facts.Request) ([]facts.FunctionFacts, error)
	}{
		{"provider succeeds", func(req facts.Request) ([]facts.FunctionFacts, error) {
			return moveFacts(req), nil
		}},
		{"provider fails", func(req facts.Request) ([]facts.FunctionFacts, error) {
			return nil, &facts.ProviderFailure{Unit: req.Unit, Err: errors.New("exit status 101")}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newMemSource()
			src.add("core", "/ws/a.rs", "let x = y;")
			started := make(chan struct{})
			release := make(chan struct{})
			// The provider ignores ctx, like a tool that finishes its run
			// after the build was cancelled.
			provider := facts.Func(func(_ context.Context, req facts.Request) ([]facts.FunctionFacts, error) {
				close(started)
				<-release
				return tt.result(req)
			})
			cache := store.NewCache()
			s := New(context.Background(), src, provider, cache, Options{})
			defer s.Close()

			s.Flush("core")
			<-started
			s.Cancel("core")
			close(release)
			out := waitFor(t, s, "core")

			if out.State != Cancelled || out.Reason != ReasonSuperseded || out.Err != nil || len(out.Diagnostics) != 0 {
				t.Fatalf("outcome = %+v", out)
			}
			snap := cache.Snapshot("core")
			if snap.Built || len(snap.Files) != 0 {
				t.Fatalf("cancelled build published: %+v", snap)
			}
			if snap.Job.State != "cancelled" {
				t.Fatalf("recorded job = %+v", snap.Job)
			}
		})
	}
}

func TestCancelKeepsPreviousSnapshot(t *testing.T) {
	src := newMemSource()
	src.add("core", "/ws/a.rs", "let x = y;")
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	provider := facts.Func(func(_ context.Context, req facts.Request) ([]facts.FunctionFacts, error) {
		if calls.Add(1) == 2 {
			close(started)
			<-release
		}
		return moveFacts(req), nil
	})
	cache := store.NewCache()
	s := New(context.Background(), src, provider, cache, Options{})
	defer s.Close()

	s.Flush("core")
	if out := waitFor(t, s, "core"); out.State != Succeeded {
		t.Fatalf("first build = %+v", out)
	}
	before := cache.Snapshot("core")

	s.Flush("core")
	<-started
	s.Cancel("core")
	close(release)
	if out := waitFor(t, s, "core"); out.State != Cancelled {
		t.Fatalf("second build = %+v", out)
	}
	after := cache.Snapshot("core")
	if !after.Built || after.Files["/ws/a.rs"] != before.Files["/ws/a.rs"] {
		t.Fatalf("cache changed by cancelled build: before %+v after %+v", before, after)
	}
}

func TestTimeoutFailsBuild(t *testing.T) {
	src := newMemSource()
	src.add("core", "/ws/a.rs", "let x = y;")
	s := New(context.Background(), src, facts.Func(func(ctx context.Context, _ facts.Request) ([]facts.FunctionFacts, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), store.NewCache(), Options{Timeout: 20 * time.Millisecond})
	defer s.Close()

	s.Flush("core")
	out := waitFor(t, s, "core")
	if out.State != Failed || out.Reason != ReasonTimeout || !errors.Is(out.Err, ErrTimeout) {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Message() != "analysis timed out" {
		t.Fatalf("message = %q", out.Message())
	}
}

func TestFailureKeepsLastGood(t *testing.T) {
	src := newMemSource()
	src.add("core", "/ws/a.rs", "let x = y;")
	var fail atomic.Bool
	diag := facts.Diagnostic{File: "/ws/a.rs", Span: source.Span{Start: 4, End: 5}, Message: "mismatched types"}
	provider := facts.Func(func(_ context.Context, req facts.Request) ([]facts.FunctionFacts, error) {
		if fail.Load() {
			return nil, &facts.ProviderFailure{Unit: req.Unit, Diagnostics: []facts.Diagnostic{diag}}
		}
		return moveFacts(req), nil
	})
	cache := store.NewCache()
	s := New(context.Background(), src, provider, cache, Options{})
	defer s.Close()

	s.Flush("core")
	if out := waitFor(t, s, "core"); out.State != Succeeded {
		t.Fatalf("first build = %+v", out)
	}

	fail.Store(true)
	src.edit("/ws/a.rs", "let x = ;")
	s.Flush("core")
	out := waitFor(t, s, "core")
	if out.State != Failed || out.Reason != ReasonProvider || len(out.Diagnostics) != 1 {
		t.Fatalf("second build = %+v", out)
	}
	var pf *facts.ProviderFailure
	if !errors.As(out.Err, &pf) {
		t.Fatalf("error %v is not a ProviderFailure", out.Err)
	}

	idx, built := cache.Lookup("/ws/a.rs")
	if !built || idx == nil || idx.Version != 1 {
		t.Fatalf("last good lost: %+v built=%v", idx, built)
	}
	if job := cache.Snapshot("core").Job; job.State != "failed" || job.Reason != ReasonProvider {
		t.Fatalf("recorded job = %+v", job)
	}
}

func TestFailureWithoutEditKeepsFreshAnswers(t *testing.T) {
	src := newMemSource()
	src.add("core", "/ws/a.rs", "let x = y;")
	var fail atomic.Bool
	provider := facts.Func(func(_ context.Context, req facts.Request) ([]facts.FunctionFacts, error) {
		if fail.Load() {
			return nil, &facts.ProviderFailure{Unit: req.Unit, Err: errors.New("linker crashed")}
		}
		return moveFacts(req), nil
	})
	cache := store.NewCache()
	s := New(context.Background(), src, provider, cache, Options{})
	defer s.Close()
	q := query.New(cache, src)

	s.Flush("core")
	if out := waitFor(t, s, "core"); out.State != Succeeded {
		t.Fatalf("first build = %+v", out)
	}
	fail.Store(true)
	s.Flush("core")
	if out := waitFor(t, s, "core"); out.State != Failed {
		t.Fatalf("second build = %+v", out)
	}

	res := q.CursorQuery("/ws/a.rs", 1, query.Options{})
	if res.Stale || !res.Known || res.Version != 1 || len(res.Decorations) != 1 {
		t.Fatalf("query after failure = %+v", res)
	}
}

func TestVersionChangeDuringBuildIsSuperseded(t *testing.T) {
	src := newMemSource()
	src.add("core", "/ws/a.rs", "let x = y;")
	s := New(context.Background(), src, facts.Func(func(_ context.Context, req facts.Request) ([]facts.FunctionFacts, error) {
		src.edit("/ws/a.rs", "let x = w;")
		return moveFacts(req), nil
	}), store.NewCache(), Options{})
	defer s.Close()

	s.Flush("core")
	out := waitFor(t, s, "core")
	if out.State != Cancelled || out.Reason != ReasonSuperseded {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestCheckAllRespectsWorkerBound(t *testing.T) {
	src := newMemSource()
	var units []string
	for i := range 6 {
		unit := fmt.Sprintf("u%d", i)
		units = append(units, unit)
		src.add(unit, fmt.Sprintf("/ws/%s/lib.rs", unit), "fn f() {}")
	}
	var running, peak atomic.Int32
	provider := facts.Func(func(_ context.Context, req facts.Request) ([]facts.FunctionFacts, error) {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		if req.Unit == "u3" {
			return nil, &facts.ProviderFailure{Unit: req.Unit, Err: errors.New("exit status 101")}
		}
		return moveFacts(req), nil
	})
	s := New(context.Background(), src, provider, store.NewCache(), Options{Workers: 2})
	defer s.Close()

	outs, err := s.CheckAll(context.Background(), units)
	if err != nil {
		t.Fatalf("CheckAll: %v", err)
	}
	if p := peak.Load(); p > 2 {
		t.Fatalf("%d builds ran at once with 2 workers", p)
	}
	for i, out := range outs {
		want := Succeeded
		if units[i] == "u3" {
			want = Failed
		}
		if out == nil || out.State != want {
			t.Fatalf("%s outcome = %+v, want %v", units[i], out, want)
		}
	}
}

func TestWarmFromDiskCache(t *testing.T) {
	disk, err := store.OpenDiskCache("owlsp", t.TempDir())
	if err != nil {
		t.Fatalf("OpenDiskCache: %v", err)
	}
	src := newMemSource()
	src.add("core", "/ws/a.rs", "let x = y;")
	provider := facts.Func(func(_ context.Context, req facts.Request) ([]facts.FunctionFacts, error) {
		return moveFacts(req), nil
	})
	first := New(context.Background(), src, provider, store.NewCache(), Options{Disk: disk})
	first.Flush("core")
	waitFor(t, first, "core")
	first.Close()

	// A reopened file gets a new version but the same text.
	src.edit("/ws/a.rs", "let x = y;")
	cache := store.NewCache()
	second := New(context.Background(), src, provider, cache, Options{Disk: disk})
	defer second.Close()
	if !second.Warm("core") {
		t.Fatalf("Warm found nothing")
	}
	idx, built := cache.Lookup("/ws/a.rs")
	if !built || idx == nil || idx.Version != 2 || idx.Len() != 1 {
		t.Fatalf("warmed index = %+v built=%v", idx, built)
	}

	src.edit("/ws/a.rs", "let x = q;")
	if second.Warm("core") {
		t.Fatalf("Warm accepted changed text")
	}
}

func TestCloseCancelsPendingWork(t *testing.T) {
	src := newMemSource()
	src.add("core", "/ws/a.rs", "let x = y;")
	var calls atomic.Int32
	s := New(context.Background(), src, facts.Func(func(_ context.Context, req facts.Request) ([]facts.FunctionFacts, error) {
		calls.Add(1)
		return moveFacts(req), nil
	}), store.NewCache(), Options{Debounce: time.Hour})

	s.Schedule("core")
	s.Close()
	if n := calls.Load(); n != 0 {
		t.Fatalf("provider ran %d times after Close", n)
	}
	if st := s.State("core"); st != Idle {
		t.Fatalf("state after Close = %v", st)
	}
	s.Schedule("core")
	if st := s.State("core"); st != Idle {
		t.Fatalf("Schedule after Close changed state to %v", st)
	}
}
