package sched

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"owlsp/internal/decor"
	"owlsp/internal/facts"
	"owlsp/internal/observ"
	"owlsp/internal/project"
	"owlsp/internal/ranges"
	"owlsp/internal/source"
	"owlsp/internal/store"
	"owlsp/internal/trace"
	"owlsp/internal/workspace"
)

type job struct {
	s    *Scheduler
	unit string
	id   uint64
	ctx  context.Context
}

// run executes one build: snapshot, provider, range building and publish.
func (j *job) run() (out *Outcome) {
	out = &Outcome{Unit: j.unit, JobID: j.id}
	tr := j.s.tracer()
	span := trace.Begin(tr, trace.ScopeUnit, "build", trace.ParentID(j.ctx)).
		WithExtra("unit", j.unit).
		WithExtra("job", strconv.FormatUint(j.id, 10))
	timer := observ.NewTimer()
	defer func() {
		out.Timings = timer.Report()
		out.Finished = time.Now()
		if out.Reason != "" {
			span.WithExtra("reason", out.Reason)
		}
		span.End(out.State.String())
		j.record(out)
	}()

	if err := j.s.sem.Acquire(j.ctx, 1); err != nil {
		return j.cancelled(out, j.ctx)
	}
	defer j.s.sem.Release(1)
	j.s.started(j.unit, j.id)

	ctx, cancel := context.WithTimeoutCause(j.ctx, j.s.opts.Timeout, ErrTimeout)
	defer cancel()

	ph := timer.Begin("snapshot")
	snap, err := j.s.src.Snapshot(j.unit)
	if err != nil {
		timer.End(ph, "error")
		return j.fail(out, ReasonSnapshot, err)
	}
	timer.End(ph, fmt.Sprintf("%d files", len(snap.Files)))

	ph = timer.Begin("provider")
	fns, err := j.s.provider.Facts(ctx, snap.Request())
	timer.End(ph, fmt.Sprintf("%d functions", len(fns)))
	if err != nil {
		// A superseded or cancelled build reports nothing, not even its failure.
		if context.Cause(j.ctx) != nil {
			return j.cancelled(out, j.ctx)
		}
		if ctx.Err() != nil {
			if errors.Is(context.Cause(ctx), ErrTimeout) {
				return j.fail(out, ReasonTimeout, ErrTimeout)
			}
			return j.cancelled(out, ctx)
		}
		var pf *facts.ProviderFailure
		if errors.As(err, &pf) {
			out.Diagnostics = pf.Diagnostics
		}
		return j.fail(out, ReasonProvider, err)
	}
	if context.Cause(j.ctx) != nil {
		return j.cancelled(out, j.ctx)
	}

	ph = timer.Begin("ranges")
	res := ranges.Build(fns, snap.Files)
	out.Stats = res.Stats
	timer.End(ph, fmt.Sprintf("%d dropped", res.Stats.Dropped()))
	if n := res.Stats.Dropped(); n > 0 {
		trace.Point(tr, trace.ScopePhase, "ranges", "dropped facts",
			"unit", j.unit, "count", strconv.Itoa(n))
	}

	ph = timer.Begin("publish")
	built := time.Now()
	err = j.s.cache.Publish(j.ctx, j.unit, res.Files, j.s.src, store.JobInfo{
		ID:       j.id,
		State:    Succeeded.String(),
		Finished: built,
	})
	timer.End(ph, "")
	switch {
	case err != nil && context.Cause(j.ctx) != nil:
		return j.cancelled(out, j.ctx)
	case errors.Is(err, store.ErrSuperseded):
		out.State = Cancelled
		out.Reason = ReasonSuperseded
		return out
	case err != nil:
		return j.fail(out, ReasonPublish, err)
	}
	out.State = Succeeded
	j.s.persist(snap, res.Files, built)
	return out
}

func (j *job) fail(out *Outcome, reason string, err error) *Outcome {
	out.State = Failed
	out.Reason = reason
	out.Err = err
	trace.Failure(j.s.tracer(), trace.ScopeUnit, "build", err, "unit", j.unit, "reason", reason)
	return out
}

func (j *job) cancelled(out *Outcome, ctx context.Context) *Outcome {
	out.State = Cancelled
	out.Reason = ReasonSuperseded
	if errors.Is(context.Cause(ctx), errShutdown) {
		out.Reason = ReasonShutdown
	}
	return out
}

// record stores non-successful outcomes next to the last good decorations.
func (j *job) record(out *Outcome) {
	if out.State == Succeeded {
		return
	}
	j.s.cache.Record(j.unit, store.JobInfo{
		ID:       j.id,
		State:    out.State.String(),
		Reason:   out.Reason,
		Message:  out.Message(),
		Finished: out.Finished,
	})
}

func fileHashes(files []*source.File) ([]string, []project.Digest) {
	paths := make([]string, len(files))
	hashes := make([]project.Digest, len(files))
	for i, f := range files {
		paths[i] = f.Path
		hashes[i] = project.Digest(f.Hash)
	}
	return paths, hashes
}

func (s *Scheduler) persist(snap *workspace.Snapshot, files map[string]*decor.Index, built time.Time) {
	if s.opts.Disk == nil {
		return
	}
	paths, hashes := fileHashes(snap.Files)
	payload := &store.DiskPayload{
		Unit:       snap.Unit.Key,
		FilePaths:  paths,
		FileHashes: hashes,
		Files:      make([]*decor.Index, len(paths)),
		Built:      built,
	}
	for i, p := range paths {
		idx := files[p]
		if idx == nil {
			idx = decor.NewIndex(p, snap.Files[i].Version, nil, nil)
		}
		payload.Files[i] = idx
	}
	if err := s.opts.Disk.Put(store.UnitKey(snap.Unit.Key, hashes), payload); err != nil {
		trace.Failure(s.tracer(), trace.ScopeUnit, "cache.put", err, "unit", snap.Unit.Key)
	}
}

// Warm publishes decorations from the disk cache when every file of the unit
// still has the text they were built from. It reports whether anything was
// published.
func (s *Scheduler) Warm(unit string) bool {
	if s.opts.Disk == nil {
		return false
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.unitLocked(unit)
	s.mu.Unlock()

	snap, err := s.src.Snapshot(unit)
	if err != nil {
		return false
	}
	paths, hashes := fileHashes(snap.Files)
	var payload store.DiskPayload
	ok, err := s.opts.Disk.Get(unit, store.UnitKey(unit, hashes), &payload)
	if err != nil {
		trace.Failure(s.tracer(), trace.ScopeUnit, "cache.get", err, "unit", unit)
		return false
	}
	if !ok || !slices.Equal(payload.FilePaths, paths) || len(payload.Files) != len(paths) {
		return false
	}
	files := make(map[string]*decor.Index, len(paths))
	for i, idx := range payload.Files {
		if idx == nil {
			return false
		}
		// The text is identical, so the decorations hold for the current version.
		idx.Path = paths[i]
		idx.Version = snap.Files[i].Version
		files[paths[i]] = idx
	}
	err = s.cache.Publish(s.ctx, unit, files, s.src, store.JobInfo{State: "cached", Finished: payload.Built})
	if err != nil {
		return false
	}
	trace.Point(s.tracer(), trace.ScopeUnit, "cache.warm", "", "unit", unit)
	return true
}
