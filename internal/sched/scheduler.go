// Package sched runs provider builds per unit: debounced on edits,
// cancelled when superseded, bounded by a worker limit and a timeout.
package sched

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"owlsp/internal/facts"
	"owlsp/internal/store"
	"owlsp/internal/trace"
	"owlsp/internal/workspace"
)

// Source provides unit snapshots and current file versions.
type Source interface {
	Snapshot(unit string) (*workspace.Snapshot, error)
	Files(unit string) []string
	Version(path string) (int64, bool)
}

type Options struct {
	Debounce time.Duration
	Timeout  time.Duration
	Workers  int
	Observer Observer
	// Disk, when set, persists successful builds and warms units at start.
	Disk *store.DiskCache
}

func (o *Options) normalize() {
	if o.Debounce < 0 {
		o.Debounce = 0
	}
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	if o.Workers <= 0 {
		o.Workers = min(max(runtime.GOMAXPROCS(0)/2, 2), 8)
	}
}

type unitState struct {
	state   State
	timer   *time.Timer
	armed   bool // debounce timer pending
	active  bool // a job goroutine exists
	pending bool // start another job when the active one ends
	cancel  context.CancelCauseFunc
	jobID   uint64
	idle    chan struct{} // closed when the unit settles
	last    *Outcome
}

func (u *unitState) settled() bool {
	return !u.active && !u.armed && !u.pending
}

// Scheduler owns every build job. The zero value is not usable; call New.
type Scheduler struct {
	ctx      context.Context
	src      Source
	provider facts.Provider
	cache    *store.Cache
	opts     Options
	sem      *semaphore.Weighted

	mu     sync.Mutex
	units  map[string]*unitState
	closed bool
	wg     sync.WaitGroup
	jobSeq atomic.Uint64

	evMu   sync.Mutex
	events []Transition
	kick   chan struct{}
	done   chan struct{}
}

// New creates a scheduler. ctx carries the tracer and bounds every job.
func New(ctx context.Context, src Source, provider facts.Provider, cache *store.Cache, opts Options) *Scheduler {
	opts.normalize()
	s := &Scheduler{
		ctx:      ctx,
		src:      src,
		provider: provider,
		cache:    cache,
		opts:     opts,
		sem:      semaphore.NewWeighted(int64(opts.Workers)),
		units:    make(map[string]*unitState),
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go s.dispatch()
	return s
}

// Workers reports the worker bound.
func (s *Scheduler) Workers() int { return s.opts.Workers }

func (s *Scheduler) unitLocked(unit string) *unitState {
	us, ok := s.units[unit]
	if !ok {
		us = &unitState{}
		s.units[unit] = us
		s.cache.Ensure(unit, s.src.Files(unit))
	}
	return us
}

// moveLocked changes state and queues the transition for the observer.
func (s *Scheduler) moveLocked(unit string, us *unitState, to State, out *Outcome) {
	from := us.state
	if from == to {
		return
	}
	if from == Idle && us.idle == nil {
		us.idle = make(chan struct{})
	}
	us.state = to
	s.notify(Transition{Unit: unit, JobID: us.jobID, From: from, To: to, Outcome: out})
}

// settleLocked closes the idle channel once nothing is left to do.
func (s *Scheduler) settleLocked(us *unitState) {
	if us.settled() && us.idle != nil {
		close(us.idle)
		us.idle = nil
	}
}

// Schedule requests a debounced build of unit. A running build of the unit
// is cancelled; the new one starts once the debounce interval passes
// without further requests.
func (s *Scheduler) Schedule(unit string) {
	s.request(unit, s.opts.Debounce)
}

// Flush requests an immediate build of unit.
func (s *Scheduler) Flush(unit string) {
	s.request(unit, 0)
}

func (s *Scheduler) request(unit string, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	us := s.unitLocked(unit)
	s.cache.Ensure(unit, s.src.Files(unit))
	if us.active && us.cancel != nil {
		us.cancel(context.Canceled)
	}
	if delay <= 0 {
		if us.timer != nil {
			us.timer.Stop()
		}
		us.armed = false
		s.fireLocked(unit, us)
		return
	}
	us.armed = true
	if us.state == Idle {
		s.moveLocked(unit, us, Queued, nil)
	}
	if us.timer == nil {
		us.timer = time.AfterFunc(delay, func() { s.fire(unit) })
		return
	}
	us.timer.Reset(delay)
}

func (s *Scheduler) fire(unit string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	us, ok := s.units[unit]
	if !ok || s.closed || !us.armed {
		return
	}
	us.armed = false
	s.fireLocked(unit, us)
}

func (s *Scheduler) fireLocked(unit string, us *unitState) {
	if us.active {
		us.pending = true
		return
	}
	s.startLocked(unit, us)
}

func (s *Scheduler) startLocked(unit string, us *unitState) {
	us.pending = false
	us.active = true
	us.jobID = s.jobSeq.Add(1)
	if us.state == Idle {
		s.moveLocked(unit, us, Queued, nil)
	}
	jobCtx, cancel := context.WithCancelCause(s.ctx)
	us.cancel = cancel
	job := &job{s: s, unit: unit, id: us.jobID, ctx: jobCtx}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel(nil)
		out := job.run()
		s.finish(unit, job.id, out)
	}()
}

// started moves a job from Queued to Running once it holds a worker slot.
func (s *Scheduler) started(unit string, jobID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	us, ok := s.units[unit]
	if !ok || us.jobID != jobID || us.state != Queued {
		return false
	}
	s.moveLocked(unit, us, Running, nil)
	return true
}

func (s *Scheduler) finish(unit string, jobID uint64, out *Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	us, ok := s.units[unit]
	if !ok || us.jobID != jobID {
		return
	}
	us.active = false
	us.cancel = nil
	us.last = out
	s.moveLocked(unit, us, out.State, out)
	s.moveLocked(unit, us, Idle, nil)
	if s.closed {
		us.pending = false
		us.armed = false
	}
	switch {
	case us.pending:
		s.startLocked(unit, us)
	case us.armed:
		s.moveLocked(unit, us, Queued, nil)
	}
	s.settleLocked(us)
}

// State returns the current state of a unit.
func (s *Scheduler) State(unit string) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if us, ok := s.units[unit]; ok {
		return us.state
	}
	return Idle
}

// Wait blocks until the unit has no queued or running work and returns the
// outcome of its last job.
func (s *Scheduler) Wait(ctx context.Context, unit string) (*Outcome, error) {
	for {
		s.mu.Lock()
		us, ok := s.units[unit]
		if !ok {
			s.mu.Unlock()
			return nil, nil
		}
		if us.settled() {
			last := us.last
			s.mu.Unlock()
			return last, nil
		}
		ch := us.idle
		s.mu.Unlock()
		if ch == nil {
			// settled() is false, so work is in flight; poll briefly.
			ch = make(chan struct{})
			time.AfterFunc(time.Millisecond, func() { close(ch) })
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// CheckAll builds every unit once, at most Workers at a time, and returns
// the outcomes in the order of units.
func (s *Scheduler) CheckAll(ctx context.Context, units []string) ([]*Outcome, error) {
	results := make([]*Outcome, len(units))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Workers)
	for i, unit := range units {
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			s.Flush(unit)
			out, err := s.Wait(gctx, unit)
			if err != nil {
				return fmt.Errorf("unit %q: %w", unit, err)
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// Cancel stops any queued or running work of a unit.
func (s *Scheduler) Cancel(unit string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	us, ok := s.units[unit]
	if !ok || s.closed {
		return
	}
	if us.timer != nil {
		us.timer.Stop()
	}
	us.armed = false
	us.pending = false
	if us.cancel != nil {
		us.cancel(context.Canceled)
	}
	if !us.active && us.state == Queued {
		s.moveLocked(unit, us, Idle, nil)
	}
	s.settleLocked(us)
}

// Close cancels all work and waits for running jobs to return.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for unit, us := range s.units {
		if us.timer != nil {
			us.timer.Stop()
		}
		us.armed = false
		us.pending = false
		if us.cancel != nil {
			us.cancel(errShutdown)
		}
		if !us.active && us.state == Queued {
			s.moveLocked(unit, us, Idle, nil)
		}
		s.settleLocked(us)
	}
	s.mu.Unlock()
	s.wg.Wait()
	close(s.kick)
	<-s.done
}

var errShutdown = errors.New("scheduler closed")

func (s *Scheduler) notify(tr Transition) {
	if s.opts.Observer == nil {
		return
	}
	s.evMu.Lock()
	s.events = append(s.events, tr)
	s.evMu.Unlock()
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Scheduler) dispatch() {
	defer close(s.done)
	for range s.kick {
		s.drain()
	}
	s.drain()
}

func (s *Scheduler) drain() {
	for {
		s.evMu.Lock()
		batch := s.events
		s.events = nil
		s.evMu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, tr := range batch {
			s.opts.Observer(tr)
		}
	}
}

func (s *Scheduler) tracer() trace.Tracer {
	return trace.FromContext(s.ctx)
}
