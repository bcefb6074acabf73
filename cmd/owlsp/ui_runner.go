package main

import (
	"context"
	"os"
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"owlsp/internal/sched"
	"owlsp/internal/session"
	"owlsp/internal/ui"
)

// transitionFeed forwards scheduler transitions to the progress view. Sends
// never block the scheduler: a full or closed feed drops the event.
type transitionFeed struct {
	mu     sync.Mutex
	ch     chan sched.Transition
	closed bool
}

func newTransitionFeed(units int) *transitionFeed {
	return &transitionFeed{ch: make(chan sched.Transition, 16+8*units)}
}

func (f *transitionFeed) observe(tr sched.Transition) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.ch <- tr:
	default:
	}
}

// finish replays the final outcomes, which the dispatcher may not have
// delivered yet, and closes the feed.
func (f *transitionFeed) finish(outs []*sched.Outcome) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	for _, o := range outs {
		if o == nil {
			continue
		}
		select {
		case f.ch <- sched.Transition{Unit: o.Unit, JobID: o.JobID, From: sched.Running, To: o.State, Outcome: o}:
		default:
		}
	}
	f.closed = true
	close(f.ch)
}

type checkOutcome struct {
	outs []*sched.Outcome
	err  error
}

func runCheckWithUI(ctx context.Context, sess *session.Session, units []string, feed *transitionFeed) ([]*sched.Outcome, error) {
	outcomeCh := make(chan checkOutcome, 1)
	go func() {
		outs, err := sess.Sched.CheckAll(ctx, units)
		feed.finish(outs)
		outcomeCh <- checkOutcome{outs: outs, err: err}
	}()

	model := ui.NewProgressModel("checking "+sess.Config.Root, units, feed.ch)
	program := tea.NewProgram(model, tea.WithOutput(os.Stdout), tea.WithContext(ctx))
	_, uiErr := program.Run()
	outcome := <-outcomeCh
	if uiErr != nil {
		return outcome.outs, uiErr
	}
	return outcome.outs, outcome.err
}
