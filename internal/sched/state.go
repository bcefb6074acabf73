package sched

import (
	"errors"
	"time"

	"owlsp/internal/facts"
	"owlsp/internal/observ"
	"owlsp/internal/ranges"
)

// State is the lifecycle state of a unit's build.
type State uint8

const (
	Idle State = iota
	Queued
	Running
	Succeeded
	Failed
	Cancelled
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Queued:
		return "queued"
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether s ends a job.
func (s State) Terminal() bool {
	return s == Succeeded || s == Failed || s == Cancelled
}

// Failure reasons.
const (
	ReasonProvider   = "provider"
	ReasonTimeout    = "timeout"
	ReasonSnapshot   = "snapshot"
	ReasonPublish    = "publish"
	ReasonSuperseded = "superseded"
	ReasonShutdown   = "shutdown"
)

// ErrTimeout is the cause of a build that ran past its ceiling.
var ErrTimeout = errors.New("build timed out")

// Outcome describes how a job ended.
type Outcome struct {
	Unit  string
	JobID uint64
	State State
	// Reason qualifies Failed and Cancelled outcomes.
	Reason      string
	Err         error
	Diagnostics []facts.Diagnostic
	Stats       ranges.Stats
	Timings     observ.Report
	Finished    time.Time
}

// Message is a one-line human description of the outcome.
func (o *Outcome) Message() string {
	if o == nil {
		return ""
	}
	switch {
	case o.State == Failed && o.Reason == ReasonTimeout:
		return "analysis timed out"
	case o.Err != nil:
		return o.Err.Error()
	default:
		return o.State.String()
	}
}

// Transition is reported to the observer for every state change.
// Outcome is set when To is terminal.
type Transition struct {
	Unit    string
	JobID   uint64
	From    State
	To      State
	Outcome *Outcome
}

// Observer receives transitions in the order they happen. It runs on a
// dedicated goroutine and must not block for long.
type Observer func(Transition)
