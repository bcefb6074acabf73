// Package observ measures the phases of a build.
package observ

import (
	"fmt"
	"strings"
	"time"
)

type phase struct {
	name    string
	started time.Time
	elapsed time.Duration
	note    string
	closed  bool
}

// Timer collects the phases of one build in the order they began. It is
// owned by a single job goroutine.
type Timer struct {
	phases []phase
}

func NewTimer() *Timer { return &Timer{phases: make([]phase, 0, 4)} }

// Begin opens a phase and returns a handle for End.
func (t *Timer) Begin(name string) int {
	t.phases = append(t.phases, phase{name: name, started: time.Now()})
	return len(t.phases) - 1
}

// End closes the phase behind handle. Unknown handles and phases that are
// already closed are ignored.
func (t *Timer) End(handle int, note string) {
	if handle < 0 || handle >= len(t.phases) || t.phases[handle].closed {
		return
	}
	p := &t.phases[handle]
	p.elapsed = time.Since(p.started)
	p.note = note
	p.closed = true
}

// PhaseReport is one row of a Report.
type PhaseReport struct {
	Name       string  `json:"name"`
	DurationMS float64 `json:"duration_ms"`
	Note       string  `json:"note,omitempty"`
}

// Report is the JSON form of a Timer, attached to build outcomes.
type Report struct {
	TotalMS float64       `json:"total_ms"`
	Phases  []PhaseReport `json:"phases"`
}

// Report converts the closed phases to milliseconds. A phase still open
// is reported with the time elapsed so far.
func (t *Timer) Report() Report {
	var r Report
	if len(t.phases) == 0 {
		return r
	}
	r.Phases = make([]PhaseReport, 0, len(t.phases))
	var total time.Duration
	for _, p := range t.phases {
		d := p.elapsed
		if !p.closed {
			d = time.Since(p.started)
		}
		total += d
		r.Phases = append(r.Phases, PhaseReport{Name: p.name, DurationMS: millis(d), Note: p.note})
	}
	r.TotalMS = millis(total)
	return r
}

// String lays the report out one phase per line, ending with the total.
func (r Report) String() string {
	var b strings.Builder
	for _, p := range r.Phases {
		fmt.Fprintf(&b, "%-10s %8.2f ms", p.Name, p.DurationMS)
		if p.Note != "" {
			fmt.Fprintf(&b, "  (%s)", p.Note)
		}
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "%-10s %8.2f ms\n", "total", r.TotalMS)
	return b.String()
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
