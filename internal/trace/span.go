package trace

import (
	"runtime"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

var (
	eventSeq atomic.Uint64
	spanSeq  atomic.Uint64
)

// goroutineID reads the id from the first line of the current stack,
// "goroutine 17 [running]:". It returns 0 when the line does not parse.
func goroutineID() uint64 {
	var buf [64]byte
	line := string(buf[:runtime.Stack(buf[:], false)])
	line, ok := strings.CutPrefix(line, "goroutine ")
	if !ok {
		return 0
	}
	num, _, _ := strings.Cut(line, " ")
	id, err := strconv.ParseUint(num, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// emit stamps ev with the time, a sequence number and the calling
// goroutine, then hands it to t.
func emit(t Tracer, ev Event) {
	ev.Time = time.Now()
	ev.Seq = eventSeq.Add(1)
	if ev.GID == 0 {
		ev.GID = goroutineID()
	}
	t.Emit(&ev)
}

func recording(t Tracer, scope Scope) bool {
	return t != nil && t.Enabled() && t.Level().ShouldEmit(scope)
}

// Span is one timed operation: a build, a request, a CLI command. The zero
// span and the span returned by Begin on a disabled tracer ignore every
// call.
type Span struct {
	tracer  Tracer
	id      uint64
	parent  uint64
	gid     uint64
	scope   Scope
	name    string
	started time.Time
	extra   map[string]string
}

// Begin emits the start of a span under parent (0 for a root span).
func Begin(t Tracer, scope Scope, name string, parent uint64) *Span {
	if !recording(t, scope) {
		return &Span{}
	}
	s := &Span{
		tracer:  t,
		id:      spanSeq.Add(1),
		parent:  parent,
		gid:     goroutineID(),
		scope:   scope,
		name:    name,
		started: time.Now(),
	}
	emit(t, Event{Kind: KindSpanBegin, Scope: scope, SpanID: s.id, ParentID: parent, GID: s.gid, Name: name})
	return s
}

// End emits the end of the span with detail and the extras collected so
// far, and returns how long the span ran.
func (s *Span) End(detail string) time.Duration {
	if s == nil || s.tracer == nil {
		return 0
	}
	emit(s.tracer, Event{
		Kind:     KindSpanEnd,
		Scope:    s.scope,
		SpanID:   s.id,
		ParentID: s.parent,
		GID:      s.gid,
		Name:     s.name,
		Detail:   detail,
		Extra:    s.extra,
	})
	return time.Since(s.started)
}

// WithExtra attaches a key to the end event.
func (s *Span) WithExtra(key, value string) *Span {
	if s == nil || s.tracer == nil {
		return s
	}
	if s.extra == nil {
		s.extra = make(map[string]string, 2)
	}
	s.extra[key] = value
	return s
}

func (s *Span) ID() uint64 {
	if s == nil {
		return 0
	}
	return s.id
}

// Point records an instant event; kv alternates keys and values.
func Point(t Tracer, scope Scope, name, detail string, kv ...string) {
	if recording(t, scope) {
		emit(t, Event{Kind: KindPoint, Scope: scope, Name: name, Detail: detail, Extra: pairs(kv)})
	}
}

// Failure records err at every level but off.
func Failure(t Tracer, scope Scope, name string, err error, kv ...string) {
	if t == nil || !t.Enabled() || err == nil {
		return
	}
	emit(t, Event{Kind: KindFailure, Scope: scope, Name: name, Detail: err.Error(), Extra: pairs(kv)})
}

func pairs(kv []string) map[string]string {
	if len(kv) < 2 {
		return nil
	}
	out := make(map[string]string, len(kv)/2)
	for i := 1; i < len(kv); i += 2 {
		out[kv[i-1]] = kv[i]
	}
	return out
}
