package trace

import "time"

// Kind tells what an Event records.
type Kind uint8

const (
	KindSpanBegin Kind = iota + 1
	KindSpanEnd
	KindPoint
	KindHeartbeat
	// KindFailure passes every level but off.
	KindFailure
)

var kindNames = [...]string{
	KindSpanBegin: "begin",
	KindSpanEnd:   "end",
	KindPoint:     "point",
	KindHeartbeat: "heartbeat",
	KindFailure:   "failure",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) && kindNames[k] != "" {
		return kindNames[k]
	}
	return "unknown"
}

// Scope is the granularity of an event. Coarser scopes have lower values,
// so a level admits every scope up to some bound.
type Scope uint8

const (
	// ScopeServer covers the process: server lifecycle, CLI commands,
	// session setup.
	ScopeServer Scope = iota + 1
	// ScopeUnit covers one build of one unit.
	ScopeUnit
	// ScopePhase covers snapshot, provider, ranges and publish inside a
	// build.
	ScopePhase
	// ScopeRequest covers single protocol messages.
	ScopeRequest
)

var scopeNames = [...]string{
	ScopeServer:  "server",
	ScopeUnit:    "unit",
	ScopePhase:   "phase",
	ScopeRequest: "request",
}

func (s Scope) String() string {
	if int(s) < len(scopeNames) && scopeNames[s] != "" {
		return scopeNames[s]
	}
	return "unknown"
}

// Event is one trace record. Span events carry SpanID and ParentID; points,
// failures and heartbeats leave them zero.
type Event struct {
	Time     time.Time
	Seq      uint64
	Kind     Kind
	Scope    Scope
	SpanID   uint64
	ParentID uint64
	GID      uint64
	Name     string
	Detail   string
	Extra    map[string]string
}
