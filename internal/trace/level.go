package trace

import (
	"fmt"
	"strings"
)

// Level selects how much is traced. Each level admits the scopes of the one
// below it plus one more.
type Level uint8

const (
	LevelOff    Level = iota
	LevelError        // failures only
	LevelPhase        // plus server and unit spans
	LevelDetail       // plus build phases
	LevelDebug        // plus protocol messages
)

var levelNames = [...]string{"off", "error", "phase", "detail", "debug"}

// widest scope admitted at each level
var levelScope = [...]Scope{LevelPhase: ScopeUnit, LevelDetail: ScopePhase, LevelDebug: ScopeRequest}

func (l Level) String() string {
	if int(l) < len(levelNames) {
		return levelNames[l]
	}
	return "unknown"
}

func ParseLevel(s string) (Level, error) {
	for i, name := range levelNames {
		if strings.EqualFold(s, name) {
			return Level(i), nil
		}
	}
	return LevelOff, fmt.Errorf("invalid trace level: %q (expected: %s)", s, strings.Join(levelNames[:], "|"))
}

// ShouldEmit reports whether spans and points of scope are recorded at l.
// Failures bypass it.
func (l Level) ShouldEmit(scope Scope) bool {
	return int(l) < len(levelScope) && scope != 0 && scope <= levelScope[l]
}

// accepts reports whether a tracer at level l records ev.
func (l Level) accepts(ev *Event) bool {
	switch {
	case l == LevelOff:
		return false
	case ev.Kind == KindHeartbeat, ev.Kind == KindFailure:
		return true
	default:
		return l.ShouldEmit(ev.Scope)
	}
}
