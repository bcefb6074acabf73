package facts

import "fmt"

// Kind is the closed set of borrow-checker fact kinds a provider can emit.
type Kind uint8

const (
	KindInvalid Kind = iota
	Move
	Call
	ImmutableBorrow
	MutableBorrow
	LifetimeLive
	LifetimeDead
	OutlivesEdge
)

var kindNames = [...]string{
	KindInvalid:     "invalid",
	Move:            "move",
	Call:            "call",
	ImmutableBorrow: "immutable_borrow",
	MutableBorrow:   "mutable_borrow",
	LifetimeLive:    "lifetime_live",
	LifetimeDead:    "lifetime_dead",
	OutlivesEdge:    "outlives_edge",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind resolves a wire name to a Kind.
func ParseKind(s string) (Kind, bool) {
	for i, name := range kindNames {
		if i != int(KindInvalid) && name == s {
			return Kind(i), true
		}
	}
	return KindInvalid, false
}

func (k Kind) MarshalText() ([]byte, error) {
	if k == KindInvalid || int(k) >= len(kindNames) {
		return nil, fmt.Errorf("%w: unknown kind %d", ErrMalformedFact, uint8(k))
	}
	return []byte(kindNames[k]), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	parsed, ok := ParseKind(string(text))
	if !ok {
		return fmt.Errorf("%w: unknown kind %q", ErrMalformedFact, text)
	}
	*k = parsed
	return nil
}

// Severity of a provider diagnostic.
type Severity uint8

const (
	SeverityError Severity = iota
	SeverityWarning
	SeverityInfo
)

func (s Severity) String() string {
	switch s {
	case SeverityError:
		return "error"
	case SeverityWarning:
		return "warning"
	default:
		return "info"
	}
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(text []byte) error {
	switch string(text) {
	case "error", "":
		*s = SeverityError
	case "warning", "warn":
		*s = SeverityWarning
	case "info", "note", "help":
		*s = SeverityInfo
	default:
		return fmt.Errorf("unknown severity %q", text)
	}
	return nil
}
