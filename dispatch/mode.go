package dispatch

import (
	"fmt"
	"strings"
)

// PublishMode selects which delivery paths a dispatch attempts.
type PublishMode int

const (
	// ModeQueue inserts into the durable queue only.
	ModeQueue PublishMode = iota
	// ModeBroker publishes to the broker only.
	ModeBroker
	// ModeBoth inserts into the queue and then publishes to the broker.
	ModeBoth
)

func (m PublishMode) String() string {
	switch m {
	case ModeQueue:
		return "queue"
	case ModeBroker:
		return "broker"
	case ModeBoth:
		return "both"
	default:
		return "unknown"
	}
}

// UsesQueue reports whether the mode includes the queue path.
func (m PublishMode) UsesQueue() bool {
	return m == ModeQueue || m == ModeBoth
}

// UsesBroker reports whether the mode includes the broker path.
func (m PublishMode) UsesBroker() bool {
	return m == ModeBroker || m == ModeBoth
}

// ParseMode converts the configuration string form.
func ParseMode(s string) (PublishMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "queue":
		return ModeQueue, nil
	case "broker":
		return ModeBroker, nil
	case "both":
		return ModeBoth, nil
	default:
		return ModeQueue, fmt.Errorf("unknown publish mode %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (m PublishMode) MarshalText() ([]byte, error) {
	if m < ModeQueue || m > ModeBoth {
		return nil, fmt.Errorf("invalid publish mode %d", int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *PublishMode) UnmarshalText(text []byte) error {
	mode, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}
