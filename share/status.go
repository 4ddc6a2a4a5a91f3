package share

import (
	"encoding/json"
	"fmt"
)

// Status is the lifecycle state of a DataShare or a Token. It is a closed
// enumeration: the only way to move between states is through the
// transition methods below, so illegal transitions (consumed back to
// active, for example) cannot be expressed.
type Status int

const (
	StatusActive Status = iota
	StatusRevoked
	StatusExpired
	StatusConsumed
)

// String returns the wire representation of the status.
func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusRevoked:
		return "revoked"
	case StatusExpired:
		return "expired"
	case StatusConsumed:
		return "consumed"
	default:
		return "unknown"
	}
}

// ParseStatus parses a wire representation back into a Status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "active":
		return StatusActive, nil
	case "revoked":
		return StatusRevoked, nil
	case "expired":
		return StatusExpired, nil
	case "consumed":
		return StatusConsumed, nil
	default:
		return StatusActive, fmt.Errorf("unknown status %q", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (s *Status) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseStatus(raw)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Revoke transitions to revoked. Any state except revoked may be revoked:
// revocation of an expired or consumed grant is still meaningful for the
// audit trail.
func (s Status) Revoke() (Status, error) {
	if s == StatusRevoked {
		return s, fmt.Errorf("already revoked")
	}
	return StatusRevoked, nil
}

// Expire transitions to expired. Only an active entity expires; every other
// state already is terminal.
func (s Status) Expire() (Status, error) {
	if s != StatusActive {
		return s, fmt.Errorf("cannot expire from %s", s)
	}
	return StatusExpired, nil
}

// Consume transitions to consumed. Only an active entity can be consumed.
func (s Status) Consume() (Status, error) {
	if s != StatusActive {
		return s, fmt.Errorf("cannot consume from %s", s)
	}
	return StatusConsumed, nil
}
