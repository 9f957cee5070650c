package message

import "fmt"

// Status is the delivery state of a message.
type Status int

const (
	// StatusPending means no delivery attempt has concluded yet
	StatusPending Status = iota
	// StatusDelivered means the destination accepted the message
	StatusDelivered
	// StatusFailed means delivery was abandoned
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusDelivered:
		return "delivered"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ParseStatus converts the textual form back to a Status.
func ParseStatus(s string) (Status, error) {
	switch s {
	case "pending":
		return StatusPending, nil
	case "delivered":
		return StatusDelivered, nil
	case "failed":
		return StatusFailed, nil
	}
	return 0, fmt.Errorf("unknown message status %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
