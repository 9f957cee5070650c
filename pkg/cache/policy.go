package cache

import "fmt"

// DuplicatePolicy decides what Add and PutMessage do with an ID that is already cached.
type DuplicatePolicy int

const (
	// DuplicateOverwrite replaces the cached message and logs the replacement
	DuplicateOverwrite DuplicatePolicy = iota
	// DuplicateReject refuses a message whose contents differ from the cached copy.
	// Re-sending identical contents is accepted.
	DuplicateReject
)

func (p DuplicatePolicy) String() string {
	switch p {
	case DuplicateOverwrite:
		return "overwrite"
	case DuplicateReject:
		return "reject"
	default:
		return fmt.Sprintf("policy(%d)", int(p))
	}
}

// ParseDuplicatePolicy converts a configuration value to a DuplicatePolicy.
// The empty string selects DuplicateOverwrite.
func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch s {
	case "", "overwrite":
		return DuplicateOverwrite, nil
	case "reject":
		return DuplicateReject, nil
	}
	return 0, fmt.Errorf("unknown duplicate policy %q", s)
}

// Location is the tier that currently holds a message.
type Location int

const (
	// Absent means the ID is not tracked
	Absent Location = iota
	// Online means the message is in memory
	Online
	// Offline means the message is in the offline store
	Offline
)

func (l Location) String() string {
	switch l {
	case Absent:
		return "absent"
	case Online:
		return "online"
	case Offline:
		return "offline"
	default:
		return fmt.Sprintf("location(%d)", int(l))
	}
}
