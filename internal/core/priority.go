package core

import "fmt"

// Priority is attached to every immediate message as metadata. The transport
// does not order deliveries by it.
type Priority int

const (
	PriorityLow         Priority = 5
	PriorityBelowNormal Priority = 10
	PriorityNormal      Priority = 15
	PriorityAboveNormal Priority = 20
	PriorityHigh        Priority = 25
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "Low"
	case PriorityBelowNormal:
		return "BelowNormal"
	case PriorityNormal:
		return "Normal"
	case PriorityAboveNormal:
		return "AboveNormal"
	case PriorityHigh:
		return "High"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

// ParsePriority parses the attribute form of a priority. Empty means Normal.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "", "Normal":
		return PriorityNormal, nil
	case "Low":
		return PriorityLow, nil
	case "BelowNormal":
		return PriorityBelowNormal, nil
	case "AboveNormal":
		return PriorityAboveNormal, nil
	case "High":
		return PriorityHigh, nil
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}
