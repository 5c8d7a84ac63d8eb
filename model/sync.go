package model

import "fmt"

// Priority is the tier of a pending transfer. Lower values are more urgent.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return fmt.Sprintf("Priority(%d)", int(p))
	}
}

// ParsePriority accepts the lower-case names produced by String.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "critical":
		return PriorityCritical, nil
	case "high":
		return PriorityHigh, nil
	case "normal", "":
		return PriorityNormal, nil
	case "low":
		return PriorityLow, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// SyncTask is a transfer waiting for a transmission opportunity.
type SyncTask struct {
	TaskID        string   `json:"task_id"`
	NodeID        string   `json:"node_id"`
	DataSizeBytes uint64   `json:"data_size_bytes"`
	Priority      Priority `json:"priority"`
	Description   string   `json:"description"`

	// Payload is the opaque data delivered when the task is drained.
	Payload any `json:"-"`
}
