package model

import (
	"fmt"
	"strings"
)

// Priority orders pending tasks; higher values are dequeued first
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Valid reports whether p is one of the defined tiers
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityCritical
}

// Promote returns the next tier up; critical stays critical
func (p Priority) Promote() Priority {
	if p >= PriorityCritical {
		return PriorityCritical
	}
	return p + 1
}

// ParsePriority converts a tier name (case-insensitive) into a Priority
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return PriorityLow, nil
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority: %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler
func (p Priority) MarshalText() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("invalid priority: %d", int(p))
	}
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (p *Priority) UnmarshalText(text []byte) error {
	parsed, err := ParsePriority(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}
