package domain

import (
	"fmt"
	"strings"
)

// Priority is the canonical task priority. The wire form differs by
// transport (upper-case over GraphQL, lower-case over REST); everything
// inside this module uses the lower-case canonical form.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// ParsePriority converts a wire priority of any case to the canonical
// form. The empty string maps to PriorityMedium, the creation default.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return PriorityMedium, nil
	case "low":
		return PriorityLow, nil
	case "medium":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	}
	return "", fmt.Errorf("unknown priority %q", s)
}

// Valid reports whether p is one of the three defined levels.
func (p Priority) Valid() bool {
	return p == PriorityLow || p == PriorityMedium || p == PriorityHigh
}

// Upper returns the GraphQL wire form.
func (p Priority) Upper() string { return strings.ToUpper(string(p)) }
