package domain

import "strings"

// Category is a user-defined grouping for tasks. TaskCount is derived by
// scanning the task collection and is never stored.
type Category struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	UserID    string `json:"userId,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
	TaskCount int    `json:"taskCount"`
}

// NewCategory carries the client-supplied fields for category creation.
type NewCategory struct {
	Name   string `json:"name"`
	UserID string `json:"userId,omitempty"`
}

func (n NewCategory) Validate() error {
	if strings.TrimSpace(n.Name) == "" {
		return ValidationError{Field: "name", Reason: "must not be empty"}
	}
	return nil
}

// CountTasks recomputes per-category task counts from the task collection.
func CountTasks(categories []Category, tasks []Task) []Category {
	counts := make(map[string]int, len(categories))
	for _, t := range tasks {
		if t.CategoryID != "" {
			counts[t.CategoryID]++
		}
	}
	out := make([]Category, len(categories))
	for i, c := range categories {
		c.TaskCount = counts[c.ID]
		out[i] = c
	}
	return out
}
