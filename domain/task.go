package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a task or category does not exist on the
// backend, regardless of which transport reported it.
var ErrNotFound = errors.New("not found")

// ValidationError rejects a mutation before it reaches any transport.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsValidation reports whether err is a local validation failure.
func IsValidation(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// Task is the canonical in-memory representation, shared by every
// transport and by both sides of the sync layer.
type Task struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	DueDate     string   `json:"dueDate,omitempty"`
	Priority    Priority `json:"priority"`
	Completed   bool     `json:"completed"`
	CategoryID  string   `json:"categoryId,omitempty"`
	CreatedAt   string   `json:"createdAt,omitempty"`
	UpdatedAt   string   `json:"updatedAt,omitempty"`
}

// NewTask carries the client-supplied fields for task creation.
type NewTask struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	DueDate     string   `json:"dueDate,omitempty"`
	Priority    Priority `json:"priority,omitempty"`
	CategoryID  string   `json:"categoryId,omitempty"`
}

// Validate rejects tasks that must never reach a transport.
func (n NewTask) Validate() error {
	if strings.TrimSpace(n.Title) == "" {
		return ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if n.Priority != "" && !n.Priority.Valid() {
		return ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown level %q", n.Priority)}
	}
	return nil
}

// TaskPatch is a partial update. Nil fields are left unchanged.
type TaskPatch struct {
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	DueDate     *string   `json:"dueDate,omitempty"`
	Priority    *Priority `json:"priority,omitempty"`
	Completed   *bool     `json:"completed,omitempty"`
	CategoryID  *string   `json:"categoryId,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.DueDate == nil &&
		p.Priority == nil && p.Completed == nil && p.CategoryID == nil
}

// Validate rejects patches with an empty title or an unknown priority.
func (p TaskPatch) Validate() error {
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return ValidationError{Field: "title", Reason: "must not be empty"}
	}
	if p.Priority != nil && !p.Priority.Valid() {
		return ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown level %q", *p.Priority)}
	}
	return nil
}

// Apply returns a copy of t with the patch merged in.
func (p TaskPatch) Apply(t Task) Task {
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.DueDate != nil {
		t.DueDate = *p.DueDate
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.Completed != nil {
		t.Completed = *p.Completed
	}
	if p.CategoryID != nil {
		t.CategoryID = *p.CategoryID
	}
	return t
}
