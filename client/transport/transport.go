// Package transport provides interchangeable backends for the sync layer.
// Every transport maps its wire shapes to the canonical domain types, so
// callers never see per-transport priority casing or id encodings.
package transport

import (
	"context"
	"fmt"

	"taskboard/domain"
)

// TaskQuery identifies a logical task listing.
type TaskQuery struct {
	UserID     string
	CategoryID string
	Priority   domain.Priority
}

// Transport executes the logical task and category operations against one
// backend. Implementations perform no caching and no retries.
type Transport interface {
	Name() string
	ListTasks(ctx context.Context, q TaskQuery) ([]domain.Task, error)
	CreateTask(ctx context.Context, userID string, in domain.NewTask) (domain.Task, error)
	UpdateTask(ctx context.Context, userID, id string, patch domain.TaskPatch) (domain.Task, error)
	DeleteTask(ctx context.Context, userID, id string) error
	ListCategories(ctx context.Context, userID string) ([]domain.Category, error)
	CreateCategory(ctx context.Context, in domain.NewCategory) (domain.Category, error)
	DeleteCategory(ctx context.Context, userID, id string) error
}

// Error wraps a failure from a named transport so the selector can report
// which leg of the fallback chain failed.
type Error struct {
	Transport string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s transport: %v", e.Transport, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
