package api

import (
	"context"

	"taskboard/domain"
)

// Storage abstracts persistence for handlers.
type Storage interface {
	FetchTasks(ctx context.Context, userID string) ([]domain.Task, error)
	GetTask(ctx context.Context, userID, id string) (domain.Task, error)
	InsertTask(ctx context.Context, userID string, t domain.Task) error
	UpdateTask(ctx context.Context, userID string, t domain.Task) error
	DeleteTask(ctx context.Context, userID, id string) error
	FetchCategories(ctx context.Context, userID string) ([]domain.Category, error)
	InsertCategory(ctx context.Context, userID string, c domain.Category) error
	DeleteCategory(ctx context.Context, userID, id string) error
	ClearCategory(ctx context.Context, userID, categoryID string) error
}

// Authenticator resolves the acting user and guards the GraphQL endpoint.
type Authenticator interface {
	// UserID resolves the acting user from the request header value,
	// falling back to the configured stand-in user.
	UserID(header string) string
	// CheckAPIKey validates the static API key header.
	CheckAPIKey(key string) error
}

// Deduper prevents processing of duplicate mutations.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added key, used when downstream processing fails.
	Remove(ctx context.Context, userID, key string) error
}
