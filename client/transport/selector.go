package transport

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

// Selector tries transports in priority order. Fallback is a single
// explicit flag rather than per-call conditionals; when disabled the
// primary transport's failure is surfaced directly. The selector never
// retries a transport and never touches the cache.
type Selector struct {
	primary         Transport
	secondary       Transport
	fallbackEnabled bool
	logger          *log.Logger
}

// NewSelector creates a Selector. secondary may be nil, which disables
// fallback regardless of the flag.
func NewSelector(primary, secondary Transport, fallbackEnabled bool, logger *log.Logger) *Selector {
	if primary == nil {
		panic("transport.NewSelector: primary transport is nil")
	}
	if logger == nil {
		logger = log.New()
	}
	return &Selector{
		primary:         primary,
		secondary:       secondary,
		fallbackEnabled: fallbackEnabled && secondary != nil,
		logger:          logger,
	}
}

func (s *Selector) Name() string { return "selector" }

// attempt runs op against the primary transport and, when fallback is on,
// against the secondary. Not-found results are authoritative and never
// trigger fallback.
func attempt[T any](ctx context.Context, s *Selector, opName string, op func(Transport) (T, error)) (T, error) {
	out, primaryErr := op(s.primary)
	if primaryErr == nil {
		return out, nil
	}
	if errors.Is(primaryErr, domain.ErrNotFound) || !s.fallbackEnabled {
		var zero T
		return zero, &Error{Transport: s.primary.Name(), Err: primaryErr}
	}

	s.logger.WithFields(log.Fields{
		"op":        opName,
		"transport": s.primary.Name(),
		"fallback":  s.secondary.Name(),
		"error":     primaryErr.Error(),
	}).Warn("primary transport failed, trying fallback")

	out, secondaryErr := op(s.secondary)
	if secondaryErr == nil {
		return out, nil
	}
	var zero T
	if errors.Is(secondaryErr, domain.ErrNotFound) {
		return zero, &Error{Transport: s.secondary.Name(), Err: secondaryErr}
	}
	return zero, fmt.Errorf("all transports failed for %s: %w; %w",
		opName,
		&Error{Transport: s.primary.Name(), Err: primaryErr},
		&Error{Transport: s.secondary.Name(), Err: secondaryErr})
}

func (s *Selector) ListTasks(ctx context.Context, q TaskQuery) ([]domain.Task, error) {
	return attempt(ctx, s, "listTasks", func(t Transport) ([]domain.Task, error) {
		return t.ListTasks(ctx, q)
	})
}

func (s *Selector) CreateTask(ctx context.Context, userID string, in domain.NewTask) (domain.Task, error) {
	return attempt(ctx, s, "createTask", func(t Transport) (domain.Task, error) {
		return t.CreateTask(ctx, userID, in)
	})
}

func (s *Selector) UpdateTask(ctx context.Context, userID, id string, patch domain.TaskPatch) (domain.Task, error) {
	return attempt(ctx, s, "updateTask", func(t Transport) (domain.Task, error) {
		return t.UpdateTask(ctx, userID, id, patch)
	})
}

func (s *Selector) DeleteTask(ctx context.Context, userID, id string) error {
	_, err := attempt(ctx, s, "deleteTask", func(t Transport) (struct{}, error) {
		return struct{}{}, t.DeleteTask(ctx, userID, id)
	})
	return err
}

func (s *Selector) ListCategories(ctx context.Context, userID string) ([]domain.Category, error) {
	return attempt(ctx, s, "listCategories", func(t Transport) ([]domain.Category, error) {
		return t.ListCategories(ctx, userID)
	})
}

func (s *Selector) CreateCategory(ctx context.Context, in domain.NewCategory) (domain.Category, error) {
	return attempt(ctx, s, "createCategory", func(t Transport) (domain.Category, error) {
		return t.CreateCategory(ctx, in)
	})
}

func (s *Selector) DeleteCategory(ctx context.Context, userID, id string) error {
	_, err := attempt(ctx, s, "deleteCategory", func(t Transport) (struct{}, error) {
		return struct{}{}, t.DeleteCategory(ctx, userID, id)
	})
	return err
}
