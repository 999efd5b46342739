// Package sync executes task and category mutations against a backend
// transport while keeping the client cache consistent with user intent,
// even before the network call has resolved.
package sync

import (
	"context"
	"errors"
	stdsync "sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"taskboard/client/cache"
	"taskboard/client/transport"
	"taskboard/domain"
)

// Backend is the slice of the transport selector the coordinator needs.
type Backend interface {
	ListTasks(ctx context.Context, q transport.TaskQuery) ([]domain.Task, error)
	CreateTask(ctx context.Context, userID string, in domain.NewTask) (domain.Task, error)
	UpdateTask(ctx context.Context, userID, id string, patch domain.TaskPatch) (domain.Task, error)
	DeleteTask(ctx context.Context, userID, id string) error
	ListCategories(ctx context.Context, userID string) ([]domain.Category, error)
	CreateCategory(ctx context.Context, in domain.NewCategory) (domain.Category, error)
	DeleteCategory(ctx context.Context, userID, id string) error
}

// Config tunes the coordinator. Zero values pick the defaults.
type Config struct {
	UserID string
	// InvalidateDelay postpones the post-commit invalidation so the UI is
	// not yanked before the user registers the success feedback.
	InvalidateDelay time.Duration
	// MutationTimeout bounds how long an optimistic edit may stay
	// unresolved; expiry behaves like a transport failure and rolls back.
	MutationTimeout time.Duration
}

const (
	defaultInvalidateDelay = 400 * time.Millisecond
	defaultMutationTimeout = 15 * time.Second

	// TempIDPrefix marks optimistic records that have no server id yet.
	TempIDPrefix = "tmp-"
)

// Coordinator wraps mutations with an optimistic cache edit, a rollback
// path, and a delayed post-commit invalidation.
//
// Concurrent mutations on the same collection are serialized through a
// per-collection mutex, so two rapid toggles commit in invocation order.
// Mutations on different collections proceed independently; DeleteCategory
// takes the category lock first, then the task lock.
type Coordinator struct {
	backend    Backend
	tasks      *cache.Store[[]domain.Task]
	categories *cache.Store[[]domain.Category]
	notifier   Notifier
	logger     *log.Logger
	cfg        Config

	taskMu stdsync.Mutex
	catMu  stdsync.Mutex
}

// New creates a Coordinator along with its two cache stores, both wired
// to fetch through the backend.
func New(backend Backend, notifier Notifier, logger *log.Logger, cfg Config) *Coordinator {
	if backend == nil {
		panic("sync.New: backend is nil")
	}
	if logger == nil {
		logger = log.New()
	}
	if notifier == nil {
		notifier = NewLogNotifier(logger)
	}
	if cfg.InvalidateDelay <= 0 {
		cfg.InvalidateDelay = defaultInvalidateDelay
	}
	if cfg.MutationTimeout <= 0 {
		cfg.MutationTimeout = defaultMutationTimeout
	}

	c := &Coordinator{
		backend:  backend,
		notifier: notifier,
		logger:   logger,
		cfg:      cfg,
	}
	c.tasks = cache.New(func(ctx context.Context, _ cache.Key) ([]domain.Task, error) {
		return backend.ListTasks(ctx, transport.TaskQuery{UserID: cfg.UserID})
	}, logger)
	c.categories = cache.New(func(ctx context.Context, _ cache.Key) ([]domain.Category, error) {
		return backend.ListCategories(ctx, cfg.UserID)
	}, logger)
	return c
}

// TasksKey is the logical query key for the user's task list.
func (c *Coordinator) TasksKey() cache.Key { return cache.Key("tasks:" + c.cfg.UserID) }

// CategoriesKey is the logical query key for the user's category list.
func (c *Coordinator) CategoriesKey() cache.Key { return cache.Key("categories:" + c.cfg.UserID) }

// TaskStore exposes the task cache for subscription by the UI.
func (c *Coordinator) TaskStore() *cache.Store[[]domain.Task] { return c.tasks }

// CategoryStore exposes the category cache for subscription by the UI.
func (c *Coordinator) CategoryStore() *cache.Store[[]domain.Category] { return c.categories }

// Tasks returns the cached task list, which may be stale, triggering a
// background refetch when needed.
func (c *Coordinator) Tasks(ctx context.Context) ([]domain.Task, bool) {
	return c.tasks.Get(ctx, c.TasksKey())
}

// Categories returns the cached category list with derived task counts.
func (c *Coordinator) Categories(ctx context.Context) ([]domain.Category, bool) {
	categories, ok := c.categories.Get(ctx, c.CategoriesKey())
	if !ok {
		return categories, false
	}
	if tasks, haveTasks := c.tasks.Value(c.TasksKey()); haveTasks {
		categories = domain.CountTasks(categories, tasks)
	}
	return categories, true
}

// TasksFiltered returns the cached task list narrowed by the query's
// category and priority filters.
func (c *Coordinator) TasksFiltered(ctx context.Context, q transport.TaskQuery) ([]domain.Task, bool) {
	tasks, ok := c.Tasks(ctx)
	return FilterTasks(tasks, q), ok
}

// FilterTasks applies the query's category and priority filters to a task
// collection. Filtering happens client-side on the cached full list.
func FilterTasks(tasks []domain.Task, q transport.TaskQuery) []domain.Task {
	out := make([]domain.Task, 0, len(tasks))
	for _, t := range tasks {
		if q.CategoryID != "" && t.CategoryID != q.CategoryID {
			continue
		}
		if q.Priority != "" && t.Priority != q.Priority {
			continue
		}
		out = append(out, t)
	}
	return out
}

func cloneTasks(tasks []domain.Task) []domain.Task {
	return append([]domain.Task(nil), tasks...)
}

func cloneCategories(categories []domain.Category) []domain.Category {
	return append([]domain.Category(nil), categories...)
}

func (c *Coordinator) scheduleInvalidate(invalidateTasks, invalidateCategories bool) {
	time.AfterFunc(c.cfg.InvalidateDelay, func() {
		if invalidateTasks {
			c.tasks.Invalidate(c.TasksKey())
		}
		if invalidateCategories {
			c.categories.Invalidate(c.CategoriesKey())
		}
	})
}

// mutateTasks runs one task-collection mutation through the optimistic
// state machine. apply produces the optimistic view from the prior one;
// call performs the network operation.
func (c *Coordinator) mutateTasks(ctx context.Context, op string, alsoCategories bool,
	apply func([]domain.Task) []domain.Task, call func(context.Context) error) error {

	c.taskMu.Lock()
	defer c.taskMu.Unlock()

	key := c.TasksKey()
	prior, hadPrior := c.tasks.Value(key)

	c.tasks.BeginMutation(key)
	c.tasks.Set(key, apply(cloneTasks(prior)))

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.MutationTimeout)
	err := call(callCtx)
	cancel()
	c.tasks.EndMutation(key)

	if err != nil {
		if hadPrior {
			c.tasks.Set(key, prior)
		} else {
			c.tasks.Forget(key)
		}
		c.notifier.Failure(op, describe(err))
		return err
	}

	c.scheduleInvalidate(true, alsoCategories)
	c.notifier.Success(op, op+" saved")
	return nil
}

// describe collapses transport error chains to the user-facing cause.
func describe(err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ErrNotFound
	}
	return err
}

// CreateTask validates the input, applies an optimistic task with a
// temporary id, and reconciles server-assigned fields after commit via
// the delayed invalidation.
func (c *Coordinator) CreateTask(ctx context.Context, in domain.NewTask) (domain.Task, error) {
	if err := in.Validate(); err != nil {
		c.notifier.Failure("createTask", err)
		return domain.Task{}, err
	}

	priority := in.Priority
	if priority == "" {
		priority = domain.PriorityMedium
	}
	optimistic := domain.Task{
		ID:          TempIDPrefix + uuid.NewString(),
		Title:       in.Title,
		Description: in.Description,
		DueDate:     in.DueDate,
		Priority:    priority,
		Completed:   false,
		CategoryID:  in.CategoryID,
	}

	var created domain.Task
	err := c.mutateTasks(ctx, "createTask", in.CategoryID != "",
		func(tasks []domain.Task) []domain.Task {
			return append([]domain.Task{optimistic}, tasks...)
		},
		func(ctx context.Context) error {
			var callErr error
			created, callErr = c.backend.CreateTask(ctx, c.cfg.UserID, in)
			return callErr
		})
	if err != nil {
		return domain.Task{}, err
	}
	return created, nil
}

// UpdateTask applies a partial update optimistically and commits it.
func (c *Coordinator) UpdateTask(ctx context.Context, id string, patch domain.TaskPatch) (domain.Task, error) {
	if err := patch.Validate(); err != nil {
		c.notifier.Failure("updateTask", err)
		return domain.Task{}, err
	}

	var updated domain.Task
	err := c.mutateTasks(ctx, "updateTask", patch.CategoryID != nil,
		func(tasks []domain.Task) []domain.Task {
			for i, t := range tasks {
				if t.ID == id {
					tasks[i] = patch.Apply(t)
				}
			}
			return tasks
		},
		func(ctx context.Context) error {
			var callErr error
			updated, callErr = c.backend.UpdateTask(ctx, c.cfg.UserID, id, patch)
			return callErr
		})
	if err != nil {
		return domain.Task{}, err
	}
	return updated, nil
}

// ToggleTask flips only the completion flag of the identified task.
func (c *Coordinator) ToggleTask(ctx context.Context, id string) error {
	tasks, _ := c.tasks.Value(c.TasksKey())
	completed := false
	for _, t := range tasks {
		if t.ID == id {
			completed = !t.Completed
			break
		}
	}
	patch := domain.TaskPatch{Completed: &completed}

	return c.mutateTasks(ctx, "toggleTask", false,
		func(tasks []domain.Task) []domain.Task {
			for i, t := range tasks {
				if t.ID == id {
					tasks[i].Completed = completed
				}
			}
			return tasks
		},
		func(ctx context.Context) error {
			_, callErr := c.backend.UpdateTask(ctx, c.cfg.UserID, id, patch)
			return callErr
		})
}

// DeleteTask removes the task optimistically. Category counts change, so
// the category list is invalidated on commit as well.
func (c *Coordinator) DeleteTask(ctx context.Context, id string) error {
	return c.mutateTasks(ctx, "deleteTask", true,
		func(tasks []domain.Task) []domain.Task {
			out := tasks[:0]
			for _, t := range tasks {
				if t.ID != id {
					out = append(out, t)
				}
			}
			return out
		},
		func(ctx context.Context) error {
			return c.backend.DeleteTask(ctx, c.cfg.UserID, id)
		})
}

// CreateCategory validates the name and applies an optimistic category
// with a temporary id.
func (c *Coordinator) CreateCategory(ctx context.Context, name string) (domain.Category, error) {
	in := domain.NewCategory{Name: name, UserID: c.cfg.UserID}
	if err := in.Validate(); err != nil {
		c.notifier.Failure("createCategory", err)
		return domain.Category{}, err
	}

	c.catMu.Lock()
	defer c.catMu.Unlock()

	key := c.CategoriesKey()
	prior, hadPrior := c.categories.Value(key)

	optimistic := domain.Category{ID: TempIDPrefix + uuid.NewString(), Name: name, UserID: c.cfg.UserID}
	c.categories.BeginMutation(key)
	c.categories.Set(key, append(cloneCategories(prior), optimistic))

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.MutationTimeout)
	created, err := c.backend.CreateCategory(callCtx, in)
	cancel()
	c.categories.EndMutation(key)

	if err != nil {
		if hadPrior {
			c.categories.Set(key, prior)
		} else {
			c.categories.Forget(key)
		}
		c.notifier.Failure("createCategory", describe(err))
		return domain.Category{}, err
	}

	c.scheduleInvalidate(false, true)
	c.notifier.Success("createCategory", "category created")
	return created, nil
}

// DeleteCategory removes the category optimistically and clears the
// reference on cached tasks; the tasks themselves survive. On failure
// both collections roll back.
func (c *Coordinator) DeleteCategory(ctx context.Context, id string) error {
	c.catMu.Lock()
	defer c.catMu.Unlock()
	c.taskMu.Lock()
	defer c.taskMu.Unlock()

	catKey := c.CategoriesKey()
	taskKey := c.TasksKey()
	priorCategories, hadCategories := c.categories.Value(catKey)
	priorTasks, hadTasks := c.tasks.Value(taskKey)

	c.categories.BeginMutation(catKey)
	c.tasks.BeginMutation(taskKey)

	remaining := make([]domain.Category, 0, len(priorCategories))
	for _, cat := range priorCategories {
		if cat.ID != id {
			remaining = append(remaining, cat)
		}
	}
	c.categories.Set(catKey, remaining)

	if hadTasks {
		cleared := cloneTasks(priorTasks)
		for i, t := range cleared {
			if t.CategoryID == id {
				cleared[i].CategoryID = ""
			}
		}
		c.tasks.Set(taskKey, cleared)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.MutationTimeout)
	err := c.backend.DeleteCategory(callCtx, c.cfg.UserID, id)
	cancel()
	c.tasks.EndMutation(taskKey)
	c.categories.EndMutation(catKey)

	if err != nil {
		if hadCategories {
			c.categories.Set(catKey, priorCategories)
		} else {
			c.categories.Forget(catKey)
		}
		if hadTasks {
			c.tasks.Set(taskKey, priorTasks)
		}
		c.notifier.Failure("deleteCategory", describe(err))
		return err
	}

	c.scheduleInvalidate(true, true)
	c.notifier.Success("deleteCategory", "category deleted")
	return nil
}
