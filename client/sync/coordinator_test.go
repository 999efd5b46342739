package sync

import (
	"context"
	"errors"
	"strings"
	stdsync "sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"taskboard/client/transport"
	"taskboard/domain"
)

// fakeBackend serves canned task and category lists and records mutations.
// Mutation calls can be gated to hold an optimistic edit open.
type fakeBackend struct {
	mu         stdsync.Mutex
	tasks      []domain.Task
	categories []domain.Category

	createErr    error
	createCatErr error
	updateErr    error
	deleteErr    error

	gate chan struct{} // when non-nil, mutations block until closed

	createCalls int
	updateCalls int
	deleteCalls int
	listCalls   int
}

func (f *fakeBackend) wait(ctx context.Context) error {
	if f.gate == nil {
		return nil
	}
	select {
	case <-f.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeBackend) ListTasks(ctx context.Context, q transport.TaskQuery) ([]domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	return append([]domain.Task(nil), f.tasks...), nil
}

func (f *fakeBackend) CreateTask(ctx context.Context, userID string, in domain.NewTask) (domain.Task, error) {
	if err := f.wait(ctx); err != nil {
		return domain.Task{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return domain.Task{}, f.createErr
	}
	created := domain.Task{
		ID:         "srv-1",
		Title:      in.Title,
		Priority:   in.Priority,
		CategoryID: in.CategoryID,
	}
	if created.Priority == "" {
		created.Priority = domain.PriorityMedium
	}
	f.tasks = append(f.tasks, created)
	return created, nil
}

func (f *fakeBackend) UpdateTask(ctx context.Context, userID, id string, patch domain.TaskPatch) (domain.Task, error) {
	if err := f.wait(ctx); err != nil {
		return domain.Task{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	if f.updateErr != nil {
		return domain.Task{}, f.updateErr
	}
	for i, t := range f.tasks {
		if t.ID == id {
			f.tasks[i] = patch.Apply(t)
			return f.tasks[i], nil
		}
	}
	return domain.Task{}, domain.ErrNotFound
}

func (f *fakeBackend) DeleteTask(ctx context.Context, userID, id string) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	if f.deleteErr != nil {
		return f.deleteErr
	}
	out := f.tasks[:0]
	for _, t := range f.tasks {
		if t.ID != id {
			out = append(out, t)
		}
	}
	f.tasks = out
	return nil
}

func (f *fakeBackend) ListCategories(ctx context.Context, userID string) ([]domain.Category, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Category(nil), f.categories...), nil
}

func (f *fakeBackend) CreateCategory(ctx context.Context, in domain.NewCategory) (domain.Category, error) {
	if err := f.wait(ctx); err != nil {
		return domain.Category{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createCatErr != nil {
		return domain.Category{}, f.createCatErr
	}
	created := domain.Category{ID: "srv-c1", Name: in.Name, UserID: in.UserID}
	f.categories = append(f.categories, created)
	return created, nil
}

func (f *fakeBackend) DeleteCategory(ctx context.Context, userID, id string) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	out := f.categories[:0]
	for _, cat := range f.categories {
		if cat.ID != id {
			out = append(out, cat)
		}
	}
	f.categories = out
	return nil
}

// recordingNotifier captures notifications for assertions.
type recordingNotifier struct {
	mu        stdsync.Mutex
	successes []string
	failures  []string
}

func (n *recordingNotifier) Success(op, message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.successes = append(n.successes, op)
}

func (n *recordingNotifier) Failure(op string, err error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, op+": "+err.Error())
}

func (n *recordingNotifier) snapshot() (successes, failures []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.successes...), append([]string(nil), n.failures...)
}

func newTestCoordinator(backend *fakeBackend, notifier Notifier) *Coordinator {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	return New(backend, notifier, logger, Config{
		UserID:          "u1",
		InvalidateDelay: 20 * time.Millisecond,
		MutationTimeout: 2 * time.Second,
	})
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if cond() {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", msg)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func seedTasks(t *testing.T, c *Coordinator, tasks []domain.Task) {
	t.Helper()
	c.TaskStore().Set(c.TasksKey(), tasks)
}

func seedCategories(t *testing.T, c *Coordinator, categories []domain.Category) {
	t.Helper()
	c.CategoryStore().Set(c.CategoriesKey(), categories)
}

func TestCreateTaskOptimisticThenReconciled(t *testing.T) {
	backend := &fakeBackend{gate: make(chan struct{})}
	notifier := &recordingNotifier{}
	c := newTestCoordinator(backend, notifier)
	seedTasks(t, c, nil)

	done := make(chan error, 1)
	go func() {
		_, err := c.CreateTask(context.Background(), domain.NewTask{Title: "Draft memo"})
		done <- err
	}()

	// Optimistic record with a temporary id is visible while the call is
	// still in flight.
	waitFor(t, func() bool {
		tasks, _ := c.TaskStore().Value(c.TasksKey())
		return len(tasks) == 1 && strings.HasPrefix(tasks[0].ID, TempIDPrefix)
	}, "optimistic task")

	close(backend.gate)
	if err := <-done; err != nil {
		t.Fatalf("create task: %v", err)
	}

	// After the delayed invalidation and refetch, the temporary id is
	// replaced by the server-assigned one.
	ctx := context.Background()
	waitFor(t, func() bool {
		c.Tasks(ctx)
		tasks, _ := c.TaskStore().Value(c.TasksKey())
		return len(tasks) == 1 && tasks[0].ID == "srv-1"
	}, "server id reconciliation")

	successes, failures := notifier.snapshot()
	if len(successes) != 1 || successes[0] != "createTask" {
		t.Fatalf("expected one success notification, got %v", successes)
	}
	if len(failures) != 0 {
		t.Fatalf("unexpected failures: %v", failures)
	}
}

func TestCreateTaskRollsBackOnFailure(t *testing.T) {
	backend := &fakeBackend{createErr: errors.New("backend rejected")}
	notifier := &recordingNotifier{}
	c := newTestCoordinator(backend, notifier)
	seedTasks(t, c, []domain.Task{{ID: "t1", Title: "Existing"}})

	_, err := c.CreateTask(context.Background(), domain.NewTask{Title: "Doomed"})
	if err == nil {
		t.Fatalf("expected create failure")
	}

	tasks, _ := c.TaskStore().Value(c.TasksKey())
	if len(tasks) != 1 || tasks[0].ID != "t1" {
		t.Fatalf("expected rollback to prior list, got %#v", tasks)
	}
	_, failures := notifier.snapshot()
	if len(failures) != 1 {
		t.Fatalf("expected one failure notification, got %v", failures)
	}
}

func TestCreateTaskValidationSkipsBackend(t *testing.T) {
	backend := &fakeBackend{}
	notifier := &recordingNotifier{}
	c := newTestCoordinator(backend, notifier)
	seedTasks(t, c, nil)

	_, err := c.CreateTask(context.Background(), domain.NewTask{Title: "   "})
	if !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if backend.createCalls != 0 {
		t.Fatalf("backend must not be called for invalid input")
	}
	if tasks, _ := c.TaskStore().Value(c.TasksKey()); len(tasks) != 0 {
		t.Fatalf("no optimistic entry may appear for invalid input, got %#v", tasks)
	}
	_, failures := notifier.snapshot()
	if len(failures) != 1 {
		t.Fatalf("expected one failure notification, got %v", failures)
	}
}

func TestToggleTaskRollsBackOnFailure(t *testing.T) {
	backend := &fakeBackend{
		tasks:     []domain.Task{{ID: "t1", Title: "Pay rent", Completed: false}},
		updateErr: errors.New("503 service unavailable"),
	}
	notifier := &recordingNotifier{}
	c := newTestCoordinator(backend, notifier)
	seedTasks(t, c, []domain.Task{{ID: "t1", Title: "Pay rent", Completed: false}})

	if err := c.ToggleTask(context.Background(), "t1"); err == nil {
		t.Fatalf("expected toggle failure")
	}

	tasks, _ := c.TaskStore().Value(c.TasksKey())
	if tasks[0].Completed {
		t.Fatalf("expected completion flag rolled back, got %#v", tasks[0])
	}
	_, failures := notifier.snapshot()
	if len(failures) != 1 || !strings.Contains(failures[0], "toggleTask") {
		t.Fatalf("expected toggle failure notification, got %v", failures)
	}
}

func TestToggleTaskOptimisticVisibility(t *testing.T) {
	backend := &fakeBackend{
		tasks: []domain.Task{{ID: "t1", Title: "Pay rent"}},
		gate:  make(chan struct{}),
	}
	c := newTestCoordinator(backend, &recordingNotifier{})
	seedTasks(t, c, []domain.Task{{ID: "t1", Title: "Pay rent"}})

	done := make(chan error, 1)
	go func() { done <- c.ToggleTask(context.Background(), "t1") }()

	waitFor(t, func() bool {
		tasks, _ := c.TaskStore().Value(c.TasksKey())
		return len(tasks) == 1 && tasks[0].Completed
	}, "optimistic toggle")

	close(backend.gate)
	if err := <-done; err != nil {
		t.Fatalf("toggle: %v", err)
	}
}

func TestUpdateTaskNotFound(t *testing.T) {
	backend := &fakeBackend{}
	notifier := &recordingNotifier{}
	c := newTestCoordinator(backend, notifier)
	seedTasks(t, c, nil)

	title := "New title"
	_, err := c.UpdateTask(context.Background(), "ghost", domain.TaskPatch{Title: &title})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not-found, got %v", err)
	}
	_, failures := notifier.snapshot()
	if len(failures) != 1 || !strings.Contains(failures[0], domain.ErrNotFound.Error()) {
		t.Fatalf("expected not-found failure notification, got %v", failures)
	}
}

func TestDeleteTaskInvalidatesCategories(t *testing.T) {
	backend := &fakeBackend{
		tasks:      []domain.Task{{ID: "t1", Title: "Filed", CategoryID: "c1"}},
		categories: []domain.Category{{ID: "c1", Name: "Work"}},
	}
	c := newTestCoordinator(backend, &recordingNotifier{})
	seedTasks(t, c, []domain.Task{{ID: "t1", Title: "Filed", CategoryID: "c1"}})
	seedCategories(t, c, []domain.Category{{ID: "c1", Name: "Work", TaskCount: 1}})

	if err := c.DeleteTask(context.Background(), "t1"); err != nil {
		t.Fatalf("delete task: %v", err)
	}

	tasks, _ := c.TaskStore().Value(c.TasksKey())
	if len(tasks) != 0 {
		t.Fatalf("expected task removed optimistically, got %#v", tasks)
	}

	// The delayed invalidation refetches both collections and the derived
	// count drops to zero.
	ctx := context.Background()
	waitFor(t, func() bool {
		categories, ok := c.Categories(ctx)
		return ok && len(categories) == 1 && categories[0].TaskCount == 0
	}, "category count recompute")
}

func TestDeleteCategoryClearsCachedTaskRefs(t *testing.T) {
	backend := &fakeBackend{
		tasks:      []domain.Task{{ID: "t1", Title: "Filed", CategoryID: "c1"}},
		categories: []domain.Category{{ID: "c1", Name: "Work"}},
	}
	c := newTestCoordinator(backend, &recordingNotifier{})
	seedTasks(t, c, []domain.Task{{ID: "t1", Title: "Filed", CategoryID: "c1"}})
	seedCategories(t, c, []domain.Category{{ID: "c1", Name: "Work"}})

	if err := c.DeleteCategory(context.Background(), "c1"); err != nil {
		t.Fatalf("delete category: %v", err)
	}

	categories, _ := c.CategoryStore().Value(c.CategoriesKey())
	if len(categories) != 0 {
		t.Fatalf("expected category removed, got %#v", categories)
	}
	tasks, _ := c.TaskStore().Value(c.TasksKey())
	if len(tasks) != 1 || tasks[0].CategoryID != "" {
		t.Fatalf("expected task kept with cleared category, got %#v", tasks)
	}
}

func TestDeleteCategoryRollsBackBothCollections(t *testing.T) {
	backend := &fakeBackend{deleteErr: errors.New("backend down")}
	notifier := &recordingNotifier{}
	c := newTestCoordinator(backend, notifier)
	seedTasks(t, c, []domain.Task{{ID: "t1", CategoryID: "c1"}})
	seedCategories(t, c, []domain.Category{{ID: "c1", Name: "Work"}})

	if err := c.DeleteCategory(context.Background(), "c1"); err == nil {
		t.Fatalf("expected delete failure")
	}

	categories, _ := c.CategoryStore().Value(c.CategoriesKey())
	if len(categories) != 1 || categories[0].ID != "c1" {
		t.Fatalf("expected category restored, got %#v", categories)
	}
	tasks, _ := c.TaskStore().Value(c.TasksKey())
	if len(tasks) != 1 || tasks[0].CategoryID != "c1" {
		t.Fatalf("expected task reference restored, got %#v", tasks)
	}
}

func TestCreateCategoryOptimisticTempID(t *testing.T) {
	backend := &fakeBackend{gate: make(chan struct{})}
	c := newTestCoordinator(backend, &recordingNotifier{})
	seedCategories(t, c, nil)

	done := make(chan error, 1)
	go func() {
		_, err := c.CreateCategory(context.Background(), "Errands")
		done <- err
	}()

	waitFor(t, func() bool {
		categories, _ := c.CategoryStore().Value(c.CategoriesKey())
		return len(categories) == 1 && strings.HasPrefix(categories[0].ID, TempIDPrefix)
	}, "optimistic category")

	close(backend.gate)
	if err := <-done; err != nil {
		t.Fatalf("create category: %v", err)
	}
}

func TestCreateCategoryValidation(t *testing.T) {
	backend := &fakeBackend{}
	c := newTestCoordinator(backend, &recordingNotifier{})
	seedCategories(t, c, nil)

	if _, err := c.CreateCategory(context.Background(), ""); !domain.IsValidation(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if categories, _ := c.CategoryStore().Value(c.CategoriesKey()); len(categories) != 0 {
		t.Fatalf("no optimistic entry may appear for an empty name")
	}
}

func TestRapidTogglesSerializeInOrder(t *testing.T) {
	backend := &fakeBackend{tasks: []domain.Task{{ID: "t1", Title: "Flip me"}}}
	c := newTestCoordinator(backend, &recordingNotifier{})
	seedTasks(t, c, []domain.Task{{ID: "t1", Title: "Flip me"}})

	for i := 0; i < 4; i++ {
		if err := c.ToggleTask(context.Background(), "t1"); err != nil {
			t.Fatalf("toggle %d: %v", i, err)
		}
	}

	// An even number of toggles lands back on not-completed.
	tasks, _ := c.TaskStore().Value(c.TasksKey())
	if tasks[0].Completed {
		t.Fatalf("expected even toggles to cancel out, got %#v", tasks[0])
	}
	if backend.updateCalls != 4 {
		t.Fatalf("expected 4 serialized updates, got %d", backend.updateCalls)
	}
}

func TestCreateTaskFailureOnUnfetchedCollection(t *testing.T) {
	backend := &fakeBackend{
		tasks:     []domain.Task{{ID: "srv-1", Title: "Already there"}},
		createErr: errors.New("backend rejected"),
	}
	notifier := &recordingNotifier{}
	c := newTestCoordinator(backend, notifier)

	// No seed: the collection has never been fetched when the mutation
	// runs. Rollback must restore the never-fetched state, not pin an
	// empty list as fresh.
	_, err := c.CreateTask(context.Background(), domain.NewTask{Title: "Doomed"})
	if err == nil {
		t.Fatalf("expected create failure")
	}
	if _, ok := c.TaskStore().Value(c.TasksKey()); ok {
		t.Fatalf("rollback must not leave a fabricated value behind")
	}

	ctx := context.Background()
	waitFor(t, func() bool {
		c.Tasks(ctx)
		tasks, ok := c.TaskStore().Value(c.TasksKey())
		return ok && len(tasks) == 1 && tasks[0].ID == "srv-1"
	}, "initial fetch after rollback")
}

func TestCreateCategoryFailureOnUnfetchedCollection(t *testing.T) {
	backend := &fakeBackend{
		categories:   []domain.Category{{ID: "srv-c1", Name: "Already there"}},
		createCatErr: errors.New("backend rejected"),
	}
	c := newTestCoordinator(backend, &recordingNotifier{})

	if _, err := c.CreateCategory(context.Background(), "Doomed"); err == nil {
		t.Fatalf("expected create failure")
	}
	if _, ok := c.CategoryStore().Value(c.CategoriesKey()); ok {
		t.Fatalf("rollback must not leave a fabricated value behind")
	}

	bg := context.Background()
	waitFor(t, func() bool {
		c.Categories(bg)
		categories, ok := c.CategoryStore().Value(c.CategoriesKey())
		return ok && len(categories) == 1 && categories[0].ID == "srv-c1"
	}, "initial fetch after rollback")
}

func TestMutationTimeoutRollsBack(t *testing.T) {
	backend := &fakeBackend{gate: make(chan struct{})}
	defer close(backend.gate)
	notifier := &recordingNotifier{}
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	c := New(backend, notifier, logger, Config{
		UserID:          "u1",
		InvalidateDelay: 20 * time.Millisecond,
		MutationTimeout: 30 * time.Millisecond,
	})
	seedTasks(t, c, []domain.Task{{ID: "t1", Title: "Keep me"}})

	_, err := c.CreateTask(context.Background(), domain.NewTask{Title: "Too slow"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	tasks, _ := c.TaskStore().Value(c.TasksKey())
	if len(tasks) != 1 || tasks[0].ID != "t1" {
		t.Fatalf("expected rollback after timeout, got %#v", tasks)
	}
	_, failures := notifier.snapshot()
	if len(failures) != 1 {
		t.Fatalf("expected one failure notification, got %v", failures)
	}
}

func TestFilterTasks(t *testing.T) {
	tasks := []domain.Task{
		{ID: "1", CategoryID: "c1", Priority: domain.PriorityHigh},
		{ID: "2", CategoryID: "c2", Priority: domain.PriorityLow},
		{ID: "3", CategoryID: "c1", Priority: domain.PriorityLow},
	}

	byCategory := FilterTasks(tasks, transport.TaskQuery{CategoryID: "c1"})
	if len(byCategory) != 2 {
		t.Fatalf("expected 2 tasks in c1, got %#v", byCategory)
	}
	byBoth := FilterTasks(tasks, transport.TaskQuery{CategoryID: "c1", Priority: domain.PriorityLow})
	if len(byBoth) != 1 || byBoth[0].ID != "3" {
		t.Fatalf("expected task 3, got %#v", byBoth)
	}
}

func TestTasksFiltered(t *testing.T) {
	backend := &fakeBackend{}
	c := newTestCoordinator(backend, &recordingNotifier{})
	seedTasks(t, c, []domain.Task{
		{ID: "1", Priority: domain.PriorityHigh},
		{ID: "2", Priority: domain.PriorityLow},
	})

	got, ok := c.TasksFiltered(context.Background(), transport.TaskQuery{Priority: domain.PriorityHigh})
	if !ok || len(got) != 1 || got[0].ID != "1" {
		t.Fatalf("unexpected filtered tasks: %#v ok=%v", got, ok)
	}
}

func TestRefresherSkipsPendingMutations(t *testing.T) {
	backend := &fakeBackend{tasks: []domain.Task{{ID: "t1", Title: "Poll me"}}}
	c := newTestCoordinator(backend, &recordingNotifier{})
	seedTasks(t, c, nil)
	seedCategories(t, c, nil)

	stop := c.StartRefresher(10 * time.Millisecond)
	defer stop()

	waitFor(t, func() bool {
		tasks, _ := c.TaskStore().Value(c.TasksKey())
		return len(tasks) == 1 && tasks[0].ID == "t1"
	}, "refresher poll")

	// With a mutation pending the refresher leaves the collection alone.
	c.TaskStore().BeginMutation(c.TasksKey())
	defer c.TaskStore().EndMutation(c.TasksKey())
	c.TaskStore().Set(c.TasksKey(), []domain.Task{{ID: "local", Title: "Edited"}})

	time.Sleep(50 * time.Millisecond)
	tasks, _ := c.TaskStore().Value(c.TasksKey())
	if len(tasks) != 1 || tasks[0].ID != "local" {
		t.Fatalf("expected local edit preserved during pending mutation, got %#v", tasks)
	}
}
