package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"taskboard/domain"
)

// Storage provides access to the task and category tables. Rows are
// partitioned by user id with the entity id as row key.
type Storage struct {
	taskTable     *aztables.Client
	categoryTable *aztables.Client
}

// New creates a Storage instance from the given connection string.
func New(connStr, tasksTable, categoriesTable string) (*Storage, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	return &Storage{
		taskTable:     svc.NewClient(tasksTable),
		categoryTable: svc.NewClient(categoriesTable),
	}, nil
}

type taskEntity struct {
	aztables.Entity
	Title       string `json:"Title"`
	Description string `json:"Description"`
	DueDate     string `json:"DueDate"`
	Priority    string `json:"Priority"`
	Completed   bool   `json:"Completed"`
	CategoryID  string `json:"CategoryId"`
	CreatedAt   string `json:"CreatedAt"`
	UpdatedAt   string `json:"UpdatedAt"`
}

type categoryEntity struct {
	aztables.Entity
	Name      string `json:"Name"`
	CreatedAt string `json:"CreatedAt"`
}

func taskFromEntity(ent taskEntity) domain.Task {
	priority, err := domain.ParsePriority(ent.Priority)
	if err != nil {
		priority = domain.PriorityMedium
	}
	return domain.Task{
		ID:          ent.RowKey,
		Title:       ent.Title,
		Description: ent.Description,
		DueDate:     ent.DueDate,
		Priority:    priority,
		Completed:   ent.Completed,
		CategoryID:  ent.CategoryID,
		CreatedAt:   ent.CreatedAt,
		UpdatedAt:   ent.UpdatedAt,
	}
}

func taskToEntity(userID string, t domain.Task) taskEntity {
	return taskEntity{
		Entity:      aztables.Entity{PartitionKey: userID, RowKey: t.ID},
		Title:       t.Title,
		Description: t.Description,
		DueDate:     t.DueDate,
		Priority:    string(t.Priority),
		Completed:   t.Completed,
		CategoryID:  t.CategoryID,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

func isStatus(err error, code int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == code
}

// FetchTasks retrieves all tasks for the provided user.
func (s *Storage) FetchTasks(ctx context.Context, userID string) ([]domain.Task, error) {
	filter := "PartitionKey eq '" + userID + "'"
	pager := s.taskTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	tasks := []domain.Task{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var ent taskEntity
			if err := json.Unmarshal(e, &ent); err != nil {
				return nil, err
			}
			tasks = append(tasks, taskFromEntity(ent))
		}
	}
	return tasks, nil
}

// GetTask retrieves a single task, returning domain.ErrNotFound when absent.
func (s *Storage) GetTask(ctx context.Context, userID, id string) (domain.Task, error) {
	resp, err := s.taskTable.GetEntity(ctx, userID, id, nil)
	if err != nil {
		if isStatus(err, 404) {
			return domain.Task{}, domain.ErrNotFound
		}
		return domain.Task{}, err
	}
	var ent taskEntity
	if err := json.Unmarshal(resp.Value, &ent); err != nil {
		return domain.Task{}, err
	}
	return taskFromEntity(ent), nil
}

// InsertTask stores a new task row.
func (s *Storage) InsertTask(ctx context.Context, userID string, t domain.Task) error {
	payload, err := json.Marshal(taskToEntity(userID, t))
	if err != nil {
		return err
	}
	_, err = s.taskTable.AddEntity(ctx, payload, nil)
	return err
}

// UpdateTask replaces the stored task row with the merged task.
func (s *Storage) UpdateTask(ctx context.Context, userID string, t domain.Task) error {
	payload, err := json.Marshal(taskToEntity(userID, t))
	if err != nil {
		return err
	}
	et := azcore.ETagAny
	_, err = s.taskTable.UpdateEntity(ctx, payload, &aztables.UpdateEntityOptions{IfMatch: &et, UpdateMode: aztables.UpdateModeReplace})
	if err != nil && isStatus(err, 404) {
		return domain.ErrNotFound
	}
	return err
}

// DeleteTask removes a task row, returning domain.ErrNotFound when absent.
func (s *Storage) DeleteTask(ctx context.Context, userID, id string) error {
	_, err := s.taskTable.DeleteEntity(ctx, userID, id, nil)
	if err != nil && isStatus(err, 404) {
		return domain.ErrNotFound
	}
	return err
}

// FetchCategories retrieves all categories for the provided user. Task
// counts are derived elsewhere and left at zero here.
func (s *Storage) FetchCategories(ctx context.Context, userID string) ([]domain.Category, error) {
	filter := "PartitionKey eq '" + userID + "'"
	pager := s.categoryTable.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})
	categories := []domain.Category{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, e := range resp.Entities {
			var ent categoryEntity
			if err := json.Unmarshal(e, &ent); err != nil {
				return nil, err
			}
			categories = append(categories, domain.Category{
				ID:        ent.RowKey,
				Name:      ent.Name,
				UserID:    ent.PartitionKey,
				CreatedAt: ent.CreatedAt,
			})
		}
	}
	return categories, nil
}

// InsertCategory stores a new category row.
func (s *Storage) InsertCategory(ctx context.Context, userID string, c domain.Category) error {
	ent := categoryEntity{
		Entity:    aztables.Entity{PartitionKey: userID, RowKey: c.ID},
		Name:      c.Name,
		CreatedAt: c.CreatedAt,
	}
	payload, err := json.Marshal(ent)
	if err != nil {
		return err
	}
	_, err = s.categoryTable.AddEntity(ctx, payload, nil)
	return err
}

// DeleteCategory removes a category row, returning domain.ErrNotFound when
// absent. Tasks referencing the category are left untouched; callers clear
// the reference via ClearCategory.
func (s *Storage) DeleteCategory(ctx context.Context, userID, id string) error {
	_, err := s.categoryTable.DeleteEntity(ctx, userID, id, nil)
	if err != nil && isStatus(err, 404) {
		return domain.ErrNotFound
	}
	return err
}

// ClearCategory removes the category reference from every task of the user
// that points at the deleted category.
func (s *Storage) ClearCategory(ctx context.Context, userID, categoryID string) error {
	tasks, err := s.FetchTasks(ctx, userID)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.CategoryID != categoryID {
			continue
		}
		t.CategoryID = ""
		if err := s.UpdateTask(ctx, userID, t); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
	}
	return nil
}
