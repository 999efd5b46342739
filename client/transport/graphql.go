package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"

	"taskboard/domain"
)

// Queries mirror the schema of the GraphQL surface. Field selections are
// constant because the sync layer always wants the full record.
const (
	taskFields = "id title description dueDate priority completed categoryId createdAt updatedAt"

	queryListTasks          = "query listTasks($userId: ID!) { listTasks(userId: $userId) { " + taskFields + " } }"
	queryTasksByCategory    = "query getTasksByCategory($userId: ID!, $categoryId: ID!) { getTasksByCategory(userId: $userId, categoryId: $categoryId) { " + taskFields + " } }"
	queryTasksByPriority    = "query getTasksByPriority($userId: ID!, $priority: Priority!) { getTasksByPriority(userId: $userId, priority: $priority) { " + taskFields + " } }"
	mutationCreateTask      = "mutation createTask($userId: ID!, $input: TaskInput!) { createTask(userId: $userId, input: $input) { " + taskFields + " } }"
	mutationUpdateTask      = "mutation updateTask($userId: ID!, $id: ID!, $input: TaskPatchInput!) { updateTask(userId: $userId, id: $id, input: $input) { " + taskFields + " } }"
	mutationDeleteTask      = "mutation deleteTask($userId: ID!, $id: ID!) { deleteTask(userId: $userId, id: $id) }"
	queryListCategories     = "query listCategories($userId: ID!) { listCategories(userId: $userId) { id name userId createdAt taskCount } }"
	mutationCreateCategory  = "mutation createCategory($userId: ID!, $name: String!) { createCategory(userId: $userId, name: $name) { id name userId createdAt } }"
	mutationDeleteCategory  = "mutation deleteCategory($userId: ID!, $id: ID!) { deleteCategory(userId: $userId, id: $id) }"
)

// HeaderAPIKey is the static key header on the GraphQL surface.
const HeaderAPIKey = "x-api-key"

type gqlWireError struct {
	Message    string            `json:"message"`
	Extensions map[string]string `json:"extensions"`
}

type gqlWireResponse struct {
	Data   map[string]json.RawMessage `json:"data"`
	Errors []gqlWireError             `json:"errors"`
}

// gqlTask is the GraphQL wire form: string ids, upper-case priorities.
type gqlTask struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	DueDate     string `json:"dueDate"`
	Priority    string `json:"priority"`
	Completed   bool   `json:"completed"`
	CategoryID  string `json:"categoryId"`
	CreatedAt   string `json:"createdAt"`
	UpdatedAt   string `json:"updatedAt"`
}

type gqlCategory struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	UserID    string `json:"userId"`
	CreatedAt string `json:"createdAt"`
	TaskCount int    `json:"taskCount"`
}

func (t gqlTask) toDomain() (domain.Task, error) {
	priority, err := domain.ParsePriority(t.Priority)
	if err != nil {
		return domain.Task{}, err
	}
	return domain.Task{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		DueDate:     t.DueDate,
		Priority:    priority,
		Completed:   t.Completed,
		CategoryID:  t.CategoryID,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}, nil
}

// GraphQL talks to a single GraphQL-over-HTTP endpoint, authenticated by
// a static API key header.
type GraphQL struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewGraphQL creates a GraphQL transport for the given endpoint. A nil
// client uses http.DefaultClient.
func NewGraphQL(endpoint, apiKey string, client *http.Client) *GraphQL {
	if client == nil {
		client = http.DefaultClient
	}
	return &GraphQL{endpoint: endpoint, apiKey: apiKey, client: client}
}

func (g *GraphQL) Name() string { return "graphql" }

func (g *GraphQL) post(ctx context.Context, query string, variables map[string]any, field string, out any) error {
	payload, err := sonic.ConfigStd.Marshal(map[string]any{
		"query":     query,
		"variables": variables,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set(HeaderAPIKey, g.apiKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var wire gqlWireResponse
	dec := sonic.ConfigStd.NewDecoder(resp.Body)
	if err := dec.Decode(&wire); err != nil {
		return fmt.Errorf("malformed response: %w", err)
	}
	if len(wire.Errors) > 0 {
		messages := make([]string, len(wire.Errors))
		notFound := false
		for i, we := range wire.Errors {
			messages[i] = we.Message
			if we.Extensions["code"] == "NOT_FOUND" {
				notFound = true
			}
		}
		err := errors.New(strings.Join(messages, "; "))
		if notFound {
			return fmt.Errorf("%w: %v", domain.ErrNotFound, err)
		}
		return err
	}
	if out == nil {
		return nil
	}
	raw, ok := wire.Data[field]
	if !ok {
		return fmt.Errorf("response missing field %q", field)
	}
	if err := sonic.ConfigStd.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("malformed %s payload: %w", field, err)
	}
	return nil
}

func (g *GraphQL) ListTasks(ctx context.Context, q TaskQuery) ([]domain.Task, error) {
	query := queryListTasks
	field := "listTasks"
	variables := map[string]any{"userId": q.UserID}
	switch {
	case q.CategoryID != "":
		query = queryTasksByCategory
		field = "getTasksByCategory"
		variables["categoryId"] = q.CategoryID
	case q.Priority != "":
		query = queryTasksByPriority
		field = "getTasksByPriority"
		variables["priority"] = q.Priority.Upper()
	}

	var wire []gqlTask
	if err := g.post(ctx, query, variables, field, &wire); err != nil {
		return nil, err
	}
	tasks := make([]domain.Task, 0, len(wire))
	for _, wt := range wire {
		t, err := wt.toDomain()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (g *GraphQL) CreateTask(ctx context.Context, userID string, in domain.NewTask) (domain.Task, error) {
	input := map[string]any{"title": in.Title}
	if in.Description != "" {
		input["description"] = in.Description
	}
	if in.DueDate != "" {
		input["dueDate"] = in.DueDate
	}
	if in.Priority != "" {
		input["priority"] = in.Priority.Upper()
	}
	if in.CategoryID != "" {
		input["categoryId"] = in.CategoryID
	}

	var created gqlTask
	err := g.post(ctx, mutationCreateTask, map[string]any{"userId": userID, "input": input}, "createTask", &created)
	if err != nil {
		return domain.Task{}, err
	}
	return created.toDomain()
}

func (g *GraphQL) UpdateTask(ctx context.Context, userID, id string, patch domain.TaskPatch) (domain.Task, error) {
	input := map[string]any{}
	if patch.Title != nil {
		input["title"] = *patch.Title
	}
	if patch.Description != nil {
		input["description"] = *patch.Description
	}
	if patch.DueDate != nil {
		input["dueDate"] = *patch.DueDate
	}
	if patch.Priority != nil {
		input["priority"] = patch.Priority.Upper()
	}
	if patch.Completed != nil {
		input["completed"] = *patch.Completed
	}
	if patch.CategoryID != nil {
		input["categoryId"] = *patch.CategoryID
	}

	var updated gqlTask
	err := g.post(ctx, mutationUpdateTask, map[string]any{"userId": userID, "id": id, "input": input}, "updateTask", &updated)
	if err != nil {
		return domain.Task{}, err
	}
	return updated.toDomain()
}

func (g *GraphQL) DeleteTask(ctx context.Context, userID, id string) error {
	return g.post(ctx, mutationDeleteTask, map[string]any{"userId": userID, "id": id}, "", nil)
}

func (g *GraphQL) ListCategories(ctx context.Context, userID string) ([]domain.Category, error) {
	var wire []gqlCategory
	if err := g.post(ctx, queryListCategories, map[string]any{"userId": userID}, "listCategories", &wire); err != nil {
		return nil, err
	}
	categories := make([]domain.Category, 0, len(wire))
	for _, wc := range wire {
		categories = append(categories, domain.Category{
			ID:        wc.ID,
			Name:      wc.Name,
			UserID:    wc.UserID,
			CreatedAt: wc.CreatedAt,
			TaskCount: wc.TaskCount,
		})
	}
	return categories, nil
}

func (g *GraphQL) CreateCategory(ctx context.Context, in domain.NewCategory) (domain.Category, error) {
	var created gqlCategory
	err := g.post(ctx, mutationCreateCategory, map[string]any{"userId": in.UserID, "name": in.Name}, "createCategory", &created)
	if err != nil {
		return domain.Category{}, err
	}
	return domain.Category{ID: created.ID, Name: created.Name, UserID: created.UserID, CreatedAt: created.CreatedAt}, nil
}

func (g *GraphQL) DeleteCategory(ctx context.Context, userID, id string) error {
	return g.post(ctx, mutationDeleteCategory, map[string]any{"userId": userID, "id": id}, "", nil)
}
