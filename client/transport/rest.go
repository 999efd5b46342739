package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/bytedance/sonic"

	"taskboard/domain"
)

// flexID tolerates the id type mismatch between backends: REST historically
// served numeric ids while GraphQL serves strings. Both normalize to string.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*f = ""
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*f = flexID(v)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*f = flexID(n.String())
	return nil
}

// restTask is the REST wire form: lower-case priorities, flexible ids.
type restTask struct {
	ID          flexID `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	DueDate     string `json:"dueDate"`
	Priority    string `json:"priority"`
	Completed   bool   `json:"completed"`
	CategoryID  flexID `json:"categoryId"`
	CreatedAt   string `json:"createdAt"`
	UpdatedAt   string `json:"updatedAt"`
}

type restCategory struct {
	ID        flexID `json:"id"`
	Name      string `json:"name"`
	UserID    flexID `json:"userId"`
	CreatedAt string `json:"createdAt"`
	TaskCount int    `json:"taskCount"`
}

func (t restTask) toDomain() (domain.Task, error) {
	priority, err := domain.ParsePriority(t.Priority)
	if err != nil {
		return domain.Task{}, err
	}
	return domain.Task{
		ID:          string(t.ID),
		Title:       t.Title,
		Description: t.Description,
		DueDate:     t.DueDate,
		Priority:    priority,
		Completed:   t.Completed,
		CategoryID:  string(t.CategoryID),
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}, nil
}

func (c restCategory) toDomain() domain.Category {
	return domain.Category{
		ID:        string(c.ID),
		Name:      c.Name,
		UserID:    string(c.UserID),
		CreatedAt: c.CreatedAt,
		TaskCount: c.TaskCount,
	}
}

// REST talks to the plain HTTP surface (/api/tasks, /api/categories).
type REST struct {
	baseURL string
	client  *http.Client
}

// NewREST creates a REST transport for the given base URL. A nil client
// uses http.DefaultClient.
func NewREST(baseURL string, client *http.Client) *REST {
	if client == nil {
		client = http.DefaultClient
	}
	return &REST{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

func (r *REST) Name() string { return "rest" }

func (r *REST) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := r.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := sonic.ConfigStd.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return domain.ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	dec := sonic.ConfigStd.NewDecoder(resp.Body)
	if err := dec.Decode(out); err != nil {
		return fmt.Errorf("malformed response: %w", err)
	}
	return nil
}

func (r *REST) ListTasks(ctx context.Context, q TaskQuery) ([]domain.Task, error) {
	query := url.Values{}
	if q.UserID != "" {
		query.Set("userId", q.UserID)
	}
	if q.CategoryID != "" {
		query.Set("category", q.CategoryID)
	}
	if q.Priority != "" {
		query.Set("priority", string(q.Priority))
	}

	var resp struct {
		Tasks []restTask `json:"tasks"`
	}
	if err := r.do(ctx, http.MethodGet, "/api/tasks", query, nil, &resp); err != nil {
		return nil, err
	}
	tasks := make([]domain.Task, 0, len(resp.Tasks))
	for _, wt := range resp.Tasks {
		t, err := wt.toDomain()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (r *REST) CreateTask(ctx context.Context, userID string, in domain.NewTask) (domain.Task, error) {
	query := url.Values{}
	if userID != "" {
		query.Set("userId", userID)
	}
	var created restTask
	if err := r.do(ctx, http.MethodPost, "/api/tasks", query, in, &created); err != nil {
		return domain.Task{}, err
	}
	return created.toDomain()
}

func (r *REST) UpdateTask(ctx context.Context, userID, id string, patch domain.TaskPatch) (domain.Task, error) {
	query := url.Values{}
	if userID != "" {
		query.Set("userId", userID)
	}
	var updated restTask
	if err := r.do(ctx, http.MethodPatch, "/api/tasks/"+url.PathEscape(id), query, patch, &updated); err != nil {
		return domain.Task{}, err
	}
	return updated.toDomain()
}

func (r *REST) DeleteTask(ctx context.Context, userID, id string) error {
	query := url.Values{}
	if userID != "" {
		query.Set("userId", userID)
	}
	return r.do(ctx, http.MethodDelete, "/api/tasks/"+url.PathEscape(id), query, nil, nil)
}

func (r *REST) ListCategories(ctx context.Context, userID string) ([]domain.Category, error) {
	query := url.Values{}
	if userID != "" {
		query.Set("userId", userID)
	}
	var resp struct {
		Categories []restCategory `json:"categories"`
	}
	if err := r.do(ctx, http.MethodGet, "/api/categories", query, nil, &resp); err != nil {
		return nil, err
	}
	categories := make([]domain.Category, 0, len(resp.Categories))
	for _, wc := range resp.Categories {
		categories = append(categories, wc.toDomain())
	}
	return categories, nil
}

func (r *REST) CreateCategory(ctx context.Context, in domain.NewCategory) (domain.Category, error) {
	var created restCategory
	if err := r.do(ctx, http.MethodPost, "/api/categories", nil, in, &created); err != nil {
		return domain.Category{}, err
	}
	return created.toDomain(), nil
}

func (r *REST) DeleteCategory(ctx context.Context, userID, id string) error {
	query := url.Values{}
	if userID != "" {
		query.Set("userId", userID)
	}
	return r.do(ctx, http.MethodDelete, "/api/categories/"+url.PathEscape(id), query, nil, nil)
}
