package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"taskboard/domain"
)

// GraphQL error codes carried in the extensions object, mirroring the
// managed-service convention.
const (
	gqlCodeBadRequest      = "BAD_REQUEST"
	gqlCodeNotFound        = "NOT_FOUND"
	gqlCodeUnauthenticated = "UNAUTHENTICATED"
	gqlCodeInternal        = "INTERNAL"
)

type gqlRequest struct {
	Query     string          `json:"query"`
	Variables json.RawMessage `json:"variables"`
}

type gqlError struct {
	Message    string            `json:"message"`
	Extensions map[string]string `json:"extensions,omitempty"`
}

type gqlResponse struct {
	Data   map[string]any `json:"data,omitempty"`
	Errors []gqlError     `json:"errors,omitempty"`
}

// gqlTask is the GraphQL wire form of a task. Priorities are upper-case
// on this surface.
type gqlTask struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	DueDate     string `json:"dueDate,omitempty"`
	Priority    string `json:"priority"`
	Completed   bool   `json:"completed"`
	CategoryID  string `json:"categoryId,omitempty"`
	CreatedAt   string `json:"createdAt,omitempty"`
	UpdatedAt   string `json:"updatedAt,omitempty"`
}

type gqlCategory struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	UserID    string `json:"userId,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
	TaskCount int    `json:"taskCount"`
}

func gqlTaskFromDomain(t domain.Task) gqlTask {
	return gqlTask{
		ID:          t.ID,
		Title:       t.Title,
		Description: t.Description,
		DueDate:     t.DueDate,
		Priority:    t.Priority.Upper(),
		Completed:   t.Completed,
		CategoryID:  t.CategoryID,
		CreatedAt:   t.CreatedAt,
		UpdatedAt:   t.UpdatedAt,
	}
}

func gqlTasksFromDomain(tasks []domain.Task) []gqlTask {
	out := make([]gqlTask, len(tasks))
	for i, t := range tasks {
		out[i] = gqlTaskFromDomain(t)
	}
	return out
}

func gqlCategoriesFromDomain(categories []domain.Category) []gqlCategory {
	out := make([]gqlCategory, len(categories))
	for i, c := range categories {
		out[i] = gqlCategory{ID: c.ID, Name: c.Name, UserID: c.UserID, CreatedAt: c.CreatedAt, TaskCount: c.TaskCount}
	}
	return out
}

func gqlFail(c echo.Context, status int, code, message string) error {
	return c.JSON(status, gqlResponse{Errors: []gqlError{{
		Message:    message,
		Extensions: map[string]string{"code": code},
	}}})
}

func gqlData(c echo.Context, field string, value any) error {
	return c.JSON(http.StatusOK, gqlResponse{Data: map[string]any{field: value}})
}

// gqlOperations lists the supported operation names in dispatch order.
// Names are matched as whole words against the query text; a real parser
// is deliberately out of scope for this surface.
var gqlOperations = []string{
	"getTasksByCategory",
	"getTasksByPriority",
	"listTasks",
	"createTask",
	"updateTask",
	"deleteTask",
	"listCategories",
	"createCategory",
	"deleteCategory",
}

func operationName(query string) string {
	for _, op := range gqlOperations {
		idx := strings.Index(query, op)
		if idx < 0 {
			continue
		}
		end := idx + len(op)
		if end < len(query) {
			next := query[end]
			if next != '(' && next != ' ' && next != '{' && next != '\n' && next != '\t' {
				continue
			}
		}
		return op
	}
	return ""
}

type gqlVariables struct {
	UserID     string          `json:"userId"`
	ID         string          `json:"id"`
	CategoryID string          `json:"categoryId"`
	Priority   string          `json:"priority"`
	Name       string          `json:"name"`
	Input      json.RawMessage `json:"input"`
}

type gqlTaskInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	DueDate     string `json:"dueDate"`
	Priority    string `json:"priority"`
	CategoryID  string `json:"categoryId"`
}

type gqlTaskPatchInput struct {
	Title       *string `json:"title"`
	Description *string `json:"description"`
	DueDate     *string `json:"dueDate"`
	Priority    *string `json:"priority"`
	Completed   *bool   `json:"completed"`
	CategoryID  *string `json:"categoryId"`
}

func graphQL(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := auth.CheckAPIKey(c.Request().Header.Get(HeaderAPIKey)); err != nil {
			return gqlFail(c, http.StatusUnauthorized, gqlCodeUnauthenticated, err.Error())
		}

		lr := io.LimitReader(c.Request().Body, requestBodyMaxSize)
		dec := sonic.ConfigStd.NewDecoder(lr)

		var req gqlRequest
		if err := dec.Decode(&req); err != nil {
			return gqlFail(c, http.StatusBadRequest, gqlCodeBadRequest, "invalid body")
		}

		op := operationName(req.Query)
		if op == "" {
			return gqlFail(c, http.StatusOK, gqlCodeBadRequest, "unknown operation")
		}

		var vars gqlVariables
		if len(req.Variables) > 0 {
			if err := sonic.ConfigStd.Unmarshal(req.Variables, &vars); err != nil {
				return gqlFail(c, http.StatusOK, gqlCodeBadRequest, "invalid variables")
			}
		}

		userID := vars.UserID
		if userID == "" {
			userID = auth.UserID(c.Request().Header.Get(HeaderUserID))
		}

		ctx := c.Request().Context()
		switch op {
		case "listTasks":
			return resolveListTasks(ctx, c, store, userID, "", "")
		case "getTasksByCategory":
			return resolveListTasks(ctx, c, store, userID, vars.CategoryID, "")
		case "getTasksByPriority":
			return resolveListTasks(ctx, c, store, userID, "", vars.Priority)
		case "createTask":
			return resolveCreateTask(ctx, c, store, userID, vars.Input)
		case "updateTask":
			return resolveUpdateTask(ctx, c, store, userID, vars.ID, vars.Input)
		case "deleteTask":
			return resolveDeleteTask(ctx, c, store, userID, vars.ID)
		case "listCategories":
			return resolveListCategories(ctx, c, store, userID)
		case "createCategory":
			return resolveCreateCategory(ctx, c, store, userID, vars.Name)
		case "deleteCategory":
			return resolveDeleteCategory(ctx, c, store, userID, vars.ID)
		}
		return gqlFail(c, http.StatusOK, gqlCodeBadRequest, "unknown operation")
	}
}

func resolveListTasks(ctx context.Context, c echo.Context, store Storage, userID, categoryID, priority string) error {
	field := "listTasks"
	filterPriority := domain.Priority("")
	if priority != "" {
		field = "getTasksByPriority"
		p, err := domain.ParsePriority(priority)
		if err != nil {
			return gqlFail(c, http.StatusOK, gqlCodeBadRequest, err.Error())
		}
		filterPriority = p
	}
	if categoryID != "" {
		field = "getTasksByCategory"
	}

	tasks, err := store.FetchTasks(ctx, userID)
	if err != nil {
		c.Logger().Error(err)
		return gqlFail(c, http.StatusOK, gqlCodeInternal, err.Error())
	}

	filtered := tasks[:0:0]
	for _, t := range tasks {
		if categoryID != "" && t.CategoryID != categoryID {
			continue
		}
		if filterPriority != "" && t.Priority != filterPriority {
			continue
		}
		filtered = append(filtered, t)
	}
	return gqlData(c, field, gqlTasksFromDomain(filtered))
}

func resolveCreateTask(ctx context.Context, c echo.Context, store Storage, userID string, input json.RawMessage) error {
	var in gqlTaskInput
	if len(input) == 0 {
		return gqlFail(c, http.StatusOK, gqlCodeBadRequest, "missing input")
	}
	if err := sonic.ConfigStd.Unmarshal(input, &in); err != nil {
		return gqlFail(c, http.StatusOK, gqlCodeBadRequest, "invalid input")
	}
	priority, err := domain.ParsePriority(in.Priority)
	if err != nil {
		return gqlFail(c, http.StatusOK, gqlCodeBadRequest, err.Error())
	}
	newTask := domain.NewTask{
		Title:       in.Title,
		Description: in.Description,
		DueDate:     in.DueDate,
		Priority:    priority,
		CategoryID:  in.CategoryID,
	}
	if err := newTask.Validate(); err != nil {
		return gqlFail(c, http.StatusOK, gqlCodeBadRequest, err.Error())
	}

	ts := now()
	task := domain.Task{
		ID:          uuid.NewString(),
		Title:       newTask.Title,
		Description: newTask.Description,
		DueDate:     newTask.DueDate,
		Priority:    priority,
		CategoryID:  newTask.CategoryID,
		CreatedAt:   ts,
		UpdatedAt:   ts,
	}
	if err := store.InsertTask(ctx, userID, task); err != nil {
		c.Logger().Error(err)
		return gqlFail(c, http.StatusOK, gqlCodeInternal, err.Error())
	}
	broadcast(userID, entityTask, eventCreated, task.ID)
	return gqlData(c, "createTask", gqlTaskFromDomain(task))
}

func resolveUpdateTask(ctx context.Context, c echo.Context, store Storage, userID, id string, input json.RawMessage) error {
	var in gqlTaskPatchInput
	if len(input) == 0 {
		return gqlFail(c, http.StatusOK, gqlCodeBadRequest, "missing input")
	}
	if err := sonic.ConfigStd.Unmarshal(input, &in); err != nil {
		return gqlFail(c, http.StatusOK, gqlCodeBadRequest, "invalid input")
	}

	patch := domain.TaskPatch{
		Title:       in.Title,
		Description: in.Description,
		DueDate:     in.DueDate,
		Completed:   in.Completed,
		CategoryID:  in.CategoryID,
	}
	if in.Priority != nil {
		p, err := domain.ParsePriority(*in.Priority)
		if err != nil {
			return gqlFail(c, http.StatusOK, gqlCodeBadRequest, err.Error())
		}
		patch.Priority = &p
	}
	if patch.Empty() {
		return gqlFail(c, http.StatusOK, gqlCodeBadRequest, "update had no fields")
	}
	if err := patch.Validate(); err != nil {
		return gqlFail(c, http.StatusOK, gqlCodeBadRequest, err.Error())
	}

	task, err := store.GetTask(ctx, userID, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return gqlFail(c, http.StatusOK, gqlCodeNotFound, "task not found")
		}
		c.Logger().Error(err)
		return gqlFail(c, http.StatusOK, gqlCodeInternal, err.Error())
	}
	merged := patch.Apply(task)
	merged.UpdatedAt = now()
	if err := store.UpdateTask(ctx, userID, merged); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return gqlFail(c, http.StatusOK, gqlCodeNotFound, "task not found")
		}
		c.Logger().Error(err)
		return gqlFail(c, http.StatusOK, gqlCodeInternal, err.Error())
	}
	broadcast(userID, entityTask, eventUpdated, merged.ID)
	return gqlData(c, "updateTask", gqlTaskFromDomain(merged))
}

func resolveDeleteTask(ctx context.Context, c echo.Context, store Storage, userID, id string) error {
	if err := store.DeleteTask(ctx, userID, id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return gqlFail(c, http.StatusOK, gqlCodeNotFound, "task not found")
		}
		c.Logger().Error(err)
		return gqlFail(c, http.StatusOK, gqlCodeInternal, err.Error())
	}
	broadcast(userID, entityTask, eventDeleted, id)
	return gqlData(c, "deleteTask", true)
}

func resolveListCategories(ctx context.Context, c echo.Context, store Storage, userID string) error {
	categories, err := store.FetchCategories(ctx, userID)
	if err != nil {
		c.Logger().Error(err)
		return gqlFail(c, http.StatusOK, gqlCodeInternal, err.Error())
	}
	tasks, err := store.FetchTasks(ctx, userID)
	if err != nil {
		c.Logger().Error(err)
		return gqlFail(c, http.StatusOK, gqlCodeInternal, err.Error())
	}
	categories = domain.CountTasks(categories, tasks)
	return gqlData(c, "listCategories", gqlCategoriesFromDomain(categories))
}

func resolveCreateCategory(ctx context.Context, c echo.Context, store Storage, userID, name string) error {
	in := domain.NewCategory{Name: name, UserID: userID}
	if err := in.Validate(); err != nil {
		return gqlFail(c, http.StatusOK, gqlCodeBadRequest, err.Error())
	}
	category := domain.Category{
		ID:        uuid.NewString(),
		Name:      name,
		UserID:    userID,
		CreatedAt: now(),
	}
	if err := store.InsertCategory(ctx, userID, category); err != nil {
		c.Logger().Error(err)
		return gqlFail(c, http.StatusOK, gqlCodeInternal, err.Error())
	}
	broadcast(userID, entityCategory, eventCreated, category.ID)
	return gqlData(c, "createCategory", gqlCategory{ID: category.ID, Name: category.Name, UserID: userID, CreatedAt: category.CreatedAt})
}

func resolveDeleteCategory(ctx context.Context, c echo.Context, store Storage, userID, id string) error {
	if err := store.ClearCategory(ctx, userID, id); err != nil {
		c.Logger().Error(err)
		return gqlFail(c, http.StatusOK, gqlCodeInternal, err.Error())
	}
	if err := store.DeleteCategory(ctx, userID, id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return gqlFail(c, http.StatusOK, gqlCodeNotFound, "category not found")
		}
		c.Logger().Error(err)
		return gqlFail(c, http.StatusOK, gqlCodeInternal, err.Error())
	}
	broadcast(userID, entityCategory, eventDeleted, id)
	return gqlData(c, "deleteCategory", true)
}
