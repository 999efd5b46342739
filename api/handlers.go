package api

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"taskboard/domain"
)

const (
	requestBodyMaxSize = 1 << 20

	// HeaderIdempotencyKey deduplicates create requests when Redis is wired.
	HeaderIdempotencyKey = "Idempotency-Key"
)

// Register wires up all API routes on the provided Echo instance.
func Register(e *echo.Echo, store Storage, auth Authenticator, deduper Deduper, logger *log.Logger) {
	e.GET("/api/tasks", getTasks(store, auth, logger))
	e.GET("/api/tasks/:id", getTask(store, auth))
	e.POST("/api/tasks", postTask(store, auth, deduper))
	e.PATCH("/api/tasks/:id", patchTask(store, auth))
	e.DELETE("/api/tasks/:id", deleteTask(store, auth))
	e.GET("/api/categories", getCategories(store, auth, logger))
	e.POST("/api/categories", postCategory(store, auth, deduper))
	e.DELETE("/api/categories/:id", deleteCategory(store, auth))
	e.POST("/api/graphql", graphQL(store, auth))
	e.GET("/api/stream", streamEvents(auth))
	e.GET("/healthz", healthz())
}

type tasksResponse struct {
	Tasks []domain.Task `json:"tasks"`
}

type categoriesResponse struct {
	Categories []domain.Category `json:"categories"`
}

func healthz() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	}
}

func resolveUserID(c echo.Context, auth Authenticator) string {
	if q := c.QueryParam("userId"); q != "" {
		return q
	}
	return auth.UserID(c.Request().Header.Get(HeaderUserID))
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func getTasks(store Storage, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics := newListRequestMetrics(logger, "/api/tasks")
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		userID := resolveUserID(c, auth)

		categoryFilter := c.QueryParam("category")
		priorityFilter := domain.Priority("")
		if raw := c.QueryParam("priority"); raw != "" {
			p, parseErr := domain.ParsePriority(raw)
			if parseErr != nil {
				metrics.SetErrorStage("invalid_priority")
				err = c.String(http.StatusBadRequest, "invalid priority")
				return err
			}
			priorityFilter = p
		}
		metrics.SetFiltered(categoryFilter != "" || priorityFilter != "")

		fetchStart := time.Now()
		tasks, fetchErr := store.FetchTasks(ctx, userID)
		metrics.ObserveFetch(time.Since(fetchStart))
		if fetchErr != nil {
			metrics.SetErrorStage("storage")
			c.Logger().Error(fetchErr)
			err = c.String(http.StatusInternalServerError, fetchErr.Error())
			return err
		}

		filtered := tasks[:0:0]
		for _, t := range tasks {
			if categoryFilter != "" && t.CategoryID != categoryFilter {
				continue
			}
			if priorityFilter != "" && t.Priority != priorityFilter {
				continue
			}
			filtered = append(filtered, t)
		}
		metrics.SetItemsReturned(len(filtered))

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, tasksResponse{Tasks: filtered})
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func getTask(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID := resolveUserID(c, auth)
		task, err := store.GetTask(ctx, userID, c.Param("id"))
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return c.String(http.StatusNotFound, "task not found")
			}
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		return c.JSON(http.StatusOK, task)
	}
}

// guardIdempotency records the request's idempotency key, if any. It
// returns a rollback func for the failure path and false when the key was
// already seen.
func guardIdempotency(c echo.Context, deduper Deduper, userID string) (func(), bool, error) {
	key := c.Request().Header.Get(HeaderIdempotencyKey)
	if key == "" || deduper == nil {
		return func() {}, true, nil
	}
	ctx := c.Request().Context()
	added, err := deduper.Add(ctx, userID, key)
	if err != nil {
		return nil, false, err
	}
	if !added {
		return nil, false, nil
	}
	return func() {
		if rerr := deduper.Remove(ctx, userID, key); rerr != nil {
			c.Logger().Errorf("dedupe rollback failed: %v, key: %s, user: %s", rerr, key, userID)
		}
	}, true, nil
}

func postTask(store Storage, auth Authenticator, deduper Deduper) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID := resolveUserID(c, auth)

		lr := io.LimitReader(c.Request().Body, requestBodyMaxSize)
		dec := sonic.ConfigStd.NewDecoder(lr)
		dec.DisallowUnknownFields()

		var in domain.NewTask
		if err := dec.Decode(&in); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if err := in.Validate(); err != nil {
			return c.String(http.StatusBadRequest, err.Error())
		}

		rollback, fresh, err := guardIdempotency(c, deduper, userID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "idempotency check failed")
		}
		if !fresh {
			return c.String(http.StatusConflict, "duplicate request")
		}

		priority := in.Priority
		if priority == "" {
			priority = domain.PriorityMedium
		}
		ts := now()
		task := domain.Task{
			ID:          uuid.NewString(),
			Title:       in.Title,
			Description: in.Description,
			DueDate:     in.DueDate,
			Priority:    priority,
			Completed:   false,
			CategoryID:  in.CategoryID,
			CreatedAt:   ts,
			UpdatedAt:   ts,
		}
		if err := store.InsertTask(ctx, userID, task); err != nil {
			rollback()
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		broadcast(userID, entityTask, eventCreated, task.ID)
		return c.JSON(http.StatusCreated, task)
	}
}

func patchTask(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID := resolveUserID(c, auth)

		lr := io.LimitReader(c.Request().Body, requestBodyMaxSize)
		dec := sonic.ConfigStd.NewDecoder(lr)
		dec.DisallowUnknownFields()

		var patch domain.TaskPatch
		if err := dec.Decode(&patch); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if patch.Empty() {
			return c.String(http.StatusBadRequest, "update had no fields")
		}
		if err := patch.Validate(); err != nil {
			return c.String(http.StatusBadRequest, err.Error())
		}

		task, err := store.GetTask(ctx, userID, c.Param("id"))
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return c.String(http.StatusNotFound, "task not found")
			}
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}

		merged := patch.Apply(task)
		merged.UpdatedAt = now()
		if err := store.UpdateTask(ctx, userID, merged); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return c.String(http.StatusNotFound, "task not found")
			}
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		broadcast(userID, entityTask, eventUpdated, merged.ID)
		return c.JSON(http.StatusOK, merged)
	}
}

func deleteTask(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID := resolveUserID(c, auth)
		id := c.Param("id")
		if err := store.DeleteTask(ctx, userID, id); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return c.String(http.StatusNotFound, "task not found")
			}
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		broadcast(userID, entityTask, eventDeleted, id)
		return c.NoContent(http.StatusNoContent)
	}
}

func getCategories(store Storage, auth Authenticator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) (err error) {
		ctx := c.Request().Context()
		metrics := newListRequestMetrics(logger, "/api/categories")
		defer func() {
			metrics.Log(c.Response().Status, err)
		}()

		userID := resolveUserID(c, auth)

		fetchStart := time.Now()
		categories, fetchErr := store.FetchCategories(ctx, userID)
		if fetchErr == nil {
			var tasks []domain.Task
			tasks, fetchErr = store.FetchTasks(ctx, userID)
			if fetchErr == nil {
				categories = domain.CountTasks(categories, tasks)
			}
		}
		metrics.ObserveFetch(time.Since(fetchStart))
		if fetchErr != nil {
			metrics.SetErrorStage("storage")
			c.Logger().Error(fetchErr)
			err = c.String(http.StatusInternalServerError, fetchErr.Error())
			return err
		}
		metrics.SetItemsReturned(len(categories))

		encodeStart := time.Now()
		err = c.JSON(http.StatusOK, categoriesResponse{Categories: categories})
		metrics.ObserveEncode(time.Since(encodeStart))
		if err != nil {
			metrics.SetErrorStage("encode_response")
		}
		return err
	}
}

func postCategory(store Storage, auth Authenticator, deduper Deduper) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID := resolveUserID(c, auth)

		lr := io.LimitReader(c.Request().Body, requestBodyMaxSize)
		dec := sonic.ConfigStd.NewDecoder(lr)
		dec.DisallowUnknownFields()

		var in domain.NewCategory
		if err := dec.Decode(&in); err != nil {
			return c.String(http.StatusBadRequest, "invalid body")
		}
		if in.UserID != "" {
			userID = in.UserID
		}
		if err := in.Validate(); err != nil {
			return c.String(http.StatusBadRequest, err.Error())
		}

		rollback, fresh, err := guardIdempotency(c, deduper, userID)
		if err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, "idempotency check failed")
		}
		if !fresh {
			return c.String(http.StatusConflict, "duplicate request")
		}

		category := domain.Category{
			ID:        uuid.NewString(),
			Name:      in.Name,
			UserID:    userID,
			CreatedAt: now(),
		}
		if err := store.InsertCategory(ctx, userID, category); err != nil {
			rollback()
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		broadcast(userID, entityCategory, eventCreated, category.ID)
		return c.JSON(http.StatusCreated, category)
	}
}

func deleteCategory(store Storage, auth Authenticator) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx := c.Request().Context()
		userID := resolveUserID(c, auth)
		id := c.Param("id")

		// Clear references first so tasks never point at a category that
		// is already gone.
		if err := store.ClearCategory(ctx, userID, id); err != nil {
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		if err := store.DeleteCategory(ctx, userID, id); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return c.String(http.StatusNotFound, "category not found")
			}
			c.Logger().Error(err)
			return c.String(http.StatusInternalServerError, err.Error())
		}
		broadcast(userID, entityCategory, eventDeleted, id)
		return c.NoContent(http.StatusNoContent)
	}
}
