package api

import (
	"net/http"
	"testing"

	"github.com/bytedance/sonic"

	"taskboard/domain"
)

func postGraphQL(t *testing.T, store Storage, auth Authenticator, body string, headers map[string]string) (int, gqlResponse) {
	t.Helper()
	c, rec := newTestContext(t, http.MethodPost, "/api/graphql", body)
	for k, v := range headers {
		c.Request().Header.Set(k, v)
	}
	if err := graphQL(store, auth)(c); err != nil {
		t.Fatalf("handler returned error: %v", err)
	}
	var resp gqlResponse
	if err := sonic.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	return rec.Code, resp
}

func TestGraphQLListTasksUpperCasePriorities(t *testing.T) {
	store := newMockStore()
	store.tasks["t1"] = domain.Task{ID: "t1", Title: "urgent", Priority: domain.PriorityHigh}

	code, resp := postGraphQL(t, store, testAuth(),
		`{"query":"query listTasks($userId: ID!) { listTasks(userId: $userId) { id title priority } }","variables":{"userId":"u1"}}`, nil)
	if code != http.StatusOK {
		t.Fatalf("expected status 200 got %d", code)
	}
	if len(resp.Errors) != 0 {
		t.Fatalf("unexpected errors: %#v", resp.Errors)
	}
	raw, err := sonic.Marshal(resp.Data["listTasks"])
	if err != nil {
		t.Fatalf("remarshal: %v", err)
	}
	var tasks []gqlTask
	if err := sonic.Unmarshal(raw, &tasks); err != nil {
		t.Fatalf("decode tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].Priority != "HIGH" {
		t.Fatalf("expected upper-case priority on the GraphQL surface, got %#v", tasks)
	}
}

func TestGraphQLGetTasksByPriority(t *testing.T) {
	store := newMockStore()
	store.tasks["t1"] = domain.Task{ID: "t1", Title: "urgent", Priority: domain.PriorityHigh}
	store.tasks["t2"] = domain.Task{ID: "t2", Title: "later", Priority: domain.PriorityLow}

	_, resp := postGraphQL(t, store, testAuth(),
		`{"query":"query getTasksByPriority($userId: ID!, $priority: Priority!) { getTasksByPriority(userId: $userId, priority: $priority) { id } }","variables":{"userId":"u1","priority":"HIGH"}}`, nil)
	if len(resp.Errors) != 0 {
		t.Fatalf("unexpected errors: %#v", resp.Errors)
	}
	raw, _ := sonic.Marshal(resp.Data["getTasksByPriority"])
	var tasks []gqlTask
	if err := sonic.Unmarshal(raw, &tasks); err != nil {
		t.Fatalf("decode tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != "t1" {
		t.Fatalf("expected only the high-priority task, got %#v", tasks)
	}
}

func TestGraphQLCreateTaskValidation(t *testing.T) {
	store := newMockStore()
	_, resp := postGraphQL(t, store, testAuth(),
		`{"query":"mutation createTask($userId: ID!, $input: TaskInput!) { createTask(userId: $userId, input: $input) { id } }","variables":{"userId":"u1","input":{"title":""}}}`, nil)
	if len(resp.Errors) != 1 {
		t.Fatalf("expected one error, got %#v", resp.Errors)
	}
	if resp.Errors[0].Extensions["code"] != gqlCodeBadRequest {
		t.Fatalf("unexpected error code: %#v", resp.Errors[0])
	}
	if len(store.tasks) != 0 {
		t.Fatalf("expected no task stored on validation failure")
	}
}

func TestGraphQLCreateTaskAssignsServerFields(t *testing.T) {
	store := newMockStore()
	_, resp := postGraphQL(t, store, testAuth(),
		`{"query":"mutation createTask($userId: ID!, $input: TaskInput!) { createTask(userId: $userId, input: $input) { id } }","variables":{"userId":"u1","input":{"title":"Buy milk","priority":"MEDIUM"}}}`, nil)
	if len(resp.Errors) != 0 {
		t.Fatalf("unexpected errors: %#v", resp.Errors)
	}
	raw, _ := sonic.Marshal(resp.Data["createTask"])
	var task gqlTask
	if err := sonic.Unmarshal(raw, &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if task.ID == "" || task.CreatedAt == "" {
		t.Fatalf("expected server-assigned fields, got %#v", task)
	}
	if task.Priority != "MEDIUM" {
		t.Fatalf("expected MEDIUM priority, got %q", task.Priority)
	}
}

func TestGraphQLDeleteTaskNotFound(t *testing.T) {
	store := newMockStore()
	_, resp := postGraphQL(t, store, testAuth(),
		`{"query":"mutation deleteTask($userId: ID!, $id: ID!) { deleteTask(userId: $userId, id: $id) }","variables":{"userId":"u1","id":"missing"}}`, nil)
	if len(resp.Errors) != 1 || resp.Errors[0].Extensions["code"] != gqlCodeNotFound {
		t.Fatalf("expected NOT_FOUND error, got %#v", resp.Errors)
	}
}

func TestGraphQLUnknownOperation(t *testing.T) {
	store := newMockStore()
	_, resp := postGraphQL(t, store, testAuth(), `{"query":"query nope { nope }"}`, nil)
	if len(resp.Errors) != 1 || resp.Errors[0].Extensions["code"] != gqlCodeBadRequest {
		t.Fatalf("expected BAD_REQUEST error, got %#v", resp.Errors)
	}
}

func TestGraphQLAPIKeyRequired(t *testing.T) {
	store := newMockStore()
	auth := NewAuth("local-user", "secret")

	code, resp := postGraphQL(t, store, auth, `{"query":"query listTasks { listTasks }"}`, nil)
	if code != http.StatusUnauthorized {
		t.Fatalf("expected status 401 got %d", code)
	}
	if len(resp.Errors) != 1 || resp.Errors[0].Extensions["code"] != gqlCodeUnauthenticated {
		t.Fatalf("expected UNAUTHENTICATED error, got %#v", resp.Errors)
	}

	code, resp = postGraphQL(t, store, auth, `{"query":"query listTasks { listTasks { id } }"}`, map[string]string{HeaderAPIKey: "secret"})
	if code != http.StatusOK || len(resp.Errors) != 0 {
		t.Fatalf("expected authorized request to succeed, code=%d errors=%#v", code, resp.Errors)
	}
}

func TestGraphQLDeleteCategoryClearsReferences(t *testing.T) {
	store := newMockStore()
	store.categories["c1"] = domain.Category{ID: "c1", Name: "Shopping"}
	store.tasks["t1"] = domain.Task{ID: "t1", Title: "milk", CategoryID: "c1"}

	_, resp := postGraphQL(t, store, testAuth(),
		`{"query":"mutation deleteCategory($userId: ID!, $id: ID!) { deleteCategory(userId: $userId, id: $id) }","variables":{"userId":"u1","id":"c1"}}`, nil)
	if len(resp.Errors) != 0 {
		t.Fatalf("unexpected errors: %#v", resp.Errors)
	}
	if len(store.categories) != 0 {
		t.Fatalf("expected category removed")
	}
	if got := store.tasks["t1"].CategoryID; got != "" {
		t.Fatalf("expected task reference cleared, got %q", got)
	}
}

func TestOperationName(t *testing.T) {
	testCases := map[string]string{
		"query listTasks { listTasks { id } }":                        "listTasks",
		"query listCategories { listCategories { id } }":              "listCategories",
		"mutation createTask($input: TaskInput!) { createTask }":     "createTask",
		"query getTasksByCategory($c: ID!) { getTasksByCategory }":   "getTasksByCategory",
		"mutation deleteCategory($id: ID!) { deleteCategory(id: 1)}": "deleteCategory",
		"query nothingKnown { whatever }":                             "",
	}
	for query, want := range testCases {
		if got := operationName(query); got != want {
			t.Fatalf("operationName(%q) = %q, want %q", query, got, want)
		}
	}
}
