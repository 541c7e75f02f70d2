package taskroom

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClient_URLDerivation(t *testing.T) {
	client := NewClient("tok", WithBaseURL("https://taskroom.example.com/"))

	if got := client.BaseURL(); got != "https://taskroom.example.com" {
		t.Errorf("expected trailing slash trimmed, got %q", got)
	}
	if got := client.WSURL("a b"); got != "wss://taskroom.example.com/realtime/ws?token=a+b" {
		t.Errorf("unexpected ws url: %q", got)
	}
	if got := client.SSEURL(""); got != "https://taskroom.example.com/realtime/sse" {
		t.Errorf("unexpected sse url: %q", got)
	}

	plain := NewClient("", WithBaseURL("http://localhost:8080"))
	if got := plain.WSURL(""); got != "ws://localhost:8080/realtime/ws" {
		t.Errorf("unexpected ws url for http base: %q", got)
	}
}

func TestClient_RequestHeadersAndQuery(t *testing.T) {
	var gotAuth, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		writeEnvelope(w, http.StatusOK, []Task{}, "")
	}))
	defer srv.Close()

	client := NewClient("secret-token", WithBaseURL(srv.URL))

	projectID := 5
	completed := true
	res, err := client.Tasks().List(context.Background(), &TaskListOptions{
		ProjectID: &projectID,
		Completed: &completed,
	})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if err := res.Err(); err != nil {
		t.Fatalf("List envelope: %v", err)
	}

	if gotAuth != "Bearer secret-token" {
		t.Errorf("expected bearer header, got %q", gotAuth)
	}
	if gotQuery != "completed=true&project_id=5" {
		t.Errorf("unexpected query: %q", gotQuery)
	}
}

func TestClient_APIErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusConflict, nil, "project has tasks")
	}))
	defer srv.Close()

	client := NewClient("tok", WithBaseURL(srv.URL))
	res, err := client.Projects().Delete(context.Background(), 1)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	apiErr, ok := res.Err().(*APIError)
	if !ok {
		t.Fatalf("expected *APIError, got %T", res.Err())
	}
	if apiErr.Status != http.StatusConflict {
		t.Errorf("expected status 409, got %d", apiErr.Status)
	}
}

func TestTasksClient_CreateValidatesLocally(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeEnvelope(w, http.StatusCreated, Task{ID: 1}, "")
	}))
	defer srv.Close()

	client := NewClient("tok", WithBaseURL(srv.URL))
	if _, err := client.Tasks().Create(context.Background(), &NewTaskInput{Title: "x"}); err == nil {
		t.Error("expected validation error")
	}
	if _, err := client.Tasks().Create(context.Background(), nil); err == nil {
		t.Error("expected error for nil input")
	}
	if calls != 0 {
		t.Errorf("invalid input reached the server %d times", calls)
	}
}
