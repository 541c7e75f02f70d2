package taskroom

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func TestOutbox_EnqueueAndPendingOrder(t *testing.T) {
	o := NewOutbox()
	first := o.Enqueue("POST", "/api/tasks", map[string]string{"title": "a"})
	second := o.Enqueue("DELETE", "/api/tasks/3", nil)

	if first.ID == second.ID {
		t.Error("expected distinct op ids")
	}
	if first.IdempotencyKey == "" || second.IdempotencyKey == "" {
		t.Error("expected idempotency keys assigned")
	}

	pending := o.Pending()
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending ops, got %d", len(pending))
	}
	if pending[0].ID != first.ID || pending[1].ID != second.ID {
		t.Error("expected pending ops in enqueue order")
	}
	if o.Len() != 2 {
		t.Errorf("expected len 2, got %d", o.Len())
	}
}

func TestOutbox_FlushReplaysInOrder(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.Method+" "+r.URL.Path)
		if r.Header.Get("Idempotency-Key") == "" {
			t.Error("expected idempotency key header")
		}
		writeEnvelope(w, http.StatusOK, nil, "")
	}))
	defer srv.Close()

	client := NewClient("tok", WithBaseURL(srv.URL))
	o := NewOutbox()
	o.Enqueue("POST", "/api/tasks", map[string]string{"title": "a"})
	o.Enqueue("DELETE", "/api/tasks/3", nil)

	n, err := o.Flush(context.Background(), client)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 flushed, got %d", n)
	}
	if o.Len() != 0 {
		t.Errorf("expected outbox drained, got %d pending", o.Len())
	}
	if len(paths) != 2 || paths[0] != "POST /api/tasks" || paths[1] != "DELETE /api/tasks/3" {
		t.Errorf("unexpected replay order: %v", paths)
	}
}

func TestOutbox_APIRejectionIsTerminal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeEnvelope(w, http.StatusNotFound, nil, "task not found")
	}))
	defer srv.Close()

	client := NewClient("tok", WithBaseURL(srv.URL))
	o := NewOutbox()
	o.Enqueue("DELETE", "/api/tasks/404", nil)

	n, err := o.Flush(context.Background(), client)
	if err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 flushed, got %d", n)
	}
	// The server answered; the op is failed, not pending — a second flush
	// must not retry a definitive rejection.
	if o.Len() != 0 {
		t.Errorf("expected no pending ops, got %d", o.Len())
	}
	o.Flush(context.Background(), client)
	if calls.Load() != 1 {
		t.Errorf("rejected op was retried: %d calls", calls.Load())
	}
}

func TestOutbox_TransportFailureStaysPending(t *testing.T) {
	client := NewClient("tok", WithBaseURL("http://127.0.0.1:1"))
	o := NewOutbox()
	o.Enqueue("POST", "/api/tasks", map[string]string{"title": "a"})

	n, err := o.Flush(context.Background(), client)
	if err == nil {
		t.Fatal("expected transport error")
	}
	if n != 0 {
		t.Errorf("expected 0 flushed, got %d", n)
	}
	if o.Len() != 1 {
		t.Errorf("expected op still pending, got %d", o.Len())
	}
	pending := o.Pending()
	if pending[0].Retries != 1 {
		t.Errorf("expected retry count 1, got %d", pending[0].Retries)
	}
	if pending[0].Error == "" {
		t.Error("expected error recorded on the op")
	}
}
