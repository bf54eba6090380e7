package tasks

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// fakeAPI mimics the task app's routes closely enough for the client
type fakeAPI struct {
	mu       sync.Mutex
	requests []string
	bodies   []string
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, r.Method+" "+r.URL.RequestURI())
	f.bodies = append(f.bodies, string(body))
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/api/tasks":
		w.Write([]byte(`{"success":true,"data":[
			{"id":"t1","title":"Buy milk","description":null,"status":"PENDING","priority":"HIGH","tags":[{"id":"g1","name":"grocery"}],"createdAt":"2024-05-01T10:00:00.000Z","updatedAt":"2024-05-01T10:00:00.000Z"},
			{"id":"t2","title":"File taxes","description":"before april","status":"DONE","priority":"LOW","tags":[],"dueDate":"2024-04-15T00:00:00.000Z","createdAt":"2024-03-01T10:00:00.000Z","updatedAt":"2024-03-02T10:00:00.000Z"}
		]}`))
	case r.Method == http.MethodPost && r.URL.Path == "/api/tasks":
		if strings.Contains(string(body), `"title":""`) {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"success":false,"error":"title: Title is required"}`))
			return
		}
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"success":true,"data":{"id":"t3","title":"Call mom","description":"sunday","status":"PENDING","priority":"MEDIUM","tags":[{"name":"personal"}],"createdAt":"2024-05-02T10:00:00.000Z","updatedAt":"2024-05-02T10:00:00.000Z"}}`))
	case r.Method == http.MethodDelete && r.URL.Path == "/api/tasks":
		w.Write([]byte(`{"success":true,"message":"All tasks deleted"}`))
	case r.URL.Path == "/api/tasks/missing":
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"success":false,"error":"Task not found"}`))
	case r.Method == http.MethodDelete && r.URL.Path == "/api/tasks/t1":
		w.Write([]byte(`{"success":true,"data":null}`))
	case r.Method == http.MethodPatch && r.URL.Path == "/api/tasks/t1":
		if strings.Contains(string(body), `"status":"BOGUS"`) {
			w.WriteHeader(http.StatusBadRequest)
			w.Write([]byte(`{"success":false,"error":[{"path":["status"],"message":"Invalid enum value"}]}`))
			return
		}
		w.Write([]byte(`{"success":true,"data":{"id":"t1","title":"Buy milk","status":"DONE","priority":"HIGH","tags":[]}}`))
	case r.URL.Path == "/api/tasks/boom":
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`<html>oops</html>`))
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestStore(t *testing.T) (*HTTPStore, *fakeAPI) {
	t.Helper()
	api := &fakeAPI{}
	ts := httptest.NewServer(api)
	t.Cleanup(ts.Close)
	return NewHTTPStore(HTTPStoreOptions{BaseURL: ts.URL + "/", Token: "tok"}), api
}

func TestHTTPStoreList(t *testing.T) {
	s, api := newTestStore(t)
	got, err := s.List(context.Background(), Filter{Status: StatusPending, Search: "milk"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != "t1" || got[0].Priority != PriorityHigh || got[0].Description != "" {
		t.Fatalf("task 0 = %+v", got[0])
	}
	if len(got[0].Tags) != 1 || got[0].Tags[0] != "grocery" {
		t.Fatalf("tags = %v, want [grocery]", got[0].Tags)
	}
	if got[1].DueDate == nil || got[1].Description != "before april" {
		t.Fatalf("task 1 = %+v", got[1])
	}
	if api.requests[0] != "GET /api/tasks?search=milk&status=PENDING" {
		t.Fatalf("request = %q", api.requests[0])
	}
}

func TestHTTPStoreCreateSendsTagNames(t *testing.T) {
	s, api := newTestStore(t)
	task, err := s.Create(context.Background(), Fields{Title: "Call mom", Description: "sunday", Status: StatusPending, Tags: []string{"personal"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.ID != "t3" || task.Tags[0] != "personal" {
		t.Fatalf("task = %+v", task)
	}
	body := api.bodies[0]
	if !strings.Contains(body, `"tags":["personal"]`) || !strings.Contains(body, `"status":"PENDING"`) {
		t.Fatalf("body = %s", body)
	}
}

func TestHTTPStoreCreateValidationError(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Create(context.Background(), Fields{})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != 400 || se.Message != "title: Title is required" {
		t.Fatalf("err = %v", err)
	}
}

func TestHTTPStoreNotFound(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	if err := s.Delete(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("delete err = %v, want ErrNotFound", err)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get err = %v, want ErrNotFound", err)
	}
}

func TestHTTPStoreDelete(t *testing.T) {
	s, _ := newTestStore(t)
	if err := s.Delete(context.Background(), "t1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
}

func TestHTTPStoreDeleteAllWithoutCount(t *testing.T) {
	s, _ := newTestStore(t)
	n, err := s.DeleteAll(context.Background())
	if err != nil {
		t.Fatalf("delete all: %v", err)
	}
	if n != -1 {
		t.Fatalf("count = %d, want -1", n)
	}
}

func TestHTTPStoreUpdate(t *testing.T) {
	s, _ := newTestStore(t)
	done := StatusDone
	task, err := s.Update(context.Background(), "t1", Patch{Status: &done})
	if err != nil || task.Status != StatusDone {
		t.Fatalf("task = %+v, err = %v", task, err)
	}

	bogus := Status("BOGUS")
	_, err = s.Update(context.Background(), "t1", Patch{Status: &bogus})
	var se *StatusError
	if !errors.As(err, &se) || se.Message != "Invalid enum value" {
		t.Fatalf("err = %v", err)
	}
}

func TestHTTPStoreServerError(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Get(context.Background(), "boom")
	var se *StatusError
	if !errors.As(err, &se) || se.Code != 500 {
		t.Fatalf("err = %v, want 500 StatusError", err)
	}
}

func TestHTTPStoreTransportError(t *testing.T) {
	s := NewHTTPStore(HTTPStoreOptions{BaseURL: "http://127.0.0.1:1"})
	if _, err := s.List(context.Background(), Filter{}); err == nil {
		t.Fatalf("expected transport error")
	}
}
