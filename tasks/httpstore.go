package tasks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

const maxResponseBytes = 4 * 1024 * 1024

var api = sonic.ConfigStd

// HTTPStore talks to the task app's REST API (/api/tasks)
type HTTPStore struct {
	baseURL string
	token   string
	client  *http.Client
	timeout time.Duration
}

// HTTPStoreOptions configure an HTTPStore
type HTTPStoreOptions struct {
	BaseURL string // e.g. http://localhost:3000
	Token   string // optional bearer token
	// Timeout bounds each call; zero means no deadline beyond the context
	Timeout time.Duration
	Client  *http.Client
}

func NewHTTPStore(opts HTTPStoreOptions) *HTTPStore {
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPStore{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.Token,
		client:  client,
		timeout: opts.Timeout,
	}
}

// envelope is the app's response wrapper
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   any             `json:"error"`
	Count   *int            `json:"count"`
}

type wireTag struct {
	Name string `json:"name"`
}

type wireTask struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description *string    `json:"description"`
	Status      Status     `json:"status"`
	Priority    Priority   `json:"priority"`
	Tags        []wireTag  `json:"tags"`
	DueDate     *time.Time `json:"dueDate"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

func (w wireTask) task() Task {
	t := Task{
		ID:        w.ID,
		Title:     w.Title,
		Status:    w.Status,
		Priority:  w.Priority,
		Tags:      make([]string, 0, len(w.Tags)),
		DueDate:   w.DueDate,
		CreatedAt: w.CreatedAt,
		UpdatedAt: w.UpdatedAt,
	}
	if w.Description != nil {
		t.Description = *w.Description
	}
	for _, tag := range w.Tags {
		t.Tags = append(t.Tags, tag.Name)
	}
	return t
}

// StatusError is a non-2xx answer from the task API
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("task api: HTTP %d: %s", e.Code, e.Message)
}

func (s *HTTPStore) Create(ctx context.Context, f Fields) (Task, error) {
	if f.Tags == nil {
		f.Tags = []string{}
	}
	var w wireTask
	if err := s.do(ctx, http.MethodPost, "/api/tasks", f, &w); err != nil {
		return Task{}, err
	}
	return w.task(), nil
}

func (s *HTTPStore) List(ctx context.Context, filter Filter) ([]Task, error) {
	q := url.Values{}
	if filter.Status != "" {
		q.Set("status", string(filter.Status))
	}
	if filter.Search != "" {
		q.Set("search", filter.Search)
	}
	if filter.SortBy != "" {
		q.Set("sortBy", filter.SortBy)
	}
	if filter.Order != "" {
		q.Set("order", filter.Order)
	}
	path := "/api/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var ws []wireTask
	if err := s.do(ctx, http.MethodGet, path, nil, &ws); err != nil {
		return nil, err
	}
	out := make([]Task, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.task())
	}
	return out, nil
}

func (s *HTTPStore) Get(ctx context.Context, id string) (Task, error) {
	var w wireTask
	if err := s.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id), nil, &w); err != nil {
		return Task{}, err
	}
	return w.task(), nil
}

func (s *HTTPStore) Update(ctx context.Context, id string, p Patch) (Task, error) {
	var w wireTask
	if err := s.do(ctx, http.MethodPatch, "/api/tasks/"+url.PathEscape(id), p, &w); err != nil {
		return Task{}, err
	}
	return w.task(), nil
}

func (s *HTTPStore) Delete(ctx context.Context, id string) error {
	return s.do(ctx, http.MethodDelete, "/api/tasks/"+url.PathEscape(id), nil, nil)
}

func (s *HTTPStore) DeleteAll(ctx context.Context) (int, error) {
	env, err := s.roundTrip(ctx, http.MethodDelete, "/api/tasks", nil)
	if err != nil {
		return 0, err
	}
	if env.Count != nil {
		return *env.Count, nil
	}
	return -1, nil
}

func (s *HTTPStore) do(ctx context.Context, method, path string, body, out any) error {
	env, err := s.roundTrip(ctx, method, path, body)
	if err != nil {
		return err
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := api.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("task api: decode %s %s: %w", method, path, err)
	}
	return nil
}

func (s *HTTPStore) roundTrip(ctx context.Context, method, path string, body any) (*envelope, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		data, err := api.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("task api: encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("task api: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("task api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("task api: read response: %w", err)
	}

	var env envelope
	decodeErr := api.Unmarshal(raw, &env)

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := errorText(env.Error)
		if decodeErr != nil || msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &StatusError{Code: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("task api: decode response: %w", decodeErr)
	}
	if !env.Success {
		msg := errorText(env.Error)
		if msg == "" {
			msg = "request failed"
		}
		return nil, &StatusError{Code: resp.StatusCode, Message: msg}
	}
	return &env, nil
}

// errorText flattens the error field, which is a string or a list of
// validation issues
func errorText(v any) string {
	switch e := v.(type) {
	case nil:
		return ""
	case string:
		return e
	case []any:
		parts := make([]string, 0, len(e))
		for _, issue := range e {
			if m, ok := issue.(map[string]any); ok {
				if msg, ok := m["message"].(string); ok {
					parts = append(parts, msg)
					continue
				}
			}
			parts = append(parts, fmt.Sprint(issue))
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(e)
	}
}
