package tasks

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps tasks in process. It backs offline runs against the mock
// realtime server and the package tests.
type MemoryStore struct {
	mu    sync.Mutex
	tasks map[string]Task
	now   func() time.Time
}

func NewMemoryStore(seed ...Fields) *MemoryStore {
	s := &MemoryStore{tasks: make(map[string]Task), now: time.Now}
	for _, f := range seed {
		s.Create(context.Background(), f)
	}
	return s
}

func (s *MemoryStore) Create(ctx context.Context, f Fields) (Task, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, err
	}
	if strings.TrimSpace(f.Title) == "" {
		return Task{}, &StatusError{Code: 400, Message: "title: Title is required"}
	}
	if f.Status == "" {
		f.Status = StatusPending
	}
	if f.Priority == "" {
		f.Priority = PriorityMedium
	}
	now := s.now()
	t := Task{
		ID:          uuid.NewString(),
		Title:       f.Title,
		Description: f.Description,
		Status:      f.Status,
		Priority:    f.Priority,
		Tags:        append([]string{}, f.Tags...),
		DueDate:     f.DueDate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.mu.Lock()
	s.tasks[t.ID] = t
	s.mu.Unlock()
	return t, nil
}

func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if filter.Status != "" && t.Status != filter.Status {
			continue
		}
		if filter.Search != "" && !strings.Contains(t.Title, filter.Search) && !strings.Contains(t.Description, filter.Search) {
			continue
		}
		out = append(out, t)
	}
	s.mu.Unlock()

	less := func(a, b Task) bool {
		switch filter.SortBy {
		case "title":
			return a.Title < b.Title
		case "priority":
			return a.Priority < b.Priority
		case "updatedAt":
			return a.UpdatedAt.Before(b.UpdatedAt)
		}
		if a.CreatedAt.Equal(b.CreatedAt) {
			return a.ID < b.ID
		}
		return a.CreatedAt.Before(b.CreatedAt)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if filter.Order == "asc" {
			return less(out[i], out[j])
		}
		return less(out[j], out[i])
	})
	return out, nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Task, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	return t, nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, p Patch) (Task, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrNotFound
	}
	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Status != nil {
		t.Status = *p.Status
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.Tags != nil {
		t.Tags = append([]string{}, p.Tags...)
	}
	t.UpdatedAt = s.now()
	s.tasks[id] = t
	return t, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[id]; !ok {
		return ErrNotFound
	}
	delete(s.tasks, id)
	return nil
}

func (s *MemoryStore) DeleteAll(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.tasks)
	s.tasks = make(map[string]Task)
	return n, nil
}
