// Package tasks holds the task model and the store the voice coordinator
// mutates. The store of record is the task app, reached over its REST API.
package tasks

import (
	"context"
	"errors"
	"time"
)

type Status string

const (
	StatusPending Status = "PENDING"
	StatusDone    Status = "DONE"
)

type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
)

// ErrNotFound is returned when no task has the requested id
var ErrNotFound = errors.New("task not found")

// Task is one record as returned by the store
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      Status     `json:"status"`
	Priority    Priority   `json:"priority"`
	Tags        []string   `json:"tags"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Fields returns the values needed to recreate t under a new id
func (t Task) Fields() Fields {
	return Fields{
		Title:       t.Title,
		Description: t.Description,
		Status:      t.Status,
		Priority:    t.Priority,
		Tags:        append([]string(nil), t.Tags...),
		DueDate:     t.DueDate,
	}
}

// Fields is the input to Create. Empty Status and Priority take the store
// defaults (PENDING, MEDIUM).
type Fields struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      Status     `json:"status,omitempty"`
	Priority    Priority   `json:"priority,omitempty"`
	Tags        []string   `json:"tags"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
}

// Patch is a partial update; nil fields are left unchanged
type Patch struct {
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	Status      *Status   `json:"status,omitempty"`
	Priority    *Priority `json:"priority,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// Filter narrows List. The zero value lists everything, newest first.
type Filter struct {
	Status Status
	Search string
	SortBy string // createdAt, updatedAt, title, priority
	Order  string // asc or desc
}

// Store is the task persistence collaborator
type Store interface {
	Create(ctx context.Context, f Fields) (Task, error)
	List(ctx context.Context, filter Filter) ([]Task, error)
	Get(ctx context.Context, id string) (Task, error)
	Update(ctx context.Context, id string, p Patch) (Task, error)
	Delete(ctx context.Context, id string) error
	// DeleteAll removes every task and returns how many were removed, or -1
	// when the store does not report a count
	DeleteAll(ctx context.Context) (int, error)
}
