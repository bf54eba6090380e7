package tasks

import (
	"context"
	"errors"
	"testing"
)

func TestCacheReplaceCopies(t *testing.T) {
	c := NewCache()
	if c.Loaded() {
		t.Fatalf("new cache reports loaded")
	}
	list := []Task{{ID: "a", Title: "one"}, {ID: "b", Title: "two"}}
	c.Replace(list)
	list[0].Title = "mutated"

	got, ok := c.Find("a")
	if !ok || got.Title != "one" {
		t.Fatalf("find = %+v, %v", got, ok)
	}
	snap := c.Snapshot()
	snap[1].Title = "mutated"
	if got, _ := c.Find("b"); got.Title != "two" {
		t.Fatalf("snapshot aliased cache")
	}
	if _, ok := c.Find("zzz"); ok {
		t.Fatalf("found missing id")
	}

	c.Clear()
	if c.Len() != 0 || !c.Loaded() {
		t.Fatalf("after clear len = %d loaded = %v", c.Len(), c.Loaded())
	}
}

func TestMemoryStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(Fields{Title: "seeded"})

	created, err := s.Create(ctx, Fields{Title: "Buy milk", Priority: PriorityHigh, Tags: []string{"grocery"}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Status != StatusPending || created.ID == "" {
		t.Fatalf("created = %+v", created)
	}
	if _, err := s.Create(ctx, Fields{Title: "  "}); err == nil {
		t.Fatalf("blank title accepted")
	}

	list, _ := s.List(ctx, Filter{Search: "milk"})
	if len(list) != 1 || list[0].ID != created.ID {
		t.Fatalf("search = %+v", list)
	}

	done := StatusDone
	if _, err := s.Update(ctx, created.ID, Patch{Status: &done}); err != nil {
		t.Fatalf("update: %v", err)
	}
	list, _ = s.List(ctx, Filter{Status: StatusDone})
	if len(list) != 1 {
		t.Fatalf("done filter len = %d, want 1", len(list))
	}

	if err := s.Delete(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("delete missing = %v", err)
	}
	n, err := s.DeleteAll(ctx)
	if err != nil || n != 2 {
		t.Fatalf("delete all = %d, %v; want 2", n, err)
	}
}

func TestTaskFieldsSnapshot(t *testing.T) {
	task := Task{ID: "x", Title: "t", Description: "d", Status: StatusDone, Priority: PriorityLow, Tags: []string{"a"}}
	f := task.Fields()
	f.Tags[0] = "changed"
	if task.Tags[0] != "a" {
		t.Fatalf("fields aliased tags")
	}
	if f.Title != "t" || f.Description != "d" || f.Status != StatusDone || f.Priority != PriorityLow {
		t.Fatalf("fields = %+v", f)
	}
}
