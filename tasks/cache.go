package tasks

import "sync"

// Cache is the locally held task list. It is eventually consistent with the
// store and never authoritative.
type Cache struct {
	mu     sync.RWMutex
	tasks  []Task
	loaded bool
}

func NewCache() *Cache {
	return &Cache{}
}

// Replace swaps in a freshly listed set
func (c *Cache) Replace(list []Task) {
	cp := make([]Task, len(list))
	copy(cp, list)
	c.mu.Lock()
	c.tasks = cp
	c.loaded = true
	c.mu.Unlock()
}

// Snapshot returns a copy of the cached tasks
func (c *Cache) Snapshot() []Task {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Task, len(c.tasks))
	copy(out, c.tasks)
	return out
}

// Find looks a task up by id
func (c *Cache) Find(id string) (Task, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, t := range c.tasks {
		if t.ID == id {
			return t, true
		}
	}
	return Task{}, false
}

// Clear empties the cache; it stays marked as loaded
func (c *Cache) Clear() {
	c.mu.Lock()
	c.tasks = nil
	c.loaded = true
	c.mu.Unlock()
}

func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.tasks)
}

// Loaded reports whether the cache was ever filled from the store
func (c *Cache) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}
