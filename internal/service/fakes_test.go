package service

import (
	"context"
	"sort"
	"sync"

	"github.com/atinyakov/GophPass/internal/models"
	"github.com/atinyakov/GophPass/internal/pass"
)

// memStore is an in-memory EntryStore.
type memStore struct {
	mu      sync.Mutex
	entries map[string][]byte
	readErr map[string]error
	writes  int
}

func newMemStore() *memStore {
	return &memStore{entries: make(map[string][]byte), readErr: make(map[string]error)}
}

func (m *memStore) put(path string, e models.Entry) {
	m.entries[path] = pass.Encode(e)
}

func (m *memStore) List(context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var paths []string
	for p := range m.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths, nil
}

func (m *memStore) Read(_ context.Context, path string) (models.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.readErr[path]; err != nil {
		return models.Entry{}, err
	}
	raw, ok := m.entries[path]
	if !ok {
		return models.Entry{}, pass.ErrNotFound
	}
	return pass.Decode(path, raw)
}

func (m *memStore) Write(_ context.Context, path string, e models.Entry) error {
	if err := pass.ValidateEntry(e); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[path] = pass.Encode(e)
	m.writes++
	return nil
}

func (m *memStore) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[path]; !ok {
		return pass.ErrNotFound
	}
	delete(m.entries, path)
	return nil
}

func (m *memStore) Exists(path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[path]
	return ok, nil
}

type countingTrigger struct {
	mu        sync.Mutex
	n         int
	exclusive int
}

func (c *countingTrigger) Exclusive(fn func() error) error {
	c.mu.Lock()
	c.exclusive++
	c.mu.Unlock()
	return fn()
}

func (c *countingTrigger) Trigger() {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
}

func (c *countingTrigger) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
