// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package storage

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory KeyValue.  It's durable only for the life of
// the process, which makes it suitable for tests.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string][]byte
}

var _ KeyValue = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: map[string][]byte{}}
}

// Get implements KeyValue.
func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	const op = "MemoryStore.Get"
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !validKey(key) {
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidKey)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return nil, fmt.Errorf("%s: %q: %w", op, key, ErrNotFound)
	}
	return append([]byte(nil), v...), nil
}

// Put implements KeyValue.
func (m *MemoryStore) Put(ctx context.Context, key string, value []byte) error {
	const op = "MemoryStore.Put"
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !validKey(key) {
		return fmt.Errorf("%s: %w", op, ErrInvalidKey)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values == nil {
		m.values = map[string][]byte{}
	}
	m.values[key] = append([]byte(nil), value...)
	return nil
}

// Delete implements KeyValue.
func (m *MemoryStore) Delete(ctx context.Context, key string) error {
	const op = "MemoryStore.Delete"
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if !validKey(key) {
		return fmt.Errorf("%s: %w", op, ErrInvalidKey)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}
