// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package storage provides the process-durable key-value storage used for the
// persisted authorization state and application settings.
package storage

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrNotFound is returned by Get when the key has no value.
	ErrNotFound = errors.New("key not found")

	// ErrInvalidKey is returned for empty keys.
	ErrInvalidKey = errors.New("invalid key")
)

// KeyValue is a durable key-value store.  Put replaces the whole value
// atomically: a reader never observes a partially written value.
type KeyValue interface {
	// Get returns the value for key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key.  Deleting a missing key isn't an error.
	Delete(ctx context.Context, key string) error
}

func validKey(key string) bool {
	return strings.TrimSpace(key) != ""
}
