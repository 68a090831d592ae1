// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/hashicorp/qrscan/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingKV fails every write after fail is set.
type failingKV struct {
	storage.KeyValue
	mu   sync.Mutex
	fail bool
}

func (f *failingKV) setFail(fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func (f *failingKV) failing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fail
}

var errTestWrite = errors.New("write failed")

func (f *failingKV) Put(ctx context.Context, key string, value []byte) error {
	if f.failing() {
		return errTestWrite
	}
	return f.KeyValue.Put(ctx, key, value)
}

func (f *failingKV) Delete(ctx context.Context, key string) error {
	if f.failing() {
		return errTestWrite
	}
	return f.KeyValue.Delete(ctx, key)
}

func testStore(t *testing.T, kv storage.KeyValue) *Store {
	t.Helper()
	s, err := NewStore(kv)
	require.NoError(t, err)
	return s
}

func TestNewStore(t *testing.T) {
	t.Parallel()
	_, err := NewStore(nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNilParameter))
}

func TestStore_SetState(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("persists-before-notify", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		kv := storage.NewMemoryStore()
		s := testStore(t, kv)
		want := testState(t)

		var notified []*AuthState
		s.OnStateChange(func(st *AuthState) {
			b, err := kv.Get(ctx, StateKey)
			require.NoError(err)
			persisted, err := decodeRecord(b)
			require.NoError(err)
			assert.True(st.Equal(persisted))
			notified = append(notified, st)
		})
		require.NoError(s.SetState(ctx, want))
		require.Len(notified, 1)
		assert.True(want.Equal(notified[0]))
		assert.True(want.Equal(s.State()))
	})
	t.Run("equal-is-noop", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		s := testStore(t, storage.NewMemoryStore())
		calls := 0
		s.OnStateChange(func(*AuthState) { calls++ })
		require.NoError(s.SetState(ctx, testState(t)))
		require.NoError(s.SetState(ctx, s.State()))
		assert.Equal(1, calls)
		require.NoError(s.Clear(ctx))
		require.NoError(s.Clear(ctx))
		assert.Equal(2, calls)
	})
	t.Run("invalid-rejected", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		kv := storage.NewMemoryStore()
		s := testStore(t, kv)
		require.NoError(s.SetState(ctx, testState(t)))

		bad := testState(t)
		bad.AccessToken = ""
		err := s.SetState(ctx, bad)
		require.Error(err)
		assert.True(errors.Is(err, ErrInvalidState))
		assert.Equal(testState(t).AccessToken, s.State().AccessToken)

		b, err := kv.Get(ctx, StateKey)
		require.NoError(err)
		persisted, err := decodeRecord(b)
		require.NoError(err)
		assert.Equal(testState(t).AccessToken, persisted.AccessToken)
	})
	t.Run("copies", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		s := testStore(t, storage.NewMemoryStore())
		st := testState(t)
		require.NoError(s.SetState(ctx, st))
		st.AccessToken = "changed"
		got := s.State()
		got.Scopes[0] = "changed"
		assert.Equal(testState(t).AccessToken, s.State().AccessToken)
		assert.Equal("openid", s.State().Scopes[0])
	})
	t.Run("persist-failure", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		kv := &failingKV{KeyValue: storage.NewMemoryStore()}
		s := testStore(t, kv)
		kv.setFail(true)
		err := s.SetState(ctx, testState(t))
		require.Error(err)
		assert.True(errors.Is(err, errTestWrite))
		assert.NotNil(s.State())

		kv.setFail(false)
		require.NoError(s.Persist(ctx))
		_, err = kv.Get(ctx, StateKey)
		require.NoError(err)
	})
}

func TestStore_SetStateIf(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("current-version", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		s := testStore(t, storage.NewMemoryStore())
		require.NoError(s.SetState(ctx, testState(t)))
		st, version := s.StateVersion()
		st.AccessToken = "T2"
		require.NoError(s.SetStateIf(ctx, version, st))
		got, gotVersion := s.StateVersion()
		assert.Equal(st.AccessToken, got.AccessToken)
		assert.Equal(version+1, gotVersion)
	})
	t.Run("superseded", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		kv := storage.NewMemoryStore()
		s := testStore(t, kv)
		require.NoError(s.SetState(ctx, testState(t)))
		st, version := s.StateVersion()
		require.NoError(s.Clear(ctx))

		calls := 0
		s.OnStateChange(func(*AuthState) { calls++ })
		st.AccessToken = "T2"
		err := s.SetStateIf(ctx, version, st)
		require.Error(err)
		assert.Truef(errors.Is(err, ErrStateSuperseded), "wanted \"%s\" but got \"%s\"", ErrStateSuperseded, err)
		assert.Nil(s.State())
		assert.Equal(0, calls)
		_, err = kv.Get(ctx, StateKey)
		assert.True(errors.Is(err, storage.ErrNotFound))
	})
}

func TestStore_Restore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("round-trip-sqlite", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		path := filepath.Join(t.TempDir(), "state.db")
		db, err := storage.OpenSQLite(path)
		require.NoError(err)
		want := testState(t)
		require.NoError(testStore(t, db).SetState(ctx, want))
		require.NoError(db.Close())

		db, err = storage.OpenSQLite(path)
		require.NoError(err)
		t.Cleanup(func() { _ = db.Close() })
		s := testStore(t, db)
		var notified *AuthState
		s.OnStateChange(func(st *AuthState) { notified = st })
		got, err := s.Restore(ctx)
		require.NoError(err)
		assert.True(want.Equal(got))
		assert.True(want.Equal(s.State()))
		assert.True(want.Equal(notified))
	})
	t.Run("cleared-is-absent", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		kv := storage.NewMemoryStore()
		s := testStore(t, kv)
		require.NoError(s.SetState(ctx, testState(t)))
		require.NoError(s.Clear(ctx))
		_, err := kv.Get(ctx, StateKey)
		assert.True(errors.Is(err, storage.ErrNotFound))

		got, err := testStore(t, kv).Restore(ctx)
		require.NoError(err)
		assert.Nil(got)
	})
	t.Run("no-redundant-write", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		kv := &failingKV{KeyValue: storage.NewMemoryStore()}
		require.NoError(testStore(t, kv).SetState(ctx, testState(t)))
		kv.setFail(true)
		got, err := testStore(t, kv).Restore(ctx)
		require.NoError(err)
		assert.NotNil(got)
	})
	t.Run("corrupt", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		kv := storage.NewMemoryStore()
		require.NoError(kv.Put(ctx, StateKey, []byte("{not json")))
		s := testStore(t, kv)
		var reported error
		s.OnAuthError(func(err error) { reported = err })
		got, err := s.Restore(ctx)
		require.NoError(err)
		assert.Nil(got)
		assert.Nil(s.State())
		assert.True(errors.Is(reported, ErrCorruptPersistedState))
		_, err = kv.Get(ctx, StateKey)
		assert.True(errors.Is(err, storage.ErrNotFound))
	})
}

func TestStore_ConcurrentSetState(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	kv := storage.NewMemoryStore()
	s := testStore(t, kv)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st := testState(t)
			st.ResponseState = string(rune('a' + i))
			assert.NoError(s.SetState(ctx, st))
		}(i)
	}
	wg.Wait()

	b, err := kv.Get(ctx, StateKey)
	require.NoError(err)
	persisted, err := decodeRecord(b)
	require.NoError(err)
	assert.True(s.State().Equal(persisted), "persisted state must be the latest state")
}
