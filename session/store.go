// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/qrscan/storage"
)

// Store is the single owner of the AuthState.  It persists every committed
// change to its storage before notifying the state-changed observer and
// hands out copies to readers.
type Store struct {
	kv     storage.KeyValue
	logger hclog.Logger

	mu            sync.RWMutex
	state         *AuthState
	version       uint64
	onStateChange func(*AuthState)
	onAuthError   func(error)

	// persistMu sequences writes to kv; persisted is the version of the
	// last successful write.
	persistMu sync.Mutex
	persisted uint64
}

// NewStore creates a Store backed by kv.  The store starts signed out: call
// Restore to load the persisted state.
//
// Supported options: WithLogger
func NewStore(kv storage.KeyValue, opt ...Option) (*Store, error) {
	const op = "session.NewStore"
	if kv == nil {
		return nil, fmt.Errorf("%s: storage is nil: %w", op, ErrNilParameter)
	}
	opts := getStoreOpts(opt...)
	return &Store{
		kv:     kv,
		logger: opts.withLogger,
	}, nil
}

// State returns a copy of the current AuthState, or nil when signed out.
func (s *Store) State() *AuthState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Copy()
}

// OnStateChange registers the observer invoked after every committed state
// change.  It replaces any previous observer; nil removes it.
func (s *Store) OnStateChange(fn func(*AuthState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onStateChange = fn
}

// OnAuthError registers the observer invoked with authorization errors
// that don't surface to a caller (corrupt persisted state, failed refresh).
func (s *Store) OnAuthError(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAuthError = fn
}

// SetState replaces the current AuthState.  A nil st signs out.  Setting a
// state equal to the current one is a no-op.  Otherwise the new state is
// committed, persisted and then the state-changed observer is notified.  A
// persistence error is returned after the observer runs: the in-memory state
// stays committed.
func (s *Store) SetState(ctx context.Context, st *AuthState) error {
	const op = "Store.SetState"
	if _, err := s.commit(ctx, st, nil); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// StateVersion returns a copy of the current AuthState along with its
// version.  The version changes with every committed change and is used
// with SetStateIf.
func (s *Store) StateVersion() (*AuthState, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Copy(), s.version
}

// SetStateIf is SetState when the current version is still version.  It
// returns ErrStateSuperseded, leaving the state untouched, once another
// change has been committed.
func (s *Store) SetStateIf(ctx context.Context, version uint64, st *AuthState) error {
	const op = "Store.SetStateIf"
	if _, err := s.commit(ctx, st, &version); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// commit installs st when base is nil or matches the current version and
// returns the version st was committed as.
func (s *Store) commit(ctx context.Context, st *AuthState, base *uint64) (uint64, error) {
	if st != nil {
		if err := st.Validate(); err != nil {
			return 0, err
		}
	}

	s.mu.Lock()
	if base != nil && *base != s.version {
		current := s.version
		s.mu.Unlock()
		return current, fmt.Errorf("version %d replaced by %d: %w", *base, current, ErrStateSuperseded)
	}
	if s.state.Equal(st) {
		current := s.version
		s.mu.Unlock()
		return current, nil
	}
	s.state = st.Copy()
	s.version++
	version, snapshot, observer := s.version, s.state.Copy(), s.onStateChange
	s.mu.Unlock()

	err := s.persist(ctx, version, snapshot)
	if snapshot == nil {
		s.logger.Debug("auth state cleared", "version", version)
	} else {
		s.logger.Debug("auth state saved", "version", version, "expiry", snapshot.Expiry)
	}
	if observer != nil {
		observer(snapshot.Copy())
	}
	return version, err
}

// Clear signs out: it's SetState(ctx, nil).
func (s *Store) Clear(ctx context.Context) error {
	const op = "Store.Clear"
	if err := s.SetState(ctx, nil); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Persist writes the current AuthState to storage, or removes the persisted
// record when signed out.
func (s *Store) Persist(ctx context.Context) error {
	const op = "Store.Persist"
	s.mu.RLock()
	version, snapshot := s.version, s.state.Copy()
	s.mu.RUnlock()
	if err := s.persist(ctx, version, snapshot); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// persist writes snapshot unless a newer version has already been written.
func (s *Store) persist(ctx context.Context, version uint64, snapshot *AuthState) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if version < s.persisted {
		return nil
	}
	if snapshot == nil {
		if err := s.kv.Delete(ctx, StateKey); err != nil {
			return fmt.Errorf("unable to delete persisted auth state: %w", err)
		}
	} else {
		b, err := encodeRecord(snapshot)
		if err != nil {
			return err
		}
		if err := s.kv.Put(ctx, StateKey, b); err != nil {
			return fmt.Errorf("unable to persist auth state: %w", err)
		}
	}
	s.persisted = version
	return nil
}

// Restore loads the persisted AuthState and installs it as the current
// state.  An absent record restores the signed-out state.  A corrupt record
// is removed, reported to the auth-error observer and treated as absent.
// Only storage read failures are returned.
func (s *Store) Restore(ctx context.Context) (*AuthState, error) {
	const op = "Store.Restore"
	b, err := s.kv.Get(ctx, StateKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		s.install(nil)
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("%s: unable to read persisted auth state: %w", op, err)
	}

	st, err := decodeRecord(b)
	if err != nil {
		err = fmt.Errorf("%s: %w", op, err)
		s.logger.Warn("discarding corrupt persisted auth state", "error", err)
		if delErr := s.kv.Delete(ctx, StateKey); delErr != nil {
			s.logger.Warn("unable to remove corrupt persisted auth state", "error", delErr)
		}
		s.install(nil)
		s.reportError(err)
		return nil, nil
	}
	s.install(st)
	s.logger.Debug("auth state loaded", "signed_in", st != nil)
	return st.Copy(), nil
}

// install commits st as the state matching storage, so no write follows.
func (s *Store) install(st *AuthState) {
	s.persistMu.Lock()
	s.mu.Lock()
	if s.state.Equal(st) {
		s.mu.Unlock()
		s.persistMu.Unlock()
		return
	}
	s.state = st.Copy()
	s.version++
	s.persisted = s.version
	snapshot, observer := s.state.Copy(), s.onStateChange
	s.mu.Unlock()
	s.persistMu.Unlock()

	if observer != nil {
		observer(snapshot)
	}
}

func (s *Store) reportError(err error) {
	s.mu.RLock()
	observer := s.onAuthError
	s.mu.RUnlock()
	if observer != nil {
		observer(err)
	}
}
