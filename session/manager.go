// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package session

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/qrscan/oidc"
	"golang.org/x/sync/singleflight"
)

// refreshKey is the singleflight key shared by every refresh: there's only
// one session per Manager.
const refreshKey = "refresh"

// ResponseCache is a local cache of authorized responses.  SignOut purges
// and disables it so no cached data outlives the session.
type ResponseCache interface {
	Purge()
	Disable()
}

// Manager drives the session lifecycle for a single account: it signs in
// with the authorization code flow with PKCE, keeps the access token fresh
// and signs out.  Create one Manager per process and share it.
type Manager struct {
	config    *oidc.Config
	store     *Store
	presenter oidc.RedirectPresenter
	logger    hclog.Logger

	providerConfig     *oidc.ProviderConfig
	cache              ResponseCache
	maxRefreshFailures int
	requestExpiry      time.Duration
	requestOpts        []oidc.Option
	endSessionURL      string

	flowMu     sync.Mutex
	flowActive bool

	restoreMu sync.Mutex
	restored  bool

	refreshGroup    singleflight.Group
	failMu          sync.Mutex
	refreshFailures int
}

// NewManager creates a Manager for the client configured by c, keeping its
// state in store and handing authorization URLs to presenter.
//
// Supported options: WithLogger, WithProviderConfig, WithResponseCache,
// WithMaxRefreshFailures, WithRequestExpiry, WithRequestOptions,
// WithEndSessionURL
func NewManager(c *oidc.Config, store *Store, presenter oidc.RedirectPresenter, opt ...Option) (*Manager, error) {
	const op = "session.NewManager"
	switch {
	case store == nil:
		return nil, fmt.Errorf("%s: store is nil: %w", op, ErrNilParameter)
	case presenter == nil:
		return nil, fmt.Errorf("%s: presenter is nil: %w", op, ErrNilParameter)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	opts := getManagerOpts(opt...)
	if opts.withMaxRefreshFailures < 0 {
		return nil, fmt.Errorf("%s: max refresh failures is negative: %w", op, ErrInvalidParameter)
	}
	if opts.withProviderConfig != nil {
		if err := opts.withProviderConfig.Validate(); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	if opts.withEndSessionURL != "" {
		if u, err := url.Parse(opts.withEndSessionURL); err != nil || !u.IsAbs() {
			return nil, fmt.Errorf("%s: end session URL %q is not absolute: %w", op, opts.withEndSessionURL, ErrInvalidParameter)
		}
	}
	logger := opts.withLogger
	switch {
	case logger != nil:
	case c.Logger != nil:
		logger = c.Logger
	default:
		logger = hclog.NewNullLogger()
	}
	return &Manager{
		config:             c,
		store:              store,
		presenter:          presenter,
		logger:             logger,
		providerConfig:     opts.withProviderConfig,
		cache:              opts.withResponseCache,
		maxRefreshFailures: opts.withMaxRefreshFailures,
		requestExpiry:      opts.withRequestExpiry,
		requestOpts:        opts.withRequestOptions,
		endSessionURL:      opts.withEndSessionURL,
	}, nil
}

// Store returns the manager's Store.
func (m *Manager) Store() *Store { return m.store }

// State returns a copy of the current AuthState, or nil when signed out.
func (m *Manager) State() *AuthState { return m.store.State() }

// Restore loads the persisted session.  Every operation restores on first
// use, so calling it is only needed to load the session eagerly.
func (m *Manager) Restore(ctx context.Context) error {
	const op = "Manager.Restore"
	m.restoreMu.Lock()
	defer m.restoreMu.Unlock()
	if m.restored {
		return nil
	}
	if _, err := m.store.Restore(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	m.restored = true
	return nil
}

// IsLoggedIn reports whether there's a session.  The access token may still
// need a refresh.
func (m *Manager) IsLoggedIn(ctx context.Context) (bool, error) {
	const op = "Manager.IsLoggedIn"
	if err := m.Restore(ctx); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return m.store.State() != nil, nil
}

// Discover returns the provider configuration, either the one the Manager
// was created with or the one discovered from the issuer.
func (m *Manager) Discover(ctx context.Context) (*oidc.ProviderConfig, error) {
	const op = "Manager.Discover"
	if m.providerConfig != nil {
		pc := *m.providerConfig
		return &pc, nil
	}
	pc, err := oidc.Discover(ctx, m.config.Issuer,
		oidc.WithProviderCA(m.config.ProviderCA),
		oidc.WithTimeout(m.config.Timeout),
		oidc.WithRoundTripper(m.config.RoundTripper),
		oidc.WithLogger(m.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return pc, nil
}

// Login returns the current session when signed in.  Otherwise it
// discovers the provider and runs a new authorization.
func (m *Manager) Login(ctx context.Context) (*AuthState, error) {
	const op = "Manager.Login"
	if err := m.Restore(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if st := m.store.State(); st != nil {
		m.logger.Debug("already signed in", "issuer", st.Issuer)
		return st, nil
	}
	st, err := m.Reauthorize(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return st, nil
}

// Reauthorize runs a new authorization even when signed in and replaces
// the session with its result.  On failure the prior session is cleared,
// unless another authorization was already in progress.
func (m *Manager) Reauthorize(ctx context.Context) (*AuthState, error) {
	const op = "Manager.Reauthorize"
	st, err := m.discoverAndAuthorize(ctx)
	if err != nil {
		if !errors.Is(err, ErrFlowAlreadyInProgress) {
			if clearErr := m.store.Clear(ctx); clearErr != nil {
				err = multierror.Append(err, clearErr)
			}
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := m.store.SetState(ctx, st); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	m.resetRefreshFailures()
	m.logger.Info("signed in", "issuer", st.Issuer, "expiry", st.Expiry)
	return st.Copy(), nil
}

func (m *Manager) discoverAndAuthorize(ctx context.Context) (*AuthState, error) {
	pc, err := m.Discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthorizationFailed, err)
	}
	return m.Authorize(ctx, pc)
}

// Authorize runs one authorization code flow with PKCE against pc and
// returns the resulting AuthState without storing it.  Only one flow runs
// at a time: a concurrent call fails with ErrFlowAlreadyInProgress.  Every
// other failure wraps ErrAuthorizationFailed.
func (m *Manager) Authorize(ctx context.Context, pc *oidc.ProviderConfig) (*AuthState, error) {
	const op = "Manager.Authorize"
	m.flowMu.Lock()
	if m.flowActive {
		m.flowMu.Unlock()
		return nil, fmt.Errorf("%s: %w", op, ErrFlowAlreadyInProgress)
	}
	m.flowActive = true
	m.flowMu.Unlock()
	defer func() {
		m.flowMu.Lock()
		m.flowActive = false
		m.flowMu.Unlock()
	}()

	st, err := m.authorize(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrAuthorizationFailed, err)
	}
	return st, nil
}

func (m *Manager) authorize(ctx context.Context, pc *oidc.ProviderConfig) (*AuthState, error) {
	p, err := oidc.NewProvider(m.config, pc)
	if err != nil {
		return nil, err
	}
	defer p.Done()

	reqOpts := append([]oidc.Option{
		oidc.WithScopes(m.config.Scopes...),
		oidc.WithNow(m.config.NowFunc),
	}, m.requestOpts...)
	req, err := oidc.NewRequest(m.requestExpiry, m.config.RedirectURL, reqOpts...)
	if err != nil {
		return nil, err
	}
	authURL, err := p.AuthURL(ctx, req)
	if err != nil {
		return nil, err
	}
	m.logger.Debug("presenting authorization request", "authorization_endpoint", pc.AuthURL, "scopes", req.Scopes())
	resp, err := m.presenter.Present(ctx, authURL, req.RedirectURL())
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("presenter returned no response: %w", oidc.ErrLoginFailed)
	}
	tk, err := p.Exchange(ctx, req, resp.State, resp.Code)
	if err != nil {
		return nil, err
	}
	return newAuthState(m.config, pc, req, resp, tk, m.config.Now()), nil
}

// FreshToken returns an access token that's valid beyond the expiry skew,
// refreshing it first when needed.  Concurrent callers share a single
// refresh, and the refreshed state is persisted before it's returned.
func (m *Manager) FreshToken(ctx context.Context) (oidc.AccessToken, error) {
	const op = "Manager.FreshToken"
	if err := m.Restore(ctx); err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	st := m.store.State()
	if st == nil {
		return "", fmt.Errorf("%s: %w", op, ErrNotSignedIn)
	}
	if !st.IsExpired(m.config.Now(), m.expirySkew()) {
		m.logger.Debug("serving fresh access token", "expiry", st.Expiry)
		return st.AccessToken, nil
	}

	// the refresh outlives a cancelled caller since others may share it
	ch := m.refreshGroup.DoChan(refreshKey, func() (interface{}, error) {
		return m.refresh(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("%s: %w", op, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return "", fmt.Errorf("%s: %w", op, res.Err)
		}
		return res.Val.(*AuthState).AccessToken, nil
	}
}

// WithFreshToken runs fn with a fresh access token.  fn doesn't run when
// no fresh token is available.
func (m *Manager) WithFreshToken(ctx context.Context, fn func(context.Context, oidc.AccessToken) error) error {
	const op = "Manager.WithFreshToken"
	if fn == nil {
		return fmt.Errorf("%s: action is nil: %w", op, ErrNilParameter)
	}
	tk, err := m.FreshToken(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fn(ctx, tk)
}

// refresh runs inside the singleflight group.  Its result is committed only
// while the state it started from is still current.
func (m *Manager) refresh(ctx context.Context) (*AuthState, error) {
	st, version := m.store.StateVersion()
	if st == nil {
		return nil, ErrNotSignedIn
	}
	// a refresh that finished before this flight started already did the work
	if !st.IsExpired(m.config.Now(), m.expirySkew()) {
		m.logger.Debug("serving fresh access token", "expiry", st.Expiry)
		return st, nil
	}
	if st.RefreshToken == "" {
		return nil, m.refreshFailed(ctx, st, version, fmt.Errorf("%w: %w", oidc.ErrTokenRefreshFailed, oidc.ErrMissingRefreshToken))
	}
	pc := st.Provider
	if pc == nil {
		var err error
		if pc, err = m.Discover(ctx); err != nil {
			return nil, m.refreshFailed(ctx, st, version, fmt.Errorf("%w: %w", oidc.ErrTokenRefreshFailed, err))
		}
	}
	p, err := oidc.NewProvider(m.config, pc)
	if err != nil {
		return nil, m.refreshFailed(ctx, st, version, fmt.Errorf("%w: %w", oidc.ErrTokenRefreshFailed, err))
	}
	defer p.Done()

	tk, err := p.Refresh(ctx, st.RefreshToken)
	if err != nil {
		return nil, m.refreshFailed(ctx, st, version, err)
	}
	refreshed := st.withToken(tk)
	if err := m.store.SetStateIf(ctx, version, refreshed); err != nil {
		if errors.Is(err, ErrStateSuperseded) {
			m.logger.Debug("discarding refreshed token for a replaced auth state")
		}
		return nil, err
	}
	m.resetRefreshFailures()
	m.logger.Debug("serving refreshed access token", "expiry", refreshed.Expiry)
	return refreshed, nil
}

// refreshFailed records a failed refresh and returns err.  Provider
// rejections are kept in the state's error slot.
func (m *Manager) refreshFailed(ctx context.Context, st *AuthState, version uint64, err error) error {
	if oidc.IsProviderRejection(err) {
		v, setErr := m.store.commit(ctx, st.withError(err, m.config.Now()), &version)
		switch {
		case errors.Is(setErr, ErrStateSuperseded):
			m.logger.Debug("discarding refresh failure for a replaced auth state", "error", err)
			return fmt.Errorf("%w: %w", err, setErr)
		case setErr != nil:
			m.logger.Warn("unable to record refresh failure", "error", setErr)
		}
		version = v
	}

	m.failMu.Lock()
	m.refreshFailures++
	failures := m.refreshFailures
	m.failMu.Unlock()

	m.logger.Warn("token refresh failed", "consecutive_failures", failures, "error", err)
	m.store.reportError(err)

	if m.maxRefreshFailures > 0 && failures >= m.maxRefreshFailures {
		m.logger.Warn("clearing session after consecutive refresh failures", "consecutive_failures", failures)
		m.resetRefreshFailures()
		if clearErr := m.store.SetStateIf(ctx, version, nil); clearErr != nil {
			m.logger.Warn("unable to clear session", "error", clearErr)
		}
		return fmt.Errorf("%w: %w", ErrRefreshFailuresReached, err)
	}
	return err
}

func (m *Manager) resetRefreshFailures() {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	m.refreshFailures = 0
}

// RefreshFailures returns the number of consecutive failed refreshes.
func (m *Manager) RefreshFailures() int {
	m.failMu.Lock()
	defer m.failMu.Unlock()
	return m.refreshFailures
}

// SignOut ends the session.  When the provider has an end_session_endpoint
// and there's an id_token, it asks the provider to end its session too.  A
// failure to do so is reported to the OnAuthError observer as
// ErrLogoutRemoteFailed but doesn't fail SignOut.  The local session is always cleared
// and the response cache purged and disabled.  SignOut is idempotent and
// only returns local failures.
func (m *Manager) SignOut(ctx context.Context) error {
	const op = "Manager.SignOut"
	var result *multierror.Error
	if err := m.Restore(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("%s: %w", op, err))
	}

	if st := m.store.State(); st != nil && st.IDToken != "" && st.Provider != nil {
		if err := m.endSession(ctx, st); err != nil {
			err = fmt.Errorf("%s: %w: %w", op, ErrLogoutRemoteFailed, err)
			m.logger.Warn("remote logout failed", "error", err)
			m.store.reportError(err)
		}
	}

	if err := m.store.Clear(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("%s: %w", op, err))
	}
	if m.cache != nil {
		m.cache.Purge()
		m.cache.Disable()
	}
	m.resetRefreshFailures()
	m.logger.Info("signed out")
	return result.ErrorOrNil()
}

// endSession is a no-op when neither the provider nor WithEndSessionURL
// name an end_session_endpoint.
func (m *Manager) endSession(ctx context.Context, st *AuthState) error {
	pc := st.Provider
	if pc.EndSessionURL == "" {
		if m.endSessionURL == "" {
			return nil
		}
		fallback := *pc
		fallback.EndSessionURL = m.endSessionURL
		pc = &fallback
	}
	p, err := oidc.NewProvider(m.config, pc)
	if err != nil {
		return err
	}
	defer p.Done()
	return p.EndSession(ctx, st.IDToken)
}

func (m *Manager) expirySkew() time.Duration {
	if m.config.ExpirySkew == 0 {
		return oidc.DefaultExpirySkew
	}
	return m.config.ExpirySkew
}
