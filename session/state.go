// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package session

import (
	"fmt"
	"reflect"
	"slices"
	"time"

	"github.com/hashicorp/qrscan/oidc"
)

// AuthState is the durable session record: the last token response, the
// request and response metadata that produced it, and the last error
// encountered.  A nil *AuthState means signed out.  A non-nil AuthState
// always has an access token and its expiry.
//
// AuthState values handed out by the Store are copies; mutate the session
// only through Store.SetState.
type AuthState struct {
	AccessToken  oidc.AccessToken
	RefreshToken oidc.RefreshToken
	IDToken      oidc.IDToken
	TokenType    string
	Expiry       time.Time

	// request metadata
	Issuer      string
	ClientID    string
	RedirectURL string
	Scopes      []string

	// Provider holds the endpoints needed to refresh and end the session
	// after a restart without repeating discovery.
	Provider *oidc.ProviderConfig

	// response metadata
	ResponseState string
	GrantedScope  string
	AuthorizedAt  time.Time

	// error slot
	LastError   string
	LastErrorAt time.Time
}

// Validate returns ErrInvalidState unless the state has an access token and
// an expiry.
func (s *AuthState) Validate() error {
	const op = "AuthState.Validate"
	switch {
	case s == nil:
		return fmt.Errorf("%s: auth state is nil: %w", op, ErrInvalidState)
	case s.AccessToken == "":
		return fmt.Errorf("%s: access token is missing: %w", op, ErrInvalidState)
	case s.Expiry.IsZero():
		return fmt.Errorf("%s: access token expiry is missing: %w", op, ErrInvalidState)
	}
	return nil
}

// IsExpired reports whether the access token expires within skew of now.
func (s *AuthState) IsExpired(now time.Time, skew time.Duration) bool {
	if s == nil {
		return true
	}
	return oidc.IsExpired(s.Expiry, now, skew)
}

// Copy returns a deep copy.
func (s *AuthState) Copy() *AuthState {
	if s == nil {
		return nil
	}
	c := *s
	c.Scopes = slices.Clone(s.Scopes)
	if s.Provider != nil {
		pc := *s.Provider
		pc.ResponseTypesSupported = slices.Clone(s.Provider.ResponseTypesSupported)
		pc.ScopesSupported = slices.Clone(s.Provider.ScopesSupported)
		c.Provider = &pc
	}
	return &c
}

// Equal reports whether both states hold the same values.  Times are
// compared with time.Time.Equal.
func (s *AuthState) Equal(o *AuthState) bool {
	switch {
	case s == nil || o == nil:
		return s == nil && o == nil
	case s.AccessToken != o.AccessToken,
		s.RefreshToken != o.RefreshToken,
		s.IDToken != o.IDToken,
		s.TokenType != o.TokenType,
		!s.Expiry.Equal(o.Expiry),
		s.Issuer != o.Issuer,
		s.ClientID != o.ClientID,
		s.RedirectURL != o.RedirectURL,
		!slices.Equal(s.Scopes, o.Scopes),
		s.ResponseState != o.ResponseState,
		s.GrantedScope != o.GrantedScope,
		!s.AuthorizedAt.Equal(o.AuthorizedAt),
		s.LastError != o.LastError,
		!s.LastErrorAt.Equal(o.LastErrorAt):
		return false
	}
	return reflect.DeepEqual(normalizeProvider(s.Provider), normalizeProvider(o.Provider))
}

func normalizeProvider(pc *oidc.ProviderConfig) *oidc.ProviderConfig {
	if pc == nil {
		return nil
	}
	c := *pc
	if len(c.ResponseTypesSupported) == 0 {
		c.ResponseTypesSupported = nil
	}
	if len(c.ScopesSupported) == 0 {
		c.ScopesSupported = nil
	}
	return &c
}

// withToken returns a copy updated with a refreshed token.  The refresh and
// id tokens are kept unless the provider rotated them, and the error slot is
// cleared.
func (s *AuthState) withToken(tk *oidc.Tk) *AuthState {
	c := s.Copy()
	c.AccessToken = tk.AccessToken()
	c.TokenType = tk.TokenType()
	c.Expiry = tk.Expiry()
	if tk.RefreshToken() != "" {
		c.RefreshToken = tk.RefreshToken()
	}
	if tk.IDToken() != "" {
		c.IDToken = tk.IDToken()
	}
	if scope := tk.GrantedScope(); scope != "" {
		c.GrantedScope = scope
	}
	c.LastError, c.LastErrorAt = "", time.Time{}
	return c
}

// withError returns a copy with the error slot set.
func (s *AuthState) withError(err error, at time.Time) *AuthState {
	c := s.Copy()
	c.LastError = err.Error()
	c.LastErrorAt = at
	return c
}

// newAuthState builds the state produced by a successful authorization.
func newAuthState(c *oidc.Config, pc *oidc.ProviderConfig, r *oidc.Req, resp *oidc.AuthResponse, tk *oidc.Tk, now time.Time) *AuthState {
	pcCopy := *pc
	return &AuthState{
		AccessToken:   tk.AccessToken(),
		RefreshToken:  tk.RefreshToken(),
		IDToken:       tk.IDToken(),
		TokenType:     tk.TokenType(),
		Expiry:        tk.Expiry(),
		Issuer:        c.Issuer,
		ClientID:      c.ClientID,
		RedirectURL:   r.RedirectURL(),
		Scopes:        slices.Clone(r.Scopes()),
		Provider:      &pcCopy,
		ResponseState: resp.State,
		GrantedScope:  tk.GrantedScope(),
		AuthorizedAt:  now,
	}
}
