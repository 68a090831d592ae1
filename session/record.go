// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package session

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/hashicorp/qrscan/oidc"
)

const (
	// StateKey is the storage key holding the persisted auth state.
	StateKey = "authState"

	// recordVersion is the newest record format this package can decode.
	recordVersion = 1
)

// storedRecord is the persisted form of an AuthState.  Tokens are stored as
// plain strings since the token types redact themselves when marshaled.
type storedRecord struct {
	Version int          `json:"version"`
	State   *recordState `json:"state,omitempty"`
}

type recordState struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	TokenType    string    `json:"token_type,omitempty"`
	Expiry       time.Time `json:"expiry"`

	Issuer      string               `json:"issuer,omitempty"`
	ClientID    string               `json:"client_id,omitempty"`
	RedirectURL string               `json:"redirect_uri,omitempty"`
	Scopes      []string             `json:"scopes,omitempty"`
	Provider    *oidc.ProviderConfig `json:"provider,omitempty"`

	ResponseState string    `json:"response_state,omitempty"`
	GrantedScope  string    `json:"granted_scope,omitempty"`
	AuthorizedAt  time.Time `json:"authorized_at"`

	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at"`
}

func encodeRecord(s *AuthState) ([]byte, error) {
	const op = "session.encodeRecord"
	r := storedRecord{Version: recordVersion}
	if s != nil {
		r.State = &recordState{
			AccessToken:   string(s.AccessToken),
			RefreshToken:  string(s.RefreshToken),
			IDToken:       string(s.IDToken),
			TokenType:     s.TokenType,
			Expiry:        s.Expiry,
			Issuer:        s.Issuer,
			ClientID:      s.ClientID,
			RedirectURL:   s.RedirectURL,
			Scopes:        s.Scopes,
			Provider:      s.Provider,
			ResponseState: s.ResponseState,
			GrantedScope:  s.GrantedScope,
			AuthorizedAt:  s.AuthorizedAt,
			LastError:     s.LastError,
			LastErrorAt:   s.LastErrorAt,
		}
	}
	b, err := json.Marshal(&r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return b, nil
}

// decodeRecord returns the AuthState held by b, which is nil for a record
// without a state.  Any record it can't trust is ErrCorruptPersistedState.
func decodeRecord(b []byte) (*AuthState, error) {
	const op = "session.decodeRecord"
	var r storedRecord
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrCorruptPersistedState, err)
	}
	if r.Version < 1 || r.Version > recordVersion {
		return nil, fmt.Errorf("%s: unsupported record version %d: %w", op, r.Version, ErrCorruptPersistedState)
	}
	if r.State == nil {
		return nil, nil
	}
	s := &AuthState{
		AccessToken:   oidc.AccessToken(r.State.AccessToken),
		RefreshToken:  oidc.RefreshToken(r.State.RefreshToken),
		IDToken:       oidc.IDToken(r.State.IDToken),
		TokenType:     r.State.TokenType,
		Expiry:        r.State.Expiry,
		Issuer:        r.State.Issuer,
		ClientID:      r.State.ClientID,
		RedirectURL:   r.State.RedirectURL,
		Scopes:        r.State.Scopes,
		Provider:      r.State.Provider,
		ResponseState: r.State.ResponseState,
		GrantedScope:  r.State.GrantedScope,
		AuthorizedAt:  r.State.AuthorizedAt,
		LastError:     r.State.LastError,
		LastErrorAt:   r.State.LastErrorAt,
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrCorruptPersistedState, err)
	}
	return s, nil
}
