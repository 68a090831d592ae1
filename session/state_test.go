// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package session

import (
	"errors"
	"testing"
	"time"

	"github.com/hashicorp/qrscan/oidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

func testState(t *testing.T) *AuthState {
	t.Helper()
	now := time.Now().Round(time.Second)
	return &AuthState{
		AccessToken:  "T1",
		RefreshToken: "R1",
		IDToken:      "header.claims.signature",
		TokenType:    "Bearer",
		Expiry:       now.Add(time.Hour),
		Issuer:       "https://issuer.example.com",
		ClientID:     "qrscan-test-client",
		RedirectURL:  "qrscan:/oauth2redirect",
		Scopes:       []string{"openid", "profile"},
		Provider: &oidc.ProviderConfig{
			Issuer:                 "https://issuer.example.com",
			AuthURL:                "https://issuer.example.com/auth",
			TokenURL:               "https://issuer.example.com/token",
			JWKSURL:                "https://issuer.example.com/certs",
			EndSessionURL:          "https://issuer.example.com/end_session",
			ResponseTypesSupported: []string{"code"},
		},
		ResponseState: "st_abc",
		GrantedScope:  "openid profile",
		AuthorizedAt:  now,
	}
}

func TestAuthState_Validate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		state     *AuthState
		wantErr   bool
		wantIsErr error
	}{
		{name: "valid", state: testState(t)},
		{name: "nil", wantErr: true, wantIsErr: ErrInvalidState},
		{name: "missing-access-token", state: func() *AuthState { s := testState(t); s.AccessToken = ""; return s }(), wantErr: true, wantIsErr: ErrInvalidState},
		{name: "missing-expiry", state: func() *AuthState { s := testState(t); s.Expiry = time.Time{}; return s }(), wantErr: true, wantIsErr: ErrInvalidState},
		{name: "only-required", state: &AuthState{AccessToken: "T1", Expiry: time.Now()}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			err := tt.state.Validate()
			if tt.wantErr {
				require.Error(err)
				assert.Truef(errors.Is(err, tt.wantIsErr), "wanted \"%s\" but got \"%s\"", tt.wantIsErr, err)
				return
			}
			require.NoError(err)
		})
	}
}

func TestAuthState_CopyEqual(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	s := testState(t)
	c := s.Copy()
	assert.True(s.Equal(c))
	assert.NotSame(s.Provider, c.Provider)

	c.Scopes[0] = "email"
	c.Provider.ResponseTypesSupported[0] = "token"
	assert.Equal("openid", s.Scopes[0])
	assert.Equal("code", s.Provider.ResponseTypesSupported[0])
	assert.False(s.Equal(c))

	var none *AuthState
	assert.Nil(none.Copy())
	assert.True(none.Equal(nil))
	assert.False(none.Equal(s))
	assert.False(s.Equal(nil))

	// same instant, different location and monotonic reading
	c = s.Copy()
	c.Expiry = s.Expiry.UTC()
	assert.True(s.Equal(c))

	c = s.Copy()
	c.LastError = "invalid_grant"
	assert.False(s.Equal(c))
}

func TestAuthState_IsExpired(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	now := time.Now()
	s := &AuthState{AccessToken: "T1", Expiry: now.Add(time.Minute)}
	assert.False(s.IsExpired(now, 10*time.Second))
	assert.True(s.IsExpired(now.Add(55*time.Second), 10*time.Second))
	assert.True(s.IsExpired(now.Add(2*time.Minute), 0))

	var none *AuthState
	assert.True(none.IsExpired(now, 0))
}

func TestAuthState_withToken(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	s := testState(t)
	s = s.withError(errors.New("invalid_grant"), time.Now())
	require.NotEmpty(s.LastError)

	expiry := time.Now().Add(2 * time.Hour)
	tk, err := oidc.NewToken("", &oauth2.Token{AccessToken: "T2", TokenType: "Bearer", Expiry: expiry})
	require.NoError(err)
	got := s.withToken(tk)
	assert.Equal(oidc.AccessToken("T2"), got.AccessToken)
	assert.Equal(s.RefreshToken, got.RefreshToken)
	assert.Equal(s.IDToken, got.IDToken)
	assert.True(expiry.Equal(got.Expiry))
	assert.Empty(got.LastError)
	assert.True(got.LastErrorAt.IsZero())
	assert.Equal(oidc.AccessToken("T1"), s.AccessToken, "original must not change")

	tk, err = oidc.NewToken("rotated.id.token", &oauth2.Token{AccessToken: "T3", RefreshToken: "R2", Expiry: expiry})
	require.NoError(err)
	got = s.withToken(tk)
	assert.Equal(oidc.RefreshToken("R2"), got.RefreshToken)
	assert.Equal(oidc.IDToken("rotated.id.token"), got.IDToken)
}

func TestRecord(t *testing.T) {
	t.Parallel()
	t.Run("round-trip", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		s := testState(t)
		b, err := encodeRecord(s)
		require.NoError(err)
		assert.Contains(string(b), `"version":1`)
		assert.Contains(string(b), `"access_token":"T1"`)
		assert.NotContains(string(b), "REDACTED")

		got, err := decodeRecord(b)
		require.NoError(err)
		assert.True(s.Equal(got))
	})
	t.Run("no-state", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		b, err := encodeRecord(nil)
		require.NoError(err)
		got, err := decodeRecord(b)
		require.NoError(err)
		assert.Nil(got)
	})
	t.Run("unknown-fields", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		got, err := decodeRecord([]byte(`{"version":1,"extra":true,"state":{"access_token":"T1","expiry":"2030-01-01T00:00:00Z","color":"blue"}}`))
		require.NoError(err)
		assert.Equal(oidc.AccessToken("T1"), got.AccessToken)
	})

	corrupt := []struct {
		name string
		data string
	}{
		{name: "not-json", data: "\x00\x01garbage"},
		{name: "empty", data: ""},
		{name: "no-version", data: `{"state":{"access_token":"T1","expiry":"2030-01-01T00:00:00Z"}}`},
		{name: "future-version", data: `{"version":2,"state":{"access_token":"T1","expiry":"2030-01-01T00:00:00Z"}}`},
		{name: "missing-access-token", data: `{"version":1,"state":{"expiry":"2030-01-01T00:00:00Z"}}`},
		{name: "missing-expiry", data: `{"version":1,"state":{"access_token":"T1"}}`},
		{name: "bad-expiry", data: `{"version":1,"state":{"access_token":"T1","expiry":"tomorrow"}}`},
	}
	for _, tt := range corrupt {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := decodeRecord([]byte(tt.data))
			require.Error(t, err)
			assert.Nil(t, got)
			assert.Truef(t, errors.Is(err, ErrCorruptPersistedState), "wanted \"%s\" but got \"%s\"", ErrCorruptPersistedState, err)
		})
	}
}
