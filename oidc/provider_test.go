// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"golang.org/x/text/language"
	"gopkg.in/square/go-jose.v2/jwt"
)

const testRedirectURL = "qrscan:/oauth2redirect"

func testProvider(t *testing.T, tp *TestProvider, opt ...Option) *Provider {
	t.Helper()
	require := require.New(t)
	opt = append([]Option{WithProviderCA(tp.CACert())}, opt...)
	c, err := NewConfig(tp.Addr(), tp.ClientID(), testRedirectURL, opt...)
	require.NoError(err)
	p, err := NewProvider(c, tp.ProviderConfig())
	require.NoError(err)
	t.Cleanup(p.Done)
	return p
}

// testFollowAuthURL plays the user agent: it requests the authURL and returns
// the provider's redirect without following it.
func testFollowAuthURL(t *testing.T, p *Provider, authURL string) *url.URL {
	t.Helper()
	require := require.New(t)
	client := *p.HTTPClient()
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	resp, err := client.Get(authURL)
	require.NoError(err)
	defer resp.Body.Close()
	require.Equal(http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(err)
	return loc
}

func TestNewProvider(t *testing.T) {
	t.Parallel()
	tp := StartTestProvider(t)
	c, err := NewConfig(tp.Addr(), tp.ClientID(), testRedirectURL, WithProviderCA(tp.CACert()))
	require.NoError(t, err)

	tests := []struct {
		name      string
		config    *Config
		pc        *ProviderConfig
		wantErr   bool
		wantIsErr error
	}{
		{name: "valid", config: c, pc: tp.ProviderConfig()},
		{name: "nil-config", pc: tp.ProviderConfig(), wantErr: true, wantIsErr: ErrNilParameter},
		{name: "nil-provider-config", config: c, wantErr: true, wantIsErr: ErrNilParameter},
		{name: "missing-token-url", config: c, pc: &ProviderConfig{AuthURL: tp.Addr() + "/auth"}, wantErr: true, wantIsErr: ErrInvalidParameter},
		{name: "invalid-config", config: &Config{}, pc: tp.ProviderConfig(), wantErr: true, wantIsErr: ErrInvalidIssuer},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			got, err := NewProvider(tt.config, tt.pc)
			if tt.wantErr {
				require.Error(err)
				assert.Truef(errors.Is(err, tt.wantIsErr), "wanted \"%s\" but got \"%s\"", tt.wantIsErr, err)
				return
			}
			require.NoError(err)
			defer got.Done()
			assert.Equal(tt.pc, got.ProviderConfig())
			assert.Equal(tt.config, got.Config())
		})
	}
}

func TestProvider_AuthURL(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tp := StartTestProvider(t)
	p := testProvider(t, tp)

	t.Run("valid", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		r, err := NewRequest(time.Minute, testRedirectURL, WithScopes("email"), WithUILocales(language.German))
		require.NoError(err)
		got, err := p.AuthURL(ctx, r)
		require.NoError(err)
		u, err := url.Parse(got)
		require.NoError(err)
		q := u.Query()
		assert.Equal(tp.Addr()+"/auth", u.Scheme+"://"+u.Host+u.Path)
		assert.Equal(tp.ClientID(), q.Get("client_id"))
		assert.Equal(testRedirectURL, q.Get("redirect_uri"))
		assert.Equal("code", q.Get("response_type"))
		assert.Equal("openid profile email", q.Get("scope"))
		assert.Equal(r.PKCEVerifier().Challenge(), q.Get("code_challenge"))
		assert.Equal("S256", q.Get("code_challenge_method"))
		assert.Equal("login", q.Get("prompt"))
		assert.Equal(r.State(), q.Get("state"))
		assert.Equal(r.Nonce(), q.Get("nonce"))
		assert.Equal("de", q.Get("ui_locales"))
		assert.Empty(q.Get("code_verifier"))
	})
	t.Run("nil-request", func(t *testing.T) {
		_, err := p.AuthURL(ctx, nil)
		assert.True(t, errors.Is(err, ErrNilParameter))
	})
	t.Run("expired-request", func(t *testing.T) {
		r, err := NewRequest(time.Nanosecond, testRedirectURL)
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
		_, err = p.AuthURL(ctx, r)
		assert.True(t, errors.Is(err, ErrExpiredRequest))
	})
}

func TestProvider_Exchange(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	// authorize runs the user agent part of the flow and returns the
	// request, and the state and code from the provider's redirect.
	authorize := func(t *testing.T, p *Provider) (*Req, string, string) {
		t.Helper()
		require := require.New(t)
		r, err := NewRequest(time.Minute, testRedirectURL)
		require.NoError(err)
		authURL, err := p.AuthURL(ctx, r)
		require.NoError(err)
		loc := testFollowAuthURL(t, p, authURL)
		require.Empty(loc.Query().Get("error"))
		return r, loc.Query().Get("state"), loc.Query().Get("code")
	}

	t.Run("valid", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		p := testProvider(t, tp)
		r, state, code := authorize(t, p)
		assert.Equal("abc123", code)

		tk, err := p.Exchange(ctx, r, state, code)
		require.NoError(err)
		assert.Equal(AccessToken("T1"), tk.AccessToken())
		assert.Equal(RefreshToken("R1"), tk.RefreshToken())
		assert.NotEmpty(tk.IDToken())
		assert.WithinDuration(time.Now().Add(3600*time.Second), tk.Expiry(), 5*time.Second)
		assert.Equal("openid profile", tk.GrantedScope())

		reqs := tp.TokenRequests()
		require.Len(reqs, 1)
		assert.Equal("authorization_code", reqs[0].Get("grant_type"))
		assert.Equal("abc123", reqs[0].Get("code"))
		assert.Equal(r.PKCEVerifier().Verifier(), reqs[0].Get("code_verifier"))
		assert.Equal(testRedirectURL, reqs[0].Get("redirect_uri"))
		assert.Equal(tp.ClientID(), reqs[0].Get("client_id"))
	})
	t.Run("mismatched-verifier", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		p := testProvider(t, tp)
		r, state, code := authorize(t, p)

		other, err := NewCodeVerifier()
		require.NoError(err)
		substituted := *r
		substituted.verifier = other

		_, err = p.Exchange(ctx, &substituted, state, code)
		require.Error(err)
		assert.Truef(errors.Is(err, ErrTokenExchangeFailed), "wanted \"%s\" but got \"%s\"", ErrTokenExchangeFailed, err)
		assert.True(IsProviderRejection(err))
	})
	t.Run("state-mismatch", func(t *testing.T) {
		tp := StartTestProvider(t)
		p := testProvider(t, tp)
		r, _, code := authorize(t, p)
		_, err := p.Exchange(ctx, r, "not-the-state", code)
		assert.True(t, errors.Is(err, ErrResponseStateInvalid))
		assert.Empty(t, tp.TokenRequests())
	})
	t.Run("missing-expires-in", func(t *testing.T) {
		assert := assert.New(t)
		tp := StartTestProvider(t)
		tp.OmitExpiresIn()
		p := testProvider(t, tp)
		r, state, code := authorize(t, p)
		_, err := p.Exchange(ctx, r, state, code)
		assert.True(errors.Is(err, ErrMissingExpiry))
		assert.True(errors.Is(err, ErrTokenExchangeFailed))
	})
	t.Run("without-id-token", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		tp.OmitIDTokens()
		p := testProvider(t, tp)
		r, state, code := authorize(t, p)
		tk, err := p.Exchange(ctx, r, state, code)
		require.NoError(err)
		assert.Empty(tk.IDToken())
	})
	t.Run("wrong-code", func(t *testing.T) {
		tp := StartTestProvider(t)
		p := testProvider(t, tp)
		r, state, _ := authorize(t, p)
		_, err := p.Exchange(ctx, r, state, "not-the-code")
		assert.True(t, errors.Is(err, ErrTokenExchangeFailed))
	})
	t.Run("nil-request", func(t *testing.T) {
		tp := StartTestProvider(t)
		p := testProvider(t, tp)
		_, err := p.Exchange(ctx, nil, "state", "code")
		assert.True(t, errors.Is(err, ErrNilParameter))
	})
}

func TestProvider_VerifyIDToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tp := StartTestProvider(t)
	p := testProvider(t, tp)

	t.Run("wrong-nonce", func(t *testing.T) {
		tp.mu.Lock()
		raw := tp.signIDToken("nonce-1")
		tp.mu.Unlock()
		err := p.VerifyIDToken(ctx, IDToken(raw), "nonce-2")
		assert.True(t, errors.Is(err, ErrInvalidNonce))
	})
	t.Run("no-nonce-check", func(t *testing.T) {
		tp.mu.Lock()
		raw := tp.signIDToken("nonce-1")
		tp.mu.Unlock()
		assert.NoError(t, p.VerifyIDToken(ctx, IDToken(raw), ""))
	})
	t.Run("wrong-key", func(t *testing.T) {
		other := TestSigningKey(t)
		require.False(t, other.Equal(tp.SigningKey()))
		raw := TestSignJWT(t, other, testClaims(tp))
		err := p.VerifyIDToken(ctx, IDToken(raw), "")
		assert.True(t, errors.Is(err, ErrIDTokenVerificationFailed))
	})
	t.Run("empty", func(t *testing.T) {
		err := p.VerifyIDToken(ctx, "", "")
		assert.True(t, errors.Is(err, ErrInvalidParameter))
	})
}

func TestProvider_Refresh(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("valid", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		p := testProvider(t, tp)
		tk, err := p.Refresh(ctx, "R1")
		require.NoError(err)
		assert.Equal(AccessToken("T2"), tk.AccessToken())
		assert.Equal(RefreshToken("R1"), tk.RefreshToken(), "refresh_token should be kept when not rotated")
		assert.WithinDuration(time.Now().Add(3600*time.Second), tk.Expiry(), 5*time.Second)
		assert.Equal(1, tp.RefreshCount())

		reqs := tp.TokenRequests()
		require.Len(reqs, 1)
		assert.Equal("refresh_token", reqs[0].Get("grant_type"))
		assert.Equal("R1", reqs[0].Get("refresh_token"))
		assert.Equal(tp.ClientID(), reqs[0].Get("client_id"))
	})
	t.Run("rotated", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		tp.SetRefreshedTokens("T2", "R2", 60)
		p := testProvider(t, tp)
		tk, err := p.Refresh(ctx, "R1")
		require.NoError(err)
		assert.Equal(RefreshToken("R2"), tk.RefreshToken())
	})
	t.Run("rejected", func(t *testing.T) {
		assert := assert.New(t)
		tp := StartTestProvider(t)
		tp.SetRefreshError("invalid_grant")
		p := testProvider(t, tp)
		_, err := p.Refresh(ctx, "R1")
		assert.True(errors.Is(err, ErrTokenRefreshFailed))
		assert.True(IsProviderRejection(err))
		var re *oauth2.RetrieveError
		assert.True(errors.As(err, &re))
	})
	t.Run("unreachable", func(t *testing.T) {
		assert := assert.New(t)
		tp := StartTestProvider(t)
		p := testProvider(t, tp)
		tp.Stop()
		_, err := p.Refresh(ctx, "R1")
		assert.True(errors.Is(err, ErrTokenRefreshFailed))
		assert.False(IsProviderRejection(err))
	})
	t.Run("missing-refresh-token", func(t *testing.T) {
		assert := assert.New(t)
		tp := StartTestProvider(t)
		p := testProvider(t, tp)
		_, err := p.Refresh(ctx, "")
		assert.True(errors.Is(err, ErrTokenRefreshFailed))
		assert.True(errors.Is(err, ErrMissingRefreshToken))
		assert.Equal(0, tp.RefreshCount())
	})
}

func TestProvider_EndSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("valid", func(t *testing.T) {
		assert := assert.New(t)
		tp := StartTestProvider(t)
		p := testProvider(t, tp)
		assert.NoError(p.EndSession(ctx, "id-token"))
		assert.Equal([]string{"id-token"}, tp.EndSessionHints())
	})
	t.Run("server-error", func(t *testing.T) {
		assert := assert.New(t)
		tp := StartTestProvider(t)
		tp.SetEndSessionStatus(http.StatusInternalServerError)
		p := testProvider(t, tp)
		err := p.EndSession(ctx, "id-token")
		assert.True(errors.Is(err, ErrEndSessionFailed))
	})
	t.Run("unreachable", func(t *testing.T) {
		tp := StartTestProvider(t)
		p := testProvider(t, tp)
		tp.Stop()
		err := p.EndSession(ctx, "id-token")
		assert.True(t, errors.Is(err, ErrEndSessionFailed))
	})
	t.Run("no-endpoint", func(t *testing.T) {
		tp := StartTestProvider(t)
		tp.DisableEndSession()
		p := testProvider(t, tp)
		err := p.EndSession(ctx, "id-token")
		assert.True(t, errors.Is(err, ErrMissingEndSessionEndpoint))
	})
}

func testClaims(tp *TestProvider) jwt.Claims {
	now := time.Now()
	return jwt.Claims{
		Subject:   "alice@example.com",
		Issuer:    tp.Addr(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
		Expiry:    jwt.NewNumericDate(now.Add(time.Hour)),
		Audience:  jwt.Audience{tp.ClientID()},
	}
}
