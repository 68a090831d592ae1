// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// Provider drives the authorization code flow with PKCE against a single
// provider: it builds authorization URLs, exchanges codes, refreshes tokens
// and ends sessions.  It never makes a discovery request: see Discover.
type Provider struct {
	config   *Config
	pc       *ProviderConfig
	client   *http.Client
	verifier *oidc.Provider

	mu sync.Mutex

	// backgroundCtx is the context used by the provider for background
	// activities like refreshing JWKs key sets.
	backgroundCtx context.Context

	// backgroundCtxCancel is used to cancel any background activities running
	// in spawned go routines.
	backgroundCtxCancel context.CancelFunc
}

// NewProvider creates a Provider from a Config and the ProviderConfig
// returned by Discover (or persisted from an earlier discovery).
//
// See Provider.Done() which must be called to release provider resources.
func NewProvider(c *Config, pc *ProviderConfig) (*Provider, error) {
	const op = "NewProvider"
	if c == nil {
		return nil, fmt.Errorf("%s: provider config is nil: %w", op, ErrNilParameter)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: provider config is invalid: %w", op, err)
	}
	if err := pc.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	client, err := c.HTTPClient()
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create http client: %w", op, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Provider{
		config:              c,
		pc:                  pc,
		client:              client,
		backgroundCtx:       ctx,
		backgroundCtxCancel: cancel,
	}
	if pc.JWKSURL != "" {
		algs := make([]string, 0, len(c.SupportedSigningAlgs))
		for _, a := range c.SupportedSigningAlgs {
			algs = append(algs, string(a))
		}
		pcfg := &oidc.ProviderConfig{
			IssuerURL:   pc.Issuer,
			AuthURL:     pc.AuthURL,
			TokenURL:    pc.TokenURL,
			JWKSURL:     pc.JWKSURL,
			UserInfoURL: pc.UserInfoURL,
			Algorithms:  algs,
		}
		p.verifier = pcfg.NewProvider(HTTPClientContext(p.backgroundCtx, client))
	}
	return p, nil
}

// Done with the provider's background resources and must be called for every
// Provider created
func (p *Provider) Done() {
	if p == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.backgroundCtxCancel != nil {
		p.backgroundCtxCancel()
		p.backgroundCtxCancel = nil
	}
}

// Config returns the provider's Config
func (p *Provider) Config() *Config { return p.config }

// ProviderConfig returns the provider's endpoint configuration
func (p *Provider) ProviderConfig() *ProviderConfig { return p.pc }

// HTTPClient returns the http client used for every request to the provider.
func (p *Provider) HTTPClient() *http.Client { return p.client }

func (p *Provider) oauth2Config(scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:    p.config.ClientID,
		RedirectURL: p.config.RedirectURL,
		Endpoint: oauth2.Endpoint{
			AuthURL:  p.pc.AuthURL,
			TokenURL: p.pc.TokenURL,
			// public client: client_id is always sent in the body
			AuthStyle: oauth2.AuthStyleInParams,
		},
		Scopes: scopes,
	}
}

// AuthURL will generate a URL the caller can use to kick off the
// authorization code flow with PKCE.  The URL always carries
// code_challenge_method=S256 and prompt=login.
func (p *Provider) AuthURL(ctx context.Context, r *Req) (string, error) {
	const op = "Provider.AuthURL"
	if r == nil {
		return "", fmt.Errorf("%s: request is nil: %w", op, ErrNilParameter)
	}
	if r.State() == r.Nonce() {
		return "", fmt.Errorf("%s: request state and nonce cannot be equal: %w", op, ErrInvalidParameter)
	}
	if r.IsExpired() {
		return "", fmt.Errorf("%s: request is expired: %w", op, ErrExpiredRequest)
	}
	if r.PKCEVerifier() == nil {
		return "", fmt.Errorf("%s: request has no code verifier: %w", op, ErrInvalidParameter)
	}
	authCodeOpts := []oauth2.AuthCodeOption{
		oidc.Nonce(r.Nonce()),
		oauth2.S256ChallengeOption(r.PKCEVerifier().Verifier()),
		oauth2.SetAuthURLParam("prompt", r.Prompt()),
	}
	if len(r.UILocales()) > 0 {
		locales := make([]string, 0, len(r.UILocales()))
		for _, l := range r.UILocales() {
			locales = append(locales, l.String())
		}
		authCodeOpts = append(authCodeOpts, oauth2.SetAuthURLParam("ui_locales", strings.Join(locales, " ")))
	}
	p.config.logger().Debug("building authorization request", "scopes", r.Scopes())
	cfg := p.oauth2Config(r.Scopes())
	cfg.RedirectURL = r.RedirectURL()
	return cfg.AuthCodeURL(r.State(), authCodeOpts...), nil
}

// Exchange will request a token from the token endpoint using the
// authorizationCode the provider returned and the request's code verifier.
//
// It validates the authorizationState against the request state, and when
// the response carries an id_token it verifies its signature, audience and
// nonce.  The returned token always has an access_token and an expiry.
func (p *Provider) Exchange(ctx context.Context, r *Req, authorizationState, authorizationCode string) (*Tk, error) {
	const op = "Provider.Exchange"
	switch {
	case r == nil:
		return nil, fmt.Errorf("%s: request is nil: %w", op, ErrNilParameter)
	case r.State() != authorizationState:
		return nil, fmt.Errorf("%s: authentication state and authorization state are not equal: %w", op, ErrResponseStateInvalid)
	case r.IsExpired():
		return nil, fmt.Errorf("%s: authentication request is expired: %w", op, ErrExpiredRequest)
	case authorizationCode == "":
		return nil, fmt.Errorf("%s: authorization code is empty: %w", op, ErrInvalidParameter)
	case r.PKCEVerifier() == nil:
		return nil, fmt.Errorf("%s: request has no code verifier: %w", op, ErrInvalidParameter)
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.timeout())
	defer cancel()
	oidcCtx := HTTPClientContext(ctx, p.client)

	cfg := p.oauth2Config(r.Scopes())
	cfg.RedirectURL = r.RedirectURL()
	oauth2Token, err := cfg.Exchange(oidcCtx, authorizationCode, oauth2.VerifierOption(r.PKCEVerifier().Verifier()))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to exchange auth code with provider: %w: %w", op, ErrTokenExchangeFailed, err)
	}

	var idToken IDToken
	if raw, ok := oauth2Token.Extra("id_token").(string); ok && raw != "" {
		idToken = IDToken(raw)
		if err := p.VerifyIDToken(ctx, idToken, r.Nonce()); err != nil {
			return nil, fmt.Errorf("%s: id_token failed verification: %w: %w", op, ErrTokenExchangeFailed, err)
		}
	}
	t, err := NewToken(idToken, oauth2Token, WithNow(p.config.NowFunc), WithExpirySkew(p.config.expirySkew()))
	if err != nil {
		return nil, fmt.Errorf("%s: invalid token response: %w: %w", op, ErrTokenExchangeFailed, err)
	}
	return t, nil
}

// Refresh exchanges the refresh token for a new token at the token endpoint
// (grant_type=refresh_token).  When the provider doesn't rotate the
// refresh_token, the returned token keeps the one provided.  A returned
// id_token is verified without a nonce check, since refresh responses aren't
// bound to an authorization request.
func (p *Provider) Refresh(ctx context.Context, rt RefreshToken) (*Tk, error) {
	const op = "Provider.Refresh"
	if rt == "" {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrTokenRefreshFailed, ErrMissingRefreshToken)
	}
	ctx, cancel := context.WithTimeout(ctx, p.config.timeout())
	defer cancel()
	oidcCtx := HTTPClientContext(ctx, p.client)

	// an empty access_token forces the token source to refresh
	ts := p.oauth2Config(p.config.Scopes).TokenSource(oidcCtx, &oauth2.Token{RefreshToken: string(rt)})
	oauth2Token, err := ts.Token()
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrTokenRefreshFailed, err)
	}
	var idToken IDToken
	if raw, ok := oauth2Token.Extra("id_token").(string); ok && raw != "" {
		idToken = IDToken(raw)
		if err := p.VerifyIDToken(ctx, idToken, ""); err != nil {
			return nil, fmt.Errorf("%s: id_token failed verification: %w: %w", op, ErrTokenRefreshFailed, err)
		}
	}
	t, err := NewToken(idToken, oauth2Token, WithNow(p.config.NowFunc), WithExpirySkew(p.config.expirySkew()))
	if err != nil {
		return nil, fmt.Errorf("%s: invalid token response: %w: %w", op, ErrTokenRefreshFailed, err)
	}
	return t, nil
}

// IsProviderRejection reports whether err was caused by the token endpoint
// answering with an OAuth error response (for example invalid_grant), as
// opposed to a transport failure.
func IsProviderRejection(err error) bool {
	var re *oauth2.RetrieveError
	return errors.As(err, &re)
}

// VerifyIDToken will verify the inbound IDToken.  It verifies it's been
// signed by the provider, it's issued for this client, it's not expired and,
// when nonce isn't empty, that it carries the nonce.
//
// See: https://openid.net/specs/openid-connect-core-1_0.html#IDTokenValidation
func (p *Provider) VerifyIDToken(ctx context.Context, t IDToken, nonce string) error {
	const op = "Provider.VerifyIDToken"
	if t == "" {
		return fmt.Errorf("%s: id_token is empty: %w", op, ErrInvalidParameter)
	}
	if p.verifier == nil {
		return fmt.Errorf("%s: provider has no jwks_uri: %w", op, ErrIDTokenVerificationFailed)
	}
	algs := make([]string, 0, len(p.config.SupportedSigningAlgs))
	for _, a := range p.config.SupportedSigningAlgs {
		algs = append(algs, string(a))
	}
	v := p.verifier.Verifier(&oidc.Config{
		ClientID:             p.config.ClientID,
		SupportedSigningAlgs: algs,
		Now:                  p.config.Now,
	})
	oidcIDToken, err := v.Verify(HTTPClientContext(ctx, p.client), string(t))
	if err != nil {
		return fmt.Errorf("%s: %w: %w", op, ErrIDTokenVerificationFailed, err)
	}
	if nonce != "" && oidcIDToken.Nonce != nonce {
		return fmt.Errorf("%s: invalid id_token nonce: %w", op, ErrInvalidNonce)
	}
	return nil
}

// EndSession signals the provider to end the user's session with an
// RP-initiated logout request (GET end_session_endpoint?id_token_hint=...).
// It returns ErrMissingEndSessionEndpoint when the provider has no
// end_session_endpoint and ErrEndSessionFailed for transport failures and
// non-2xx responses.
//
// See: https://openid.net/specs/openid-connect-rpinitiated-1_0.html
func (p *Provider) EndSession(ctx context.Context, idToken IDToken) error {
	const op = "Provider.EndSession"
	if p.pc.EndSessionURL == "" {
		return fmt.Errorf("%s: %w", op, ErrMissingEndSessionEndpoint)
	}
	if idToken == "" {
		return fmt.Errorf("%s: id_token is empty: %w", op, ErrInvalidParameter)
	}
	u, err := url.Parse(p.pc.EndSessionURL)
	if err != nil {
		return fmt.Errorf("%s: invalid end_session_endpoint: %w: %w", op, ErrEndSessionFailed, err)
	}
	q := u.Query()
	q.Set("id_token_hint", string(idToken))
	u.RawQuery = q.Encode()

	ctx, cancel := context.WithTimeout(ctx, p.config.timeout())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", op, ErrEndSessionFailed, err)
	}
	// the provider may answer with a redirect to a logged out page
	client := *p.client
	client.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", op, ErrEndSessionFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return fmt.Errorf("%s: unexpected status %d: %w", op, resp.StatusCode, ErrEndSessionFailed)
	}
	return nil
}
