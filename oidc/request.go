// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"fmt"
	"time"

	"golang.org/x/text/language"
)

// PromptLogin is the prompt value sent with every authorization request so an
// existing browser session can't silently issue a code.
const PromptLogin = "login"

// Req represents the oidc request used for one authorization code (with PKCE)
// flow.  A Req is transient: it's created per sign-in attempt and discarded
// once the code exchange completes or fails.
type Req struct {
	// state is a unique identifier and an opaque value used to maintain
	// request/callback state.
	state string

	// nonce is used to mitigate replay attacks, it's included in the id_token.
	nonce string

	// expiration is the expiration time for the Req.
	expiration time.Time

	// redirectURL is a URL where providers will redirect responses to
	// authentication requests.
	redirectURL string

	// scopes is the complete list of scopes requested (openid and profile
	// always included).
	scopes []string

	// verifier holds the PKCE code verifier for this request.
	verifier *CodeVerifier

	// uiLocales is an optional list of the end-user's preferred languages
	uiLocales []language.Tag

	// nowFunc is an optional function that returns the current time
	nowFunc func() time.Time
}

// NewRequest creates a new Req with a fresh state, nonce and PKCE verifier.
// The request expires after expireIn and redirects to redirectURL.
//
// Supported options: WithNow, WithScopes, WithPKCE, WithUILocales
func NewRequest(expireIn time.Duration, redirectURL string, opt ...Option) (*Req, error) {
	const op = "oidc.NewRequest"
	if expireIn == 0 || expireIn < 0 {
		return nil, fmt.Errorf("%s: expireIn not greater than zero: %w", op, ErrInvalidParameter)
	}
	if redirectURL == "" {
		return nil, fmt.Errorf("%s: redirect URL is empty: %w", op, ErrInvalidParameter)
	}
	opts := getReqOpts(opt...)
	state, err := NewID(WithPrefix("st"))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to generate a state: %w", op, err)
	}
	nonce, err := NewID(WithPrefix("n"))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to generate a nonce: %w", op, err)
	}
	v := opts.withVerifier
	if v == nil {
		if v, err = NewCodeVerifier(); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}
	r := &Req{
		state:       state,
		nonce:       nonce,
		redirectURL: redirectURL,
		scopes:      MergeScopes(opts.withScopes...),
		verifier:    v,
		uiLocales:   opts.withUILocales,
		nowFunc:     opts.withNowFunc,
	}
	r.expiration = r.now().Add(expireIn)
	return r, nil
}

// State is a unique identifier and an opaque value used to maintain
// request/callback state.
func (r *Req) State() string { return r.state }

// Nonce is a unique nonce and a string value used to associate a Client
// session with an ID Token, and to mitigate replay attacks.
func (r *Req) Nonce() string { return r.nonce }

// IsExpired returns true if the request has expired.
func (r *Req) IsExpired() bool {
	return !r.expiration.After(r.now())
}

// Expiration returns when the request expires.
func (r *Req) Expiration() time.Time { return r.expiration }

// RedirectURL is the URL the provider redirects responses to.
func (r *Req) RedirectURL() string { return r.redirectURL }

// Scopes returns the request's scopes, always beginning with openid and
// profile.
func (r *Req) Scopes() []string { return r.scopes }

// PKCEVerifier returns the request's code verifier.
func (r *Req) PKCEVerifier() *CodeVerifier { return r.verifier }

// Prompt returns the prompt sent with the request, which is always "login".
func (r *Req) Prompt() string { return PromptLogin }

// UILocales returns the end-user's preferred languages, if any.
func (r *Req) UILocales() []language.Tag { return r.uiLocales }

func (r *Req) now() time.Time {
	if r.nowFunc != nil {
		return r.nowFunc()
	}
	return time.Now() // fallback to this default
}

// reqOptions is the set of available options for Req functions
type reqOptions struct {
	withNowFunc   func() time.Time
	withScopes    []string
	withVerifier  *CodeVerifier
	withUILocales []language.Tag
}

// reqDefaults is a handy way to get the defaults at runtime and during unit
// tests.
func reqDefaults() reqOptions {
	return reqOptions{}
}

// getReqOpts gets the request defaults and applies the opt overrides passed in
func getReqOpts(opt ...Option) reqOptions {
	opts := reqDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithPKCE provides an optional PKCE code verifier for a Req.  Without it a
// new verifier is generated.  Valid for: Req
func WithPKCE(v *CodeVerifier) Option {
	return func(o interface{}) {
		if o, ok := o.(*reqOptions); ok {
			o.withVerifier = v
		}
	}
}

// WithUILocales optionally specifies the End-User's preferred languages and
// scripts for the user interface, represented as a list of BCP47 [RFC5646]
// language tag values, ordered by preference. Valid for: Req
//
// See: https://openid.net/specs/openid-connect-core-1_0.html#AuthRequest
func WithUILocales(locales ...language.Tag) Option {
	return func(o interface{}) {
		if o, ok := o.(*reqOptions); ok {
			o.withUILocales = locales
		}
	}
}
