// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"context"
	"fmt"
	"net/http"
	"slices"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/go-hclog"
)

// ResponseTypeCode is the only response type requested by this package.
const ResponseTypeCode = "code"

// ProviderConfig is the subset of a provider's discovery document needed to
// run the authorization code flow with PKCE, refresh tokens and end the
// session.  It's immutable once created.
//
// See: https://openid.net/specs/openid-connect-discovery-1_0.html#ProviderMetadata
type ProviderConfig struct {
	Issuer                 string   `json:"issuer"`
	AuthURL                string   `json:"authorization_endpoint"`
	TokenURL               string   `json:"token_endpoint"`
	JWKSURL                string   `json:"jwks_uri"`
	UserInfoURL            string   `json:"userinfo_endpoint"`
	EndSessionURL          string   `json:"end_session_endpoint"`
	ResponseTypesSupported []string `json:"response_types_supported"`
	ScopesSupported        []string `json:"scopes_supported"`
}

// Validate ensures the endpoints required for the authorization code flow
// are present.
func (pc *ProviderConfig) Validate() error {
	const op = "ProviderConfig.Validate"
	switch {
	case pc == nil:
		return fmt.Errorf("%s: provider config is nil: %w", op, ErrNilParameter)
	case pc.AuthURL == "":
		return fmt.Errorf("%s: authorization_endpoint is missing: %w", op, ErrInvalidParameter)
	case pc.TokenURL == "":
		return fmt.Errorf("%s: token_endpoint is missing: %w", op, ErrInvalidParameter)
	}
	return nil
}

// SupportsCodeFlow reports whether the provider advertises the "code"
// response type.  Providers that omit response_types_supported are assumed to
// support it.
func (pc *ProviderConfig) SupportsCodeFlow() bool {
	if len(pc.ResponseTypesSupported) == 0 {
		return true
	}
	return slices.Contains(pc.ResponseTypesSupported, ResponseTypeCode)
}

// Discover resolves the issuer to its ProviderConfig by fetching
// <issuer>/.well-known/openid-configuration.  It doesn't retry: retries are
// the caller's responsibility.
//
// Supported options: WithProviderCA, WithTimeout, WithRoundTripper,
// WithLogger
func Discover(ctx context.Context, issuer string, opt ...Option) (*ProviderConfig, error) {
	const op = "oidc.Discover"
	if err := validateIssuer(issuer); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	opts := getDiscoverOpts(opt...)
	logger := opts.withLogger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}

	client, err := newHTTPClient(opts.withProviderCA, opts.withTimeout, opts.withRoundTripper)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	ctx, cancel := context.WithTimeout(ctx, opts.withTimeout)
	defer cancel()

	logger.Debug("discovering provider", "issuer", issuer)
	p, err := oidc.NewProvider(HTTPClientContext(ctx, client), issuer)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrDiscoveryFailed, err)
	}
	pc := &ProviderConfig{}
	if err := p.Claims(pc); err != nil {
		return nil, fmt.Errorf("%s: unable to decode discovery document: %w: %w", op, ErrDiscoveryFailed, err)
	}
	if err := pc.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", op, ErrDiscoveryFailed, err)
	}
	if !pc.SupportsCodeFlow() {
		return nil, fmt.Errorf("%s: provider doesn't support the %q response type: %w", op, ResponseTypeCode, ErrDiscoveryFailed)
	}
	logger.Debug("discovered provider", "issuer", pc.Issuer, "authorization_endpoint", pc.AuthURL, "token_endpoint", pc.TokenURL, "end_session_endpoint", pc.EndSessionURL)
	return pc, nil
}

// discoverOptions is the set of available options for Discover
type discoverOptions struct {
	withProviderCA   string
	withTimeout      time.Duration
	withRoundTripper func(http.RoundTripper) http.RoundTripper
	withLogger       hclog.Logger
}

// discoverDefaults is a handy way to get the defaults at runtime and during
// unit tests.
func discoverDefaults() discoverOptions {
	return discoverOptions{
		withTimeout: DefaultTimeout,
	}
}

// getDiscoverOpts gets the discover defaults and applies the opt overrides
// passed in
func getDiscoverOpts(opt ...Option) discoverOptions {
	opts := discoverDefaults()
	ApplyOpts(&opts, opt...)
	if opts.withTimeout <= 0 {
		opts.withTimeout = DefaultTimeout
	}
	return opts
}
