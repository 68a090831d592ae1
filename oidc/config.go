// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
)

const (
	// DefaultTimeout bounds every request made to the provider when a Config
	// doesn't specify its own Timeout.
	DefaultTimeout = 30 * time.Second

	// DefaultExpirySkew is the margin before an access_token's expiry at
	// which it's considered expired.
	DefaultExpirySkew = 10 * time.Second

	// ScopeProfile is always requested along with the "openid" scope
	ScopeProfile = "profile"
)

// DefaultScopes are requested for every authorization request regardless of
// the additional scopes configured.
var DefaultScopes = []string{oidc.ScopeOpenID, ScopeProfile}

// Config represents the configuration for an OIDC authorization code flow
// with PKCE by a public (native) client.
type Config struct {
	// ClientID is the relying party id
	ClientID string

	// Issuer is a case-sensitive URL string using the https scheme that
	// contains scheme, host, and optionally, port number and path components
	// and no query or fragment components.
	Issuer string

	// RedirectURL is where the provider redirects the user-agent once the
	// authorization is complete.  It's typically a custom application scheme
	// URI (<scheme>:<path>) or a loopback URL.
	RedirectURL string

	// Scopes is a list of oidc scopes to request of the provider. The
	// "openid" and "profile" scopes are always included.
	Scopes []string

	// SupportedSigningAlgs is a list of supported signing algorithms used to
	// verify id_tokens.  If empty, DefaultSigningAlgs are used.
	SupportedSigningAlgs []Alg

	// ProviderCA is an optional CA certs (PEM encoded) to use when sending
	// requests to the provider.
	ProviderCA string

	// Timeout bounds every request made to the provider.
	Timeout time.Duration

	// ExpirySkew is the margin used when deciding if an access_token has
	// expired.
	ExpirySkew time.Duration

	// NowFunc is a time func that returns the current time.
	NowFunc func() time.Time

	// RoundTripper optionally wraps the transport used for provider requests.
	RoundTripper func(http.RoundTripper) http.RoundTripper `json:"-"`

	// Logger is an optional logger
	Logger hclog.Logger `json:"-"`
}

// NewConfig composes a new config for a provider.
//
// Supported options:
// WithScopes, WithProviderCA, WithNow, WithTimeout, WithExpirySkew,
// WithSupportedSigningAlgs, WithRoundTripper, WithLogger
func NewConfig(issuer string, clientID string, redirectURL string, opt ...Option) (*Config, error) {
	const op = "NewConfig"
	opts := getConfigOpts(opt...)
	c := &Config{
		Issuer:               issuer,
		ClientID:             clientID,
		RedirectURL:          redirectURL,
		Scopes:               MergeScopes(opts.withScopes...),
		SupportedSigningAlgs: opts.withSupportedSigningAlgs,
		ProviderCA:           opts.withProviderCA,
		Timeout:              opts.withTimeout,
		ExpirySkew:           opts.withExpirySkew,
		NowFunc:              opts.withNowFunc,
		RoundTripper:         opts.withRoundTripper,
		Logger:               opts.withLogger,
	}
	if len(c.SupportedSigningAlgs) == 0 {
		c.SupportedSigningAlgs = DefaultSigningAlgs
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: invalid provider config: %w", op, err)
	}
	return c, nil
}

// Validate the provider configuration.  Among other validations, it verifies
// the issuer is a valid http(s) URL, but it doesn't verify the Issuer is
// discoverable via an http request.
func (c *Config) Validate() error {
	const op = "Config.Validate"
	if c == nil {
		return fmt.Errorf("%s: provider config is nil: %w", op, ErrNilParameter)
	}
	var result *multierror.Error
	if c.ClientID == "" {
		result = multierror.Append(result, fmt.Errorf("%s: client id is empty: %w", op, ErrInvalidParameter))
	}
	if err := validateIssuer(c.Issuer); err != nil {
		result = multierror.Append(result, fmt.Errorf("%s: %w", op, err))
	}
	if c.RedirectURL == "" {
		result = multierror.Append(result, fmt.Errorf("%s: redirect URL is empty: %w", op, ErrInvalidParameter))
	} else if u, err := url.Parse(c.RedirectURL); err != nil || u.Scheme == "" {
		result = multierror.Append(result, fmt.Errorf("%s: redirect URL %q is not an absolute URI: %w", op, c.RedirectURL, ErrInvalidParameter))
	}
	if !slices.Contains(c.Scopes, oidc.ScopeOpenID) {
		result = multierror.Append(result, fmt.Errorf("%s: scopes must include %q: %w", op, oidc.ScopeOpenID, ErrInvalidParameter))
	}
	for _, a := range c.SupportedSigningAlgs {
		if !supportedAlgorithms[a] {
			result = multierror.Append(result, fmt.Errorf("%s: unsupported algorithm %q: %w", op, a, ErrInvalidParameter))
		}
	}
	if c.Timeout < 0 {
		result = multierror.Append(result, fmt.Errorf("%s: timeout is negative: %w", op, ErrInvalidParameter))
	}
	if c.ExpirySkew < 0 {
		result = multierror.Append(result, fmt.Errorf("%s: expiry skew is negative: %w", op, ErrInvalidParameter))
	}
	return result.ErrorOrNil()
}

// Now will return the current time which can be overridden by the NowFunc
func (c *Config) Now() time.Time {
	if c.NowFunc != nil {
		return c.NowFunc()
	}
	return time.Now() // fallback to this default
}

// HTTPClient returns an http client for the provider configured.  The
// client honors the config's ProviderCA, Timeout and RoundTripper.
func (c *Config) HTTPClient() (*http.Client, error) {
	const op = "Config.HTTPClient"
	client, err := newHTTPClient(c.ProviderCA, c.timeout(), c.RoundTripper)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return client, nil
}

func (c *Config) timeout() time.Duration {
	if c.Timeout == 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

func (c *Config) expirySkew() time.Duration {
	if c.ExpirySkew == 0 {
		return DefaultExpirySkew
	}
	return c.ExpirySkew
}

func (c *Config) logger() hclog.Logger {
	if c.Logger == nil {
		return hclog.NewNullLogger()
	}
	return c.Logger
}

// HTTPClientContext is a helper function that returns a new Context that
// carries the provided HTTP client. This method sets the same context key used
// by the github.com/coreos/go-oidc and golang.org/x/oauth2 packages, so the
// returned context works for those packages as well.
func HTTPClientContext(ctx context.Context, client *http.Client) context.Context {
	// simple to implement as a wrapper for the coreos package
	return oidc.ClientContext(ctx, client)
}

// MergeScopes returns the DefaultScopes followed by the additional scopes,
// with duplicates and empty scopes removed.
func MergeScopes(additional ...string) []string {
	scopes := make([]string, 0, len(DefaultScopes)+len(additional))
	seen := make(map[string]bool, cap(scopes))
	for _, s := range append(slices.Clone(DefaultScopes), additional...) {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		scopes = append(scopes, s)
	}
	return scopes
}

func validateIssuer(issuer string) error {
	if issuer == "" {
		return fmt.Errorf("issuer is empty: %w", ErrInvalidIssuer)
	}
	u, err := url.Parse(issuer)
	if err != nil {
		return fmt.Errorf("issuer %q is not a valid URL: %v: %w", issuer, err, ErrInvalidIssuer)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("issuer %q scheme is not http or https: %w", issuer, ErrInvalidIssuer)
	}
	if u.Host == "" {
		return fmt.Errorf("issuer %q has no host: %w", issuer, ErrInvalidIssuer)
	}
	return nil
}

// newHTTPClient creates a new http client which will use the optional CA
// certificate PEM if provided, otherwise it will use the installed system CA
// chain.
func newHTTPClient(caPEM string, timeout time.Duration, wrap func(http.RoundTripper) http.RoundTripper) (*http.Client, error) {
	tr := cleanhttp.DefaultPooledTransport()
	if caPEM != "" {
		certPool := x509.NewCertPool()
		if ok := certPool.AppendCertsFromPEM([]byte(caPEM)); !ok {
			return nil, fmt.Errorf("could not parse CA PEM value: %w", ErrInvalidCACert)
		}
		tr.TLSClientConfig = &tls.Config{
			RootCAs:    certPool,
			MinVersion: tls.VersionTLS12,
		}
	}
	var rt http.RoundTripper = tr
	if wrap != nil {
		rt = wrap(tr)
	}
	return &http.Client{
		Transport: rt,
		Timeout:   timeout,
	}, nil
}

// configOptions is the set of available options
type configOptions struct {
	withScopes               []string
	withSupportedSigningAlgs []Alg
	withProviderCA           string
	withTimeout              time.Duration
	withExpirySkew           time.Duration
	withNowFunc              func() time.Time
	withRoundTripper         func(http.RoundTripper) http.RoundTripper
	withLogger               hclog.Logger
}

// configDefaults is a handy way to get the defaults at runtime and
// during unit tests.
func configDefaults() configOptions {
	return configOptions{
		withTimeout:    DefaultTimeout,
		withExpirySkew: DefaultExpirySkew,
	}
}

// getConfigOpts gets the defaults and applies the opt overrides passed
// in.
func getConfigOpts(opt ...Option) configOptions {
	opts := configDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// WithSupportedSigningAlgs provides an optional list of algorithms used to
// verify id_tokens.
func WithSupportedSigningAlgs(algs ...Alg) Option {
	return func(o interface{}) {
		if o, ok := o.(*configOptions); ok {
			o.withSupportedSigningAlgs = algs
		}
	}
}
