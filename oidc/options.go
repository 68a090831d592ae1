// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"net/http"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Option defines a common functional options type which can be used in a
// variadic parameter pattern.
type Option func(interface{})

// ApplyOpts takes a pointer to the options struct as a set of default options
// and applies the slice of opts as overrides.
func ApplyOpts(opts interface{}, opt ...Option) {
	for _, o := range opt {
		if o == nil { // ignore any nil Options
			continue
		}
		o(opts)
	}
}

// WithNow provides an optional func for determining what the current time it
// is.  Valid for: Config, Tk and Req.
func WithNow(now func() time.Time) Option {
	return func(o interface{}) {
		if now == nil {
			return
		}
		switch v := o.(type) {
		case *configOptions:
			v.withNowFunc = now
		case *tokenOptions:
			v.withNowFunc = now
		case *reqOptions:
			v.withNowFunc = now
		}
	}
}

// WithExpirySkew provides an optional expiry skew duration for: Config and Tk
func WithExpirySkew(d time.Duration) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *configOptions:
			v.withExpirySkew = d
		case *tokenOptions:
			v.withExpirySkew = d
		}
	}
}

// WithProviderCA provides optional CA certs (PEM encoded) for the provider's
// config and for Discover. These certs will can be used when making http
// requests to the provider.
func WithProviderCA(cert string) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *configOptions:
			v.withProviderCA = cert
		case *discoverOptions:
			v.withProviderCA = cert
		}
	}
}

// WithTimeout provides an optional timeout for every request made to the
// provider.  Valid for: Config and Discover
func WithTimeout(d time.Duration) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *configOptions:
			v.withTimeout = d
		case *discoverOptions:
			v.withTimeout = d
		}
	}
}

// WithRoundTripper provides an optional http.RoundTripper which wraps the
// transport used for provider requests.  Valid for: Config and Discover
func WithRoundTripper(fn func(http.RoundTripper) http.RoundTripper) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *configOptions:
			v.withRoundTripper = fn
		case *discoverOptions:
			v.withRoundTripper = fn
		}
	}
}

// WithLogger provides an optional logger.  Valid for: Config and Discover
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *configOptions:
			v.withLogger = l
		case *discoverOptions:
			v.withLogger = l
		}
	}
}

// WithScopes provides an optional list of scopes.  The "openid" and
// "profile" scopes are always requested and need not be included.  Valid for:
// Config and Req
func WithScopes(scopes ...string) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *configOptions:
			v.withScopes = scopes
		case *reqOptions:
			v.withScopes = scopes
		}
	}
}
