// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package session

import (
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/qrscan/oidc"
)

// DefaultRequestExpiry bounds how long an authorization request stays
// valid while the user authenticates.
const DefaultRequestExpiry = 10 * time.Minute

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

type storeOptions struct {
	withLogger hclog.Logger
}

func storeDefaults() storeOptions {
	return storeOptions{withLogger: hclog.NewNullLogger()}
}

func getStoreOpts(opt ...Option) storeOptions {
	opts := storeDefaults()
	ApplyOpts(&opts, opt...)
	if opts.withLogger == nil {
		opts.withLogger = hclog.NewNullLogger()
	}
	return opts
}

type managerOptions struct {
	withLogger             hclog.Logger
	withProviderConfig     *oidc.ProviderConfig
	withResponseCache      ResponseCache
	withMaxRefreshFailures int
	withRequestExpiry      time.Duration
	withRequestOptions     []oidc.Option
	withEndSessionURL      string
}

func managerDefaults() managerOptions {
	return managerOptions{
		withRequestExpiry: DefaultRequestExpiry,
	}
}

func getManagerOpts(opt ...Option) managerOptions {
	opts := managerDefaults()
	ApplyOpts(&opts, opt...)
	if opts.withRequestExpiry <= 0 {
		opts.withRequestExpiry = DefaultRequestExpiry
	}
	return opts
}

// WithLogger provides an optional logger.  Valid for: Store and Manager
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *storeOptions:
			v.withLogger = l
		case *managerOptions:
			v.withLogger = l
		}
	}
}

// WithProviderConfig provides a ready provider configuration so the Manager
// skips discovery.
func WithProviderConfig(pc *oidc.ProviderConfig) Option {
	return func(o interface{}) {
		if o, ok := o.(*managerOptions); ok {
			o.withProviderConfig = pc
		}
	}
}

// WithResponseCache provides the response cache purged and disabled on
// sign-out.
func WithResponseCache(c ResponseCache) Option {
	return func(o interface{}) {
		if o, ok := o.(*managerOptions); ok {
			o.withResponseCache = c
		}
	}
}

// WithMaxRefreshFailures clears the session after n consecutive failed
// refreshes.  Zero, the default, never clears it.
func WithMaxRefreshFailures(n int) Option {
	return func(o interface{}) {
		if o, ok := o.(*managerOptions); ok {
			o.withMaxRefreshFailures = n
		}
	}
}

// WithRequestExpiry sets how long an authorization request stays valid.
func WithRequestExpiry(d time.Duration) Option {
	return func(o interface{}) {
		if o, ok := o.(*managerOptions); ok {
			o.withRequestExpiry = d
		}
	}
}

// WithRequestOptions provides additional options for every authorization
// request, such as oidc.WithUILocales.
func WithRequestOptions(opt ...oidc.Option) Option {
	return func(o interface{}) {
		if o, ok := o.(*managerOptions); ok {
			o.withRequestOptions = append(o.withRequestOptions, opt...)
		}
	}
}

// WithEndSessionURL sets the end_session_endpoint used at sign out when the
// provider's discovery document doesn't advertise one.
func WithEndSessionURL(u string) Option {
	return func(o interface{}) {
		if o, ok := o.(*managerOptions); ok {
			o.withEndSessionURL = u
		}
	}
}
