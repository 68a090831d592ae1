// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package httpcache

import (
	"time"

	"github.com/hashicorp/go-hclog"
)

// Option defines a common functional options type which can be used in a
// variadic parameter pattern.
type Option func(interface{})

type options struct {
	withSize   int
	withTTL    time.Duration
	withLogger hclog.Logger
}

func defaults() options {
	return options{
		withSize:   DefaultSize,
		withTTL:    DefaultTTL,
		withLogger: hclog.NewNullLogger(),
	}
}

func getOpts(opt ...Option) options {
	opts := defaults()
	for _, o := range opt {
		if o != nil {
			o(&opts)
		}
	}
	return opts
}

// WithSize sets the maximum number of cached responses.
func WithSize(n int) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok && n > 0 {
			o.withSize = n
		}
	}
}

// WithTTL sets how long a response is cached.
func WithTTL(d time.Duration) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok && d > 0 {
			o.withTTL = d
		}
	}
}

// WithLogger provides an optional logger.
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok && l != nil {
			o.withLogger = l
		}
	}
}
