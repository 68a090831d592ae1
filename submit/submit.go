// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package submit sends scanned QR payloads to the configured API on behalf of
// the signed in user.
package submit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/qrscan/oidc"
	"github.com/hashicorp/qrscan/settings"
)

var (
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrNilParameter     = errors.New("nil parameter")

	// ErrRejected is returned when the API doesn't accept the payload.
	ErrRejected = errors.New("payload rejected")
)

// Authorizer runs an action with a fresh access token.  *session.Manager
// is an Authorizer.
type Authorizer interface {
	WithFreshToken(ctx context.Context, fn func(context.Context, oidc.AccessToken) error) error
}

// Payload is the request body sent to the API.
type Payload struct {
	Data string `json:"Data"`
	ID   string `json:"Id,omitempty"`
}

// Client submits payloads to the API url held by its settings.
type Client struct {
	auth     Authorizer
	settings *settings.Settings
	client   *http.Client
	logger   hclog.Logger
}

// NewClient creates a Client.
//
// Supported options: WithHTTPClient, WithLogger
func NewClient(auth Authorizer, s *settings.Settings, opt ...Option) (*Client, error) {
	const op = "submit.NewClient"
	switch {
	case auth == nil:
		return nil, fmt.Errorf("%s: authorizer is nil: %w", op, ErrNilParameter)
	case s == nil:
		return nil, fmt.Errorf("%s: settings is nil: %w", op, ErrNilParameter)
	}
	opts := getOpts(opt...)
	return &Client{
		auth:     auth,
		settings: s,
		client:   opts.withHTTPClient,
		logger:   opts.withLogger,
	}, nil
}

// Submit posts data, and the device id when one is set, to the API url with
// a fresh bearer token.  Any status other than 200 is ErrRejected.
func (c *Client) Submit(ctx context.Context, data string) error {
	const op = "Client.Submit"
	if strings.TrimSpace(data) == "" {
		return fmt.Errorf("%s: payload is empty: %w", op, ErrInvalidParameter)
	}
	apiURL, err := c.settings.Require(ctx, settings.APIURL)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	id, _, err := c.settings.Get(ctx, settings.ID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	body, err := json.Marshal(&Payload{Data: data, ID: id})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	err = c.auth.WithFreshToken(ctx, func(ctx context.Context, tk oidc.AccessToken) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+string(tk))
		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("api responded %d: %w", resp.StatusCode, ErrRejected)
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("submission failed", "error", err)
		return fmt.Errorf("%s: %w", op, err)
	}
	c.logger.Info("payload submitted", "bytes", len(data), "with_id", id != "")
	return nil
}

// Option defines a common functional options type which can be used in a
// variadic parameter pattern.
type Option func(interface{})

type options struct {
	withHTTPClient *http.Client
	withLogger     hclog.Logger
}

func getOpts(opt ...Option) options {
	opts := options{}
	for _, o := range opt {
		if o != nil {
			o(&opts)
		}
	}
	if opts.withHTTPClient == nil {
		opts.withHTTPClient = cleanhttp.DefaultPooledClient()
	}
	if opts.withLogger == nil {
		opts.withLogger = hclog.NewNullLogger()
	}
	return opts
}

// WithHTTPClient provides the http client used to reach the API.
func WithHTTPClient(c *http.Client) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok {
			o.withHTTPClient = c
		}
	}
}

// WithLogger provides an optional logger.
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		if o, ok := o.(*options); ok {
			o.withLogger = l
		}
	}
}
