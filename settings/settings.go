// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package settings persists the application's settings (backend API URL,
// issuer URL and device id) in the durable key-value storage shared with the
// authorization state.
package settings

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/hashicorp/qrscan/storage"
)

// Key names a setting.
type Key string

const (
	// APIURL is the backend URL scanned payloads are submitted to.
	APIURL Key = "apiUrl"
	// AuthURL is the OIDC issuer URL.
	AuthURL Key = "authUrl"
	// ID optionally identifies the device in submissions.
	ID Key = "id"
)

var (
	// ErrUnknownKey is returned for keys other than APIURL, AuthURL and ID.
	ErrUnknownKey = errors.New("unknown setting")

	// ErrInvalidValue is returned when a URL setting isn't an absolute
	// http(s) URL.
	ErrInvalidValue = errors.New("invalid setting value")

	// ErrNotConfigured is returned by Require when a setting is unset.
	ErrNotConfigured = errors.New("setting is not configured")
)

// Keys lists every setting.
var Keys = []Key{APIURL, AuthURL, ID}

// Settings reads and writes settings.
type Settings struct {
	kv storage.KeyValue
}

// New returns Settings backed by kv.
func New(kv storage.KeyValue) *Settings {
	return &Settings{kv: kv}
}

// Get returns the setting's value and whether it's set.
func (s *Settings) Get(ctx context.Context, k Key) (string, bool, error) {
	const op = "settings.Get"
	if !known(k) {
		return "", false, fmt.Errorf("%s: %q: %w", op, k, ErrUnknownKey)
	}
	v, err := s.kv.Get(ctx, string(k))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return "", false, nil
	case err != nil:
		return "", false, fmt.Errorf("%s: %w", op, err)
	}
	return string(v), true, nil
}

// Require returns the setting's value or ErrNotConfigured.
func (s *Settings) Require(ctx context.Context, k Key) (string, error) {
	const op = "settings.Require"
	v, ok, err := s.Get(ctx, k)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if !ok {
		return "", fmt.Errorf("%s: %s: %w", op, k, ErrNotConfigured)
	}
	return v, nil
}

// Set stores the setting.  An empty (or blank) value removes it.
func (s *Settings) Set(ctx context.Context, k Key, value string) error {
	const op = "settings.Set"
	if !known(k) {
		return fmt.Errorf("%s: %q: %w", op, k, ErrUnknownKey)
	}
	value = strings.TrimSpace(value)
	if value == "" {
		if err := s.kv.Delete(ctx, string(k)); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		return nil
	}
	if k == APIURL || k == AuthURL {
		if err := validURL(value); err != nil {
			return fmt.Errorf("%s: %s: %w", op, k, err)
		}
	}
	if err := s.kv.Put(ctx, string(k), []byte(value)); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Configured reports whether both the API and auth URLs are set, which is
// required before signing in.
func (s *Settings) Configured(ctx context.Context) (bool, error) {
	const op = "settings.Configured"
	for _, k := range []Key{APIURL, AuthURL} {
		_, ok, err := s.Get(ctx, k)
		if err != nil {
			return false, fmt.Errorf("%s: %w", op, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func known(k Key) bool {
	return slices.Contains(Keys, k)
}

func validURL(v string) error {
	u, err := url.Parse(v)
	if err != nil {
		return fmt.Errorf("%q: %v: %w", v, err, ErrInvalidValue)
	}
	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return fmt.Errorf("%q is not an http(s) URL: %w", v, ErrInvalidValue)
	}
	return nil
}
