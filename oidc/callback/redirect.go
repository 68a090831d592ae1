// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package callback

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/hashicorp/qrscan/oidc"
)

// ParseRedirect parses a redirect the provider sent to redirectURL.  raw must
// be the full redirect URI (for example "qrscan:/oauth2redirect?code=...").
//
// An "access_denied" error response is returned as oidc.ErrUserCancelled and
// any other error response as oidc.ErrLoginFailed; in both cases the
// AuthenErrorResponse is returned too.
func ParseRedirect(redirectURL, raw string) (*oidc.AuthResponse, *AuthenErrorResponse, error) {
	const op = "callback.ParseRedirect"
	want, err := url.Parse(redirectURL)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: invalid redirect URL: %v: %w", op, err, oidc.ErrInvalidParameter)
	}
	got, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, nil, fmt.Errorf("%s: unable to parse redirect: %v: %w", op, err, oidc.ErrInvalidParameter)
	}
	if !matchesRedirect(want, got) {
		return nil, nil, fmt.Errorf("%s: %q isn't a redirect to %q: %w", op, got.Redacted(), redirectURL, oidc.ErrInvalidParameter)
	}
	q := got.Query()
	if e := q.Get("error"); e != "" {
		respErr := &AuthenErrorResponse{
			Error:       e,
			Description: q.Get("error_description"),
			URI:         q.Get("error_uri"),
		}
		if e == "access_denied" {
			return nil, respErr, fmt.Errorf("%s: %s: %w", op, e, oidc.ErrUserCancelled)
		}
		return nil, respErr, fmt.Errorf("%s: provider error %q: %s: %w", op, e, respErr.Description, oidc.ErrLoginFailed)
	}
	resp := &oidc.AuthResponse{
		Code:  q.Get("code"),
		State: q.Get("state"),
	}
	if resp.Code == "" {
		return nil, nil, fmt.Errorf("%s: redirect is missing the authorization code: %w", op, oidc.ErrLoginFailed)
	}
	if resp.State == "" {
		return nil, nil, fmt.Errorf("%s: redirect is missing the state: %w", op, oidc.ErrResponseStateInvalid)
	}
	return resp, nil, nil
}

// matchesRedirect compares scheme, host and path.  Custom scheme URIs like
// "qrscan:/cb" have no host, and "qrscan:cb" is opaque.
func matchesRedirect(want, got *url.URL) bool {
	return strings.EqualFold(want.Scheme, got.Scheme) &&
		strings.EqualFold(want.Host, got.Host) &&
		want.Path == got.Path &&
		want.Opaque == got.Opaque
}
