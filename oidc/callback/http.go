// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package callback

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/hashicorp/qrscan/oidc"
)

// HTTPPresenter is an oidc.RedirectPresenter that requests the authorization
// URL itself and follows the provider's redirects until one targets the
// redirect URI.  It's useful for tests and for providers which authenticate
// without user interaction.
type HTTPPresenter struct {
	// Client is used to request the authorization URL.  Its CheckRedirect
	// is replaced.
	Client *http.Client
}

var _ oidc.RedirectPresenter = (*HTTPPresenter)(nil)

// Present implements oidc.RedirectPresenter.
func (h *HTTPPresenter) Present(ctx context.Context, authURL, redirectURL string) (*oidc.AuthResponse, error) {
	const op = "HTTPPresenter.Present"
	want, err := url.Parse(redirectURL)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid redirect URL: %v: %w", op, err, oidc.ErrInvalidParameter)
	}
	client := http.Client{}
	if h.Client != nil {
		client = *h.Client
	}
	var redirect string
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if matchesRedirect(want, req.URL) {
			redirect = req.URL.String()
			return http.ErrUseLastResponse
		}
		if len(via) >= 10 {
			return errors.New("stopped after 10 redirects")
		}
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, authURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", op, err, oidc.ErrInvalidParameter)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", op, err, oidc.ErrLoginFailed)
	}
	defer resp.Body.Close()
	if redirect == "" {
		return nil, fmt.Errorf("%s: provider responded %d without redirecting: %w", op, resp.StatusCode, oidc.ErrLoginFailed)
	}
	ar, _, err := ParseRedirect(redirectURL, redirect)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return ar, nil
}
