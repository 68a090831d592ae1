// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import "context"

// AuthResponse is what a RedirectPresenter captured from the provider's
// redirect: the authorization code and the state it was issued for.
type AuthResponse struct {
	Code  string
	State string
}

// RedirectPresenter opens a user-facing authentication surface for authURL
// and blocks until the provider redirects to redirectURL, the user cancels,
// or the ctx is done.
//
// Implementations return ErrUserCancelled when the user abandons the flow and
// ErrLoginFailed when the provider redirects with an error.
type RedirectPresenter interface {
	Present(ctx context.Context, authURL, redirectURL string) (*AuthResponse, error)
}

// PresenterFunc adapts an ordinary function to a RedirectPresenter.
type PresenterFunc func(ctx context.Context, authURL, redirectURL string) (*AuthResponse, error)

// Present implements RedirectPresenter.
func (f PresenterFunc) Present(ctx context.Context, authURL, redirectURL string) (*AuthResponse, error) {
	return f(ctx, authURL, redirectURL)
}
