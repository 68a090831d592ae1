// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package oidc implements the provider side of a public (native) client
// signing in with the OpenID Connect authorization code flow with PKCE.
//
// Discover resolves an issuer to its ProviderConfig.  NewRequest creates a
// one-time authorization request with a fresh S256 code verifier, state and
// nonce.  A Provider builds the authorization URL for a request, exchanges
// the returned code, refreshes tokens and ends the provider's session.
//
// A RedirectPresenter shows the authorization URL to the user and captures
// the provider's redirect.  See the callback package for implementations.
//
// Tokens are typed (AccessToken, RefreshToken, IDToken) and redact their
// values when printed or marshaled.
//
// TestProvider is an in-process provider for tests.
package oidc
