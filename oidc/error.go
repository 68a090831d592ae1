// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"errors"
)

var (
	ErrInvalidParameter           = errors.New("invalid parameter")
	ErrNilParameter               = errors.New("nil parameter")
	ErrInvalidCACert              = errors.New("invalid CA certificate")
	ErrInvalidIssuer              = errors.New("invalid issuer")
	ErrDiscoveryFailed            = errors.New("provider discovery failed")
	ErrIDGeneratorFailed          = errors.New("id generation failed")
	ErrExpiredRequest             = errors.New("request is expired")
	ErrResponseStateInvalid       = errors.New("oidc response state is invalid")
	ErrUnsupportedChallengeMethod = errors.New("unsupported PKCE challenge method")
	ErrMissingAccessToken         = errors.New("access_token is missing")
	ErrMissingExpiry              = errors.New("access_token expiry is missing")
	ErrMissingRefreshToken        = errors.New("refresh_token is missing")
	ErrTokenExchangeFailed        = errors.New("token exchange failed")
	ErrTokenRefreshFailed         = errors.New("token refresh failed")
	ErrIDTokenVerificationFailed  = errors.New("id_token verification failed")
	ErrInvalidNonce               = errors.New("invalid nonce")
	ErrMissingEndSessionEndpoint  = errors.New("end_session_endpoint is missing")
	ErrEndSessionFailed           = errors.New("end session request failed")
	ErrLoginFailed                = errors.New("login failed")
	ErrUserCancelled              = errors.New("user cancelled authorization")
	ErrNotFound                   = errors.New("not found")
)
