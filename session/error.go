// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package session

import "errors"

var (
	ErrInvalidParameter       = errors.New("invalid parameter")
	ErrNilParameter           = errors.New("nil parameter")
	ErrInvalidState           = errors.New("invalid auth state")
	ErrCorruptPersistedState  = errors.New("persisted auth state is corrupt")
	ErrAuthorizationFailed    = errors.New("authorization failed")
	ErrFlowAlreadyInProgress  = errors.New("an authorization flow is already in progress")
	ErrNotSignedIn            = errors.New("not signed in")
	ErrLogoutRemoteFailed     = errors.New("remote logout failed")
	ErrRefreshFailuresReached = errors.New("too many consecutive token refresh failures")
	ErrStateSuperseded        = errors.New("auth state changed while in use")
)
