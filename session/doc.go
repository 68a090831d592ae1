// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package session owns the signed in state of the application.
//
// A Store holds the single AuthState and persists each change to durable
// storage before announcing it.  A Manager drives the session lifecycle on
// top of the Store: Login, FreshToken and WithFreshToken, and SignOut.
//
//	store, _ := session.NewStore(db)
//	m, _ := session.NewManager(config, store, presenter)
//	err := m.WithFreshToken(ctx, func(ctx context.Context, tk oidc.AccessToken) error {
//		// call the API with tk
//	})
package session
