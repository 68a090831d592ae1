// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package callback provides oidc.RedirectPresenter implementations: a
// loopback listener that opens the system browser, a presenter that reads a
// pasted redirect URI, and an HTTP presenter for providers which don't need
// user interaction.  ParseRedirect is shared by all of them.
package callback
