// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package callback

import (
	"fmt"
	"html"
	"net/http"
)

// SuccessResponseFunc is used by the LoopbackPresenter to create a http
// response once the provider redirected with an authorization code.  The
// function should use the http.ResponseWriter to send back whatever content
// it wishes to the browser that completed the flow.
type SuccessResponseFunc func(w http.ResponseWriter, req *http.Request)

// ErrorResponseFunc is used by the LoopbackPresenter to create a http
// response when the redirect carries an error or can't be parsed.
//
// respErr is set when the provider returned an authentication error response
// and e is the error the presenter returns to its caller.
type ErrorResponseFunc func(respErr *AuthenErrorResponse, e error, w http.ResponseWriter, req *http.Request)

// AuthenErrorResponse represents Oauth2 error responses.  See:
// https://openid.net/specs/openid-connect-core-1_0.html#AuthError
type AuthenErrorResponse struct {
	Error       string
	Description string
	URI         string
}

// DefaultSuccessResponse tells the user they can close the browser window.
func DefaultSuccessResponse(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("<!DOCTYPE html><html><body><p>Signed in. You can close this window and return to qrscan.</p></body></html>"))
}

// DefaultErrorResponse reports the failure to the user.
func DefaultErrorResponse(respErr *AuthenErrorResponse, e error, w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	msg := "sign in failed"
	switch {
	case respErr != nil && respErr.Description != "":
		msg = fmt.Sprintf("%s: %s", respErr.Error, respErr.Description)
	case respErr != nil:
		msg = respErr.Error
	case e != nil:
		msg = e.Error()
	}
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = fmt.Fprintf(w, "<!DOCTYPE html><html><body><p>%s</p></body></html>", html.EscapeString(msg))
}
