// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package callback

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/qrscan/oidc"
	"github.com/pkg/browser"
)

// LoopbackPresenter is an oidc.RedirectPresenter for native apps using a
// loopback redirect URI (http://127.0.0.1:<port>/<path>).  It listens on the
// redirect URI's address, opens the system browser on the authorization URL
// and captures the provider's redirect.
//
// See: https://datatracker.ietf.org/doc/html/rfc8252#section-7.3
type LoopbackPresenter struct {
	// OpenURL opens the authorization URL.  It defaults to opening the
	// system browser.
	OpenURL func(url string) error

	// Success and Failure write the response shown in the browser.  They
	// default to DefaultSuccessResponse and DefaultErrorResponse.
	Success SuccessResponseFunc
	Failure ErrorResponseFunc

	// Logger is an optional logger
	Logger hclog.Logger
}

var _ oidc.RedirectPresenter = (*LoopbackPresenter)(nil)

type loopbackResult struct {
	resp *oidc.AuthResponse
	err  error
}

// Present implements oidc.RedirectPresenter.  It returns oidc.ErrUserCancelled
// if the ctx is done before the provider redirects.
func (l *LoopbackPresenter) Present(ctx context.Context, authURL, redirectURL string) (*oidc.AuthResponse, error) {
	const op = "LoopbackPresenter.Present"
	u, err := url.Parse(redirectURL)
	if err != nil {
		return nil, fmt.Errorf("%s: invalid redirect URL: %v: %w", op, err, oidc.ErrInvalidParameter)
	}
	if u.Scheme != "http" || !isLoopback(u.Hostname()) || u.Port() == "" {
		return nil, fmt.Errorf("%s: redirect URL %q isn't a loopback URL with a port: %w", op, redirectURL, oidc.ErrInvalidParameter)
	}
	logger := l.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	success, failure := l.Success, l.Failure
	if success == nil {
		success = DefaultSuccessResponse
	}
	if failure == nil {
		failure = DefaultErrorResponse
	}
	openURL := l.OpenURL
	if openURL == nil {
		openURL = browser.OpenURL
	}

	listener, err := net.Listen("tcp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to listen on %s: %w", op, u.Host, err)
	}

	results := make(chan loopbackResult, 1)
	path := u.Path
	if path == "" {
		path = "/"
	}
	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, req *http.Request) {
		raw := "http://" + req.Host + req.URL.RequestURI()
		resp, respErr, err := ParseRedirect(redirectURL, raw)
		if err != nil {
			failure(respErr, err, w, req)
		} else {
			success(w, req)
		}
		select {
		case results <- loopbackResult{resp: resp, err: err}:
		default: // only the first redirect counts
		}
	})
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("loopback listener failed", "error", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Debug("opening browser", "redirect_uri", redirectURL)
	if err := openURL(authURL); err != nil {
		return nil, fmt.Errorf("%s: unable to open browser: %w", op, err)
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %v: %w", op, ctx.Err(), oidc.ErrUserCancelled)
	case r := <-results:
		if r.err != nil {
			return nil, fmt.Errorf("%s: %w", op, r.err)
		}
		return r.resp, nil
	}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
