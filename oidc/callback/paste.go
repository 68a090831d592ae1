// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package callback

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/hashicorp/qrscan/oidc"
)

// PastePresenter is an oidc.RedirectPresenter for custom scheme redirect URIs
// (qrscan:/oauth2redirect) which nothing on the machine can receive.  It
// writes the authorization URL to Out and reads the redirect URI the user
// pastes from In.  An empty line cancels.
type PastePresenter struct {
	In  io.Reader
	Out io.Writer
}

var _ oidc.RedirectPresenter = (*PastePresenter)(nil)

// Present implements oidc.RedirectPresenter.
func (p *PastePresenter) Present(ctx context.Context, authURL, redirectURL string) (*oidc.AuthResponse, error) {
	const op = "PastePresenter.Present"
	if p.In == nil || p.Out == nil {
		return nil, fmt.Errorf("%s: in and out are required: %w", op, oidc.ErrNilParameter)
	}
	_, _ = fmt.Fprintf(p.Out, "Open this URL in a browser and sign in:\n\n    %s\n\nThen paste the URL you were redirected to (%s...):\n", authURL, redirectURL)

	lines := make(chan string, 1)
	readErr := make(chan error, 1)
	go func() {
		line, err := bufio.NewReader(p.In).ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			readErr <- err
			return
		}
		lines <- line
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %v: %w", op, ctx.Err(), oidc.ErrUserCancelled)
	case err := <-readErr:
		return nil, fmt.Errorf("%s: %v: %w", op, err, oidc.ErrUserCancelled)
	case line := <-lines:
		if strings.TrimSpace(line) == "" {
			return nil, fmt.Errorf("%s: no redirect entered: %w", op, oidc.ErrUserCancelled)
		}
		resp, _, err := ParseRedirect(redirectURL, line)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		return resp, nil
	}
}
