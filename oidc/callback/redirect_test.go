// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package callback

import (
	"errors"
	"testing"

	"github.com/hashicorp/qrscan/oidc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRedirect(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		redirectURL string
		raw         string
		want        *oidc.AuthResponse
		wantRespErr *AuthenErrorResponse
		wantErr     bool
		wantIsErr   error
	}{
		{
			name:        "custom-scheme",
			redirectURL: "qrscan:/oauth2redirect",
			raw:         "qrscan:/oauth2redirect?code=abc123&state=st_1\n",
			want:        &oidc.AuthResponse{Code: "abc123", State: "st_1"},
		},
		{
			name:        "loopback",
			redirectURL: "http://127.0.0.1:8250/callback",
			raw:         "http://127.0.0.1:8250/callback?state=st_1&code=abc123",
			want:        &oidc.AuthResponse{Code: "abc123", State: "st_1"},
		},
		{
			name:        "wrong-path",
			redirectURL: "qrscan:/oauth2redirect",
			raw:         "qrscan:/other?code=abc123&state=st_1",
			wantErr:     true,
			wantIsErr:   oidc.ErrInvalidParameter,
		},
		{
			name:        "wrong-scheme",
			redirectURL: "qrscan:/oauth2redirect",
			raw:         "https:/oauth2redirect?code=abc123&state=st_1",
			wantErr:     true,
			wantIsErr:   oidc.ErrInvalidParameter,
		},
		{
			name:        "access-denied",
			redirectURL: "qrscan:/oauth2redirect",
			raw:         "qrscan:/oauth2redirect?error=access_denied&state=st_1",
			wantRespErr: &AuthenErrorResponse{Error: "access_denied"},
			wantErr:     true,
			wantIsErr:   oidc.ErrUserCancelled,
		},
		{
			name:        "provider-error",
			redirectURL: "qrscan:/oauth2redirect",
			raw:         "qrscan:/oauth2redirect?error=invalid_scope&error_description=bad+scope&state=st_1",
			wantRespErr: &AuthenErrorResponse{Error: "invalid_scope", Description: "bad scope"},
			wantErr:     true,
			wantIsErr:   oidc.ErrLoginFailed,
		},
		{
			name:        "missing-code",
			redirectURL: "qrscan:/oauth2redirect",
			raw:         "qrscan:/oauth2redirect?state=st_1",
			wantErr:     true,
			wantIsErr:   oidc.ErrLoginFailed,
		},
		{
			name:        "missing-state",
			redirectURL: "qrscan:/oauth2redirect",
			raw:         "qrscan:/oauth2redirect?code=abc123",
			wantErr:     true,
			wantIsErr:   oidc.ErrResponseStateInvalid,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			got, respErr, err := ParseRedirect(tt.redirectURL, tt.raw)
			assert.Equal(tt.wantRespErr, respErr)
			if tt.wantErr {
				require.Error(err)
				assert.Truef(errors.Is(err, tt.wantIsErr), "wanted \"%s\" but got \"%s\"", tt.wantIsErr, err)
				return
			}
			require.NoError(err)
			assert.Equal(tt.want, got)
		})
	}
}
