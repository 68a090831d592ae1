// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfig(t *testing.T) {
	t.Parallel()
	testCaPem := TestGenerateCA(t, "localhost")
	testNow := func() time.Time {
		return time.Now().Add(-1 * time.Minute)
	}
	testLogger := hclog.NewNullLogger()

	type args struct {
		issuer      string
		clientID    string
		redirectURL string
		opt         []Option
	}
	tests := []struct {
		name      string
		args      args
		want      *Config
		wantErr   bool
		wantIsErr error
	}{
		{
			name: "valid-with-all-valid-opts",
			args: args{
				issuer:      "https://idp.example/",
				clientID:    "qrscan",
				redirectURL: "qrscan:/oauth2redirect",
				opt: []Option{
					WithScopes("email", "openid"),
					WithProviderCA(testCaPem),
					WithNow(testNow),
					WithTimeout(5 * time.Second),
					WithExpirySkew(time.Minute),
					WithSupportedSigningAlgs(ES256, EdDSA),
					WithLogger(testLogger),
				},
			},
			want: &Config{
				Issuer:               "https://idp.example/",
				ClientID:             "qrscan",
				RedirectURL:          "qrscan:/oauth2redirect",
				Scopes:               []string{oidc.ScopeOpenID, ScopeProfile, "email"},
				SupportedSigningAlgs: []Alg{ES256, EdDSA},
				ProviderCA:           testCaPem,
				Timeout:              5 * time.Second,
				ExpirySkew:           time.Minute,
				NowFunc:              testNow,
				Logger:               testLogger,
			},
		},
		{
			name: "valid-no-opts",
			args: args{
				issuer:      "http://127.0.0.1:8080",
				clientID:    "qrscan",
				redirectURL: "http://127.0.0.1:8250/callback",
			},
			want: &Config{
				Issuer:               "http://127.0.0.1:8080",
				ClientID:             "qrscan",
				RedirectURL:          "http://127.0.0.1:8250/callback",
				Scopes:               []string{oidc.ScopeOpenID, ScopeProfile},
				SupportedSigningAlgs: DefaultSigningAlgs,
				Timeout:              DefaultTimeout,
				ExpirySkew:           DefaultExpirySkew,
			},
		},
		{
			name: "empty-issuer",
			args: args{
				clientID:    "qrscan",
				redirectURL: "qrscan:/oauth2redirect",
			},
			wantErr:   true,
			wantIsErr: ErrInvalidIssuer,
		},
		{
			name: "issuer-not-http",
			args: args{
				issuer:      "ftp://idp.example",
				clientID:    "qrscan",
				redirectURL: "qrscan:/oauth2redirect",
			},
			wantErr:   true,
			wantIsErr: ErrInvalidIssuer,
		},
		{
			name: "issuer-unparseable",
			args: args{
				issuer:      "https://idp example%/",
				clientID:    "qrscan",
				redirectURL: "qrscan:/oauth2redirect",
			},
			wantErr:   true,
			wantIsErr: ErrInvalidIssuer,
		},
		{
			name: "missing-client-id",
			args: args{
				issuer:      "https://idp.example/",
				redirectURL: "qrscan:/oauth2redirect",
			},
			wantErr:   true,
			wantIsErr: ErrInvalidParameter,
		},
		{
			name: "relative-redirect",
			args: args{
				issuer:      "https://idp.example/",
				clientID:    "qrscan",
				redirectURL: "/oauth2redirect",
			},
			wantErr:   true,
			wantIsErr: ErrInvalidParameter,
		},
		{
			name: "unsupported-alg",
			args: args{
				issuer:      "https://idp.example/",
				clientID:    "qrscan",
				redirectURL: "qrscan:/oauth2redirect",
				opt:         []Option{WithSupportedSigningAlgs(Alg("HS256"))},
			},
			wantErr:   true,
			wantIsErr: ErrInvalidParameter,
		},
		{
			name: "negative-timeout",
			args: args{
				issuer:      "https://idp.example/",
				clientID:    "qrscan",
				redirectURL: "qrscan:/oauth2redirect",
				opt:         []Option{WithTimeout(-time.Second)},
			},
			wantErr:   true,
			wantIsErr: ErrInvalidParameter,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			got, err := NewConfig(tt.args.issuer, tt.args.clientID, tt.args.redirectURL, tt.args.opt...)
			if tt.wantErr {
				require.Error(err)
				assert.Truef(errors.Is(err, tt.wantIsErr), "wanted \"%s\" but got \"%s\"", tt.wantIsErr, err)
				return
			}
			require.NoError(err)
			if tt.want.NowFunc != nil {
				assert.NotNil(got.NowFunc)
				assert.Equal(tt.want.NowFunc().Round(time.Second), got.Now().Round(time.Second))
			}
			tt.want.NowFunc, got.NowFunc = nil, nil
			assert.Equal(tt.want, got)
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()
	t.Run("nil", func(t *testing.T) {
		var c *Config
		err := c.Validate()
		assert.Truef(t, errors.Is(err, ErrNilParameter), "wanted \"%s\" but got \"%s\"", ErrNilParameter, err)
	})
	t.Run("missing-openid-scope", func(t *testing.T) {
		assert := assert.New(t)
		c := &Config{
			Issuer:      "https://idp.example/",
			ClientID:    "qrscan",
			RedirectURL: "qrscan:/oauth2redirect",
			Scopes:      []string{"profile"},
		}
		err := c.Validate()
		assert.Truef(errors.Is(err, ErrInvalidParameter), "wanted \"%s\" but got \"%s\"", ErrInvalidParameter, err)
	})
	t.Run("aggregates", func(t *testing.T) {
		assert := assert.New(t)
		c := &Config{Timeout: -1, ExpirySkew: -1}
		err := c.Validate()
		require.Error(t, err)
		assert.True(errors.Is(err, ErrInvalidIssuer))
		assert.True(errors.Is(err, ErrInvalidParameter))
	})
}

func TestConfig_HTTPClient(t *testing.T) {
	t.Parallel()
	t.Run("defaults", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		c := &Config{}
		client, err := c.HTTPClient()
		require.NoError(err)
		assert.Equal(DefaultTimeout, client.Timeout)
	})
	t.Run("with-ca", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		c := &Config{ProviderCA: TestGenerateCA(t, "localhost"), Timeout: time.Second}
		client, err := c.HTTPClient()
		require.NoError(err)
		assert.Equal(time.Second, client.Timeout)
		tr, ok := client.Transport.(*http.Transport)
		require.True(ok)
		assert.NotNil(tr.TLSClientConfig.RootCAs)
	})
	t.Run("bad-ca", func(t *testing.T) {
		assert := assert.New(t)
		c := &Config{ProviderCA: "not a pem"}
		_, err := c.HTTPClient()
		assert.Truef(errors.Is(err, ErrInvalidCACert), "wanted \"%s\" but got \"%s\"", ErrInvalidCACert, err)
	})
	t.Run("round-tripper", func(t *testing.T) {
		assert, require := assert.New(t), require.New(t)
		var wrapped bool
		c := &Config{RoundTripper: func(rt http.RoundTripper) http.RoundTripper {
			wrapped = true
			return rt
		}}
		_, err := c.HTTPClient()
		require.NoError(err)
		assert.True(wrapped)
	})
}

func TestMergeScopes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   []string
		want []string
	}{
		{name: "none", want: []string{oidc.ScopeOpenID, ScopeProfile}},
		{name: "additional", in: []string{"email", "offline_access"}, want: []string{oidc.ScopeOpenID, ScopeProfile, "email", "offline_access"}},
		{name: "duplicates", in: []string{"profile", "email", "openid", "email"}, want: []string{oidc.ScopeOpenID, ScopeProfile, "email"}},
		{name: "empties", in: []string{"", " "}, want: []string{oidc.ScopeOpenID, ScopeProfile}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, MergeScopes(tt.in...))
		})
	}
}
