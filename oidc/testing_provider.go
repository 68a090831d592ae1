// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"io"
	"log"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"gopkg.in/square/go-jose.v2"
	"gopkg.in/square/go-jose.v2/jwt"
)

// TestProvider is a local TLS server that acts as an OIDC provider for a
// public client using the authorization code flow with PKCE.  It serves
// discovery, /auth, /token (authorization_code and refresh_token grants),
// /certs and /end_session, and records what it receives so tests can make
// assertions about the requests a client made.
type TestProvider struct {
	httpServer *httptest.Server
	caCert     string

	jwks         *jose.JSONWebKeySet
	replySubject string

	mu sync.Mutex

	clientID         string
	expectedAuthCode string
	omitIDToken      bool
	omitExpiresIn    bool
	disableEndSess   bool

	accessToken  string
	refreshToken string
	expiresIn    int

	refreshedAccessToken  string
	refreshedRefreshToken string
	refreshedExpiresIn    int
	refreshError          string
	refreshDelay          time.Duration

	endSessionStatus int

	// recorded from the last /auth request
	lastChallenge   string
	lastNonce       string
	lastRedirectURI string
	authRequests    []url.Values

	tokenRequests   []url.Values
	refreshCount    int
	endSessionHints []string

	signingKey *ecdsa.PrivateKey

	t *testing.T
}

// StartTestProvider creates a disposable TestProvider which is stopped when
// the test completes.  By default it issues the authorization code "abc123",
// the tokens "T1"/"R1" expiring in 3600s, and refreshes to "T2".
func StartTestProvider(t *testing.T) *TestProvider {
	t.Helper()
	require := require.New(t)

	p := &TestProvider{
		t:                    t,
		replySubject:         "alice@example.com",
		clientID:             "qrscan-test-client",
		expectedAuthCode:     "abc123",
		accessToken:          "T1",
		refreshToken:         "R1",
		expiresIn:            3600,
		refreshedAccessToken: "T2",
		refreshedExpiresIn:   3600,
		endSessionStatus:     http.StatusOK,
	}
	p.signingKey = TestSigningKey(t)
	p.jwks = &jose.JSONWebKeySet{
		Keys: []jose.JSONWebKey{{Key: &p.signingKey.PublicKey, Algorithm: string(ES256), Use: "sig"}},
	}

	p.httpServer = httptest.NewUnstartedServer(p)
	p.httpServer.Config.ErrorLog = log.New(io.Discard, "", 0)
	p.httpServer.StartTLS()
	t.Cleanup(p.httpServer.Close)

	var buf bytes.Buffer
	err := pem.Encode(&buf, &pem.Block{Type: "CERTIFICATE", Bytes: p.httpServer.Certificate().Raw})
	require.NoError(err)
	p.caCert = buf.String()

	return p
}

// Stop stops the running TestProvider.
func (p *TestProvider) Stop() {
	p.httpServer.Close()
}

// Addr returns the current base URL for the test provider's running
// webserver, which is also its issuer.
func (p *TestProvider) Addr() string { return p.httpServer.URL }

// CACert returns the pem-encoded CA certificate used by the test provider's
// HTTPS server.
func (p *TestProvider) CACert() string { return p.caCert }

// SigningKey returns the key the test provider signs id_tokens with.
func (p *TestProvider) SigningKey() *ecdsa.PrivateKey { return p.signingKey }

// ProviderConfig returns the endpoints the provider advertises in its
// discovery document.
func (p *TestProvider) ProviderConfig() *ProviderConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.providerConfig()
}

func (p *TestProvider) providerConfig() *ProviderConfig {
	pc := &ProviderConfig{
		Issuer:                 p.Addr(),
		AuthURL:                p.Addr() + "/auth",
		TokenURL:               p.Addr() + "/token",
		JWKSURL:                p.Addr() + "/certs",
		EndSessionURL:          p.Addr() + "/end_session",
		ResponseTypesSupported: []string{ResponseTypeCode},
		ScopesSupported:        []string{"openid", ScopeProfile, "email"},
	}
	if p.disableEndSess {
		pc.EndSessionURL = ""
	}
	return pc
}

// ClientID returns the client id the provider accepts.
func (p *TestProvider) ClientID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clientID
}

// SetClientID configures the client id the provider accepts.
func (p *TestProvider) SetClientID(clientID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clientID = clientID
}

// SetExpectedAuthCode configures the auth code to return from /auth and the
// allowed auth code for /token.  An empty code makes /auth deny access.
func (p *TestProvider) SetExpectedAuthCode(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expectedAuthCode = code
}

// SetTokens configures the tokens returned by the authorization_code grant.
func (p *TestProvider) SetTokens(accessToken, refreshToken string, expiresIn int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.accessToken = accessToken
	p.refreshToken = refreshToken
	p.expiresIn = expiresIn
}

// SetRefreshedTokens configures the tokens returned by the refresh_token
// grant.  An empty refreshToken means the refresh_token isn't rotated.
func (p *TestProvider) SetRefreshedTokens(accessToken, refreshToken string, expiresIn int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshedAccessToken = accessToken
	p.refreshedRefreshToken = refreshToken
	p.refreshedExpiresIn = expiresIn
}

// SetRefreshError forces the refresh_token grant to fail with the OAuth error
// code (for example "invalid_grant").  An empty code clears the error.
func (p *TestProvider) SetRefreshError(code string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshError = code
}

// SetRefreshDelay delays every refresh_token grant response.
func (p *TestProvider) SetRefreshDelay(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshDelay = d
}

// SetEndSessionStatus configures the http status returned by /end_session.
func (p *TestProvider) SetEndSessionStatus(status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.endSessionStatus = status
}

// DisableEndSession omits the end_session_endpoint from discovery.
func (p *TestProvider) DisableEndSession() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disableEndSess = true
}

// OmitIDTokens makes /token responses omit the id_token.
func (p *TestProvider) OmitIDTokens() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitIDToken = true
}

// OmitExpiresIn makes /token responses omit expires_in.
func (p *TestProvider) OmitExpiresIn() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitExpiresIn = true
}

// RefreshCount returns the number of refresh_token grants received.
func (p *TestProvider) RefreshCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshCount
}

// AuthRequests returns the query of every /auth request received.
func (p *TestProvider) AuthRequests() []url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]url.Values(nil), p.authRequests...)
}

// TokenRequests returns the form of every /token request received.
func (p *TestProvider) TokenRequests() []url.Values {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]url.Values(nil), p.tokenRequests...)
}

// EndSessionHints returns the id_token_hint of every /end_session request
// received.
func (p *TestProvider) EndSessionHints() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.endSessionHints...)
}

func (p *TestProvider) writeJSON(w http.ResponseWriter, out interface{}) error {
	enc := json.NewEncoder(w)
	return enc.Encode(out)
}

func (p *TestProvider) writeAuthErrorResponse(w http.ResponseWriter, req *http.Request, errorCode, errorMessage string) {
	qv := req.URL.Query()
	u, err := url.Parse(qv.Get("redirect_uri"))
	if err != nil || qv.Get("redirect_uri") == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	rq := u.Query()
	rq.Set("state", qv.Get("state"))
	rq.Set("error", errorCode)
	if errorMessage != "" {
		rq.Set("error_description", errorMessage)
	}
	u.RawQuery = rq.Encode()
	http.Redirect(w, req, u.String(), http.StatusFound)
}

func (p *TestProvider) writeTokenErrorResponse(w http.ResponseWriter, statusCode int, errorCode, errorMessage string) error {
	body := struct {
		Code string `json:"error"`
		Desc string `json:"error_description,omitempty"`
	}{
		Code: errorCode,
		Desc: errorMessage,
	}
	w.WriteHeader(statusCode)
	return p.writeJSON(w, &body)
}

// ServeHTTP implements the test provider's http.Handler.
func (p *TestProvider) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	switch req.URL.Path {
	case "/.well-known/openid-configuration":
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		p.mu.Lock()
		pc := p.providerConfig()
		p.mu.Unlock()
		reply := struct {
			*ProviderConfig
			CodeChallengeMethods []string `json:"code_challenge_methods_supported"`
		}{
			ProviderConfig:       pc,
			CodeChallengeMethods: []string{string(S256)},
		}
		_ = p.writeJSON(w, &reply)

	case "/auth":
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		p.handleAuth(w, req)

	case "/token":
		if req.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := req.ParseForm(); err != nil {
			_ = p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_request", "unable to parse form")
			return
		}
		p.mu.Lock()
		p.tokenRequests = append(p.tokenRequests, req.PostForm)
		p.mu.Unlock()
		switch req.PostForm.Get("grant_type") {
		case "authorization_code":
			p.handleCodeGrant(w, req.PostForm)
		case "refresh_token":
			p.handleRefreshGrant(w, req.PostForm)
		default:
			_ = p.writeTokenErrorResponse(w, http.StatusBadRequest, "unsupported_grant_type", "bad grant_type")
		}

	case "/certs":
		if req.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		_ = p.writeJSON(w, p.jwks)

	case "/end_session":
		p.mu.Lock()
		disabled, status := p.disableEndSess, p.endSessionStatus
		if !disabled {
			p.endSessionHints = append(p.endSessionHints, req.URL.Query().Get("id_token_hint"))
		}
		p.mu.Unlock()
		if disabled {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(status)

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (p *TestProvider) handleAuth(w http.ResponseWriter, req *http.Request) {
	p.mu.Lock()
	defer p.mu.Unlock()

	qv := req.URL.Query()
	p.authRequests = append(p.authRequests, qv)

	scopes := strings.Fields(qv.Get("scope"))
	switch {
	case qv.Get("client_id") != p.clientID:
		p.writeAuthErrorResponse(w, req, "unauthorized_client", "unknown client_id")
		return
	case qv.Get("response_type") != ResponseTypeCode:
		p.writeAuthErrorResponse(w, req, "unsupported_response_type", "")
		return
	case !slices.Contains(scopes, "openid") || !slices.Contains(scopes, ScopeProfile):
		p.writeAuthErrorResponse(w, req, "invalid_scope", "")
		return
	case qv.Get("code_challenge_method") != string(S256) || qv.Get("code_challenge") == "":
		p.writeAuthErrorResponse(w, req, "invalid_request", "PKCE S256 challenge required")
		return
	case qv.Get("state") == "":
		p.writeAuthErrorResponse(w, req, "invalid_request", "missing state parameter")
		return
	case p.expectedAuthCode == "":
		p.writeAuthErrorResponse(w, req, "access_denied", "")
		return
	}

	u, err := url.Parse(qv.Get("redirect_uri"))
	if err != nil || qv.Get("redirect_uri") == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	p.lastChallenge = qv.Get("code_challenge")
	p.lastNonce = qv.Get("nonce")
	p.lastRedirectURI = qv.Get("redirect_uri")

	rq := u.Query()
	rq.Set("state", qv.Get("state"))
	rq.Set("code", p.expectedAuthCode)
	u.RawQuery = rq.Encode()
	http.Redirect(w, req, u.String(), http.StatusFound)
}

func (p *TestProvider) handleCodeGrant(w http.ResponseWriter, form url.Values) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case form.Get("client_id") != p.clientID:
		_ = p.writeTokenErrorResponse(w, http.StatusUnauthorized, "invalid_client", "unknown client_id")
		return
	case form.Get("redirect_uri") != p.lastRedirectURI:
		_ = p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_grant", "redirect_uri doesn't match the authorization request")
		return
	case p.expectedAuthCode == "" || form.Get("code") != p.expectedAuthCode:
		_ = p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_grant", "unexpected auth code")
		return
	case oauth2.S256ChallengeFromVerifier(form.Get("code_verifier")) != p.lastChallenge:
		_ = p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_grant", "code_verifier doesn't match the code_challenge")
		return
	}

	reply := map[string]interface{}{
		"access_token": p.accessToken,
		"token_type":   "Bearer",
		"scope":        "openid profile",
	}
	if !p.omitExpiresIn {
		reply["expires_in"] = p.expiresIn
	}
	if p.refreshToken != "" {
		reply["refresh_token"] = p.refreshToken
	}
	if !p.omitIDToken {
		reply["id_token"] = p.signIDToken(p.lastNonce)
	}
	_ = p.writeJSON(w, reply)
}

func (p *TestProvider) handleRefreshGrant(w http.ResponseWriter, form url.Values) {
	p.mu.Lock()
	p.refreshCount++
	delay := p.refreshDelay
	p.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case form.Get("client_id") != p.clientID:
		_ = p.writeTokenErrorResponse(w, http.StatusUnauthorized, "invalid_client", "unknown client_id")
		return
	case p.refreshError != "":
		_ = p.writeTokenErrorResponse(w, http.StatusBadRequest, p.refreshError, "refresh rejected")
		return
	case p.refreshToken == "" || form.Get("refresh_token") != p.refreshToken:
		_ = p.writeTokenErrorResponse(w, http.StatusBadRequest, "invalid_grant", "unknown refresh_token")
		return
	}

	reply := map[string]interface{}{
		"access_token": p.refreshedAccessToken,
		"token_type":   "Bearer",
	}
	if !p.omitExpiresIn {
		reply["expires_in"] = p.refreshedExpiresIn
	}
	if p.refreshedRefreshToken != "" {
		reply["refresh_token"] = p.refreshedRefreshToken
		p.refreshToken = p.refreshedRefreshToken
	}
	_ = p.writeJSON(w, reply)
}

// signIDToken issues an id_token for the configured client. The caller must
// hold p.mu.
func (p *TestProvider) signIDToken(nonce string) string {
	now := time.Now()
	stdClaims := jwt.Claims{
		Subject:   p.replySubject,
		Issuer:    p.Addr(),
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
		Expiry:    jwt.NewNumericDate(now.Add(time.Hour)),
		Audience:  jwt.Audience{p.clientID},
	}
	privateClaims := map[string]interface{}{
		"name": "Alice",
	}
	if nonce != "" {
		privateClaims["nonce"] = nonce
	}
	return TestSignJWT(p.t, p.signingKey, stdClaims, privateClaims)
}

// TestSigningKey generates an ES256 key for signing test JWTs.
func TestSigningKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return key
}

// TestSignJWT signs the claims, merged in order, as an ES256 JWT.
func TestSignJWT(t *testing.T, key *ecdsa.PrivateKey, claims ...interface{}) string {
	t.Helper()
	require := require.New(t)
	sig, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.ES256, Key: key},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	require.NoError(err)
	builder := jwt.Signed(sig)
	for _, c := range claims {
		builder = builder.Claims(c)
	}
	raw, err := builder.CompactSerialize()
	require.NoError(err)
	return raw
}

// TestGenerateCA returns a pem-encoded, self-signed CA certificate valid for
// the hosts (names or IPs) for the next few minutes.
func TestGenerateCA(t *testing.T, hosts ...string) string {
	t.Helper()
	require := require.New(t)
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(err)
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.NoError(err)

	now := time.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "qrscan test CA"},
		NotBefore:             now.Add(-time.Minute),
		NotAfter:              now.Add(5 * time.Minute),
		IsCA:                  true,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
			continue
		}
		tmpl.DNSNames = append(tmpl.DNSNames, h)
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}
