// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"fmt"

	"golang.org/x/oauth2"
)

// ChallengeMethod represents PKCE code challenge methods as defined by RFC
// 7636.
type ChallengeMethod string

const (
	// S256 is the only challenge method used by this package: the challenge
	// is BASE64URL-ENCODE(SHA256(ASCII(code_verifier))).
	// See: https://datatracker.ietf.org/doc/html/rfc7636#section-4.2
	S256 ChallengeMethod = "S256"

	// verifierLen is the length of a verifier produced by
	// oauth2.GenerateVerifier: 32 random octets, base64url encoded.
	verifierLen = 43

	// the min and max verifier lengths allowed by RFC 7636 section 4.1
	minVerifierLen = 43
	maxVerifierLen = 128
)

// CodeVerifier is a PKCE code verifier and its derived challenge.  A new one
// is created for every authorization request and it's never persisted.
type CodeVerifier struct {
	verifier  string
	challenge string
	method    ChallengeMethod
}

// NewCodeVerifier creates a new CodeVerifier (S256 method).
// See: https://datatracker.ietf.org/doc/html/rfc7636#section-4.1
func NewCodeVerifier() (*CodeVerifier, error) {
	const op = "NewCodeVerifier"
	v := &CodeVerifier{
		verifier: oauth2.GenerateVerifier(),
		method:   S256,
	}
	c, err := CreateCodeChallenge(v.method, v)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create code challenge: %w", op, err)
	}
	v.challenge = c
	return v, nil
}

// Verifier returns the code verifier (see: CodeVerifier interface)
func (v *CodeVerifier) Verifier() string { return v.verifier }

// Challenge returns the code verifier's code challenge (see: CodeVerifier
// interface)
func (v *CodeVerifier) Challenge() string { return v.challenge }

// Method returns the code verifier's challenge method (see: CodeVerifier
// interface)
func (v *CodeVerifier) Method() ChallengeMethod { return v.method }

// Copy returns a copy of the verifier
func (v *CodeVerifier) Copy() *CodeVerifier {
	return &CodeVerifier{
		verifier:  v.verifier,
		challenge: v.challenge,
		method:    v.method,
	}
}

// CreateCodeChallenge creates a code challenge from the verifier. Supported
// ChallengeMethods: S256
//
// See: https://datatracker.ietf.org/doc/html/rfc7636#section-4.2
func CreateCodeChallenge(method ChallengeMethod, v *CodeVerifier) (string, error) {
	const op = "CreateCodeChallenge"
	if v == nil {
		return "", fmt.Errorf("%s: code verifier is nil: %w", op, ErrNilParameter)
	}
	if method != S256 {
		return "", fmt.Errorf("%s: %s is invalid: %w", op, method, ErrUnsupportedChallengeMethod)
	}
	if l := len(v.verifier); l < minVerifierLen || l > maxVerifierLen {
		return "", fmt.Errorf("%s: verifier length %d is outside %d-%d: %w", op, l, minVerifierLen, maxVerifierLen, ErrInvalidParameter)
	}
	return oauth2.S256ChallengeFromVerifier(v.verifier), nil
}
