// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package httpcache is a local cache of http GET responses.  Responses are
// keyed by URL and the request's Authorization header, so responses fetched
// with one user's token are never served to requests carrying another.
//
// Signing out purges and disables the cache so authenticated responses don't
// outlive the session.
//
// The jwks_uri named by any OpenID discovery document passing through the
// cache is never cached, so a provider's key rotation is seen immediately.
package httpcache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	// DefaultSize is the default maximum number of cached responses.
	DefaultSize = 128

	// DefaultTTL is the default time a response is cached.
	DefaultTTL = 5 * time.Minute

	// maxBodySize bounds the size of a cacheable response body.
	maxBodySize = 1 << 20
)

type entry struct {
	status int
	header http.Header
	body   []byte
}

// Cache holds cached responses.  Use Transport to wrap an http.RoundTripper
// with it; many transports may share one Cache.
type Cache struct {
	mu       sync.RWMutex
	lru      *expirable.LRU[string, *entry]
	disabled bool
	excluded map[string]struct{}
	logger   hclog.Logger
}

// discoveryPath is the suffix of OpenID discovery document URLs.
const discoveryPath = "/.well-known/openid-configuration"

// New creates an enabled Cache.
//
// Supported options: WithSize, WithTTL, WithLogger
func New(opt ...Option) *Cache {
	opts := getOpts(opt...)
	return &Cache{
		lru:      expirable.NewLRU[string, *entry](opts.withSize, nil, opts.withTTL),
		excluded: map[string]struct{}{},
		logger:   opts.withLogger,
	}
}

// Purge removes every cached response.
func (c *Cache) Purge() {
	c.lru.Purge()
	c.logger.Debug("response cache purged")
}

// Disable purges the cache and stops it from storing or serving responses.
func (c *Cache) Disable() {
	c.mu.Lock()
	c.disabled = true
	c.mu.Unlock()
	c.Purge()
	c.logger.Debug("response cache disabled")
}

// Enable resumes caching after Disable.
func (c *Cache) Enable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disabled = false
}

// Disabled reports whether the cache is disabled.
func (c *Cache) Disabled() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.disabled
}

// Exclude stops responses for rawURL (ignoring its query) from being cached
// and removes any already cached.
func (c *Cache) Exclude(rawURL string) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return
	}
	key := excludeKey(u)
	c.mu.Lock()
	c.excluded[key] = struct{}{}
	c.mu.Unlock()
	for _, k := range c.lru.Keys() {
		if strings.HasPrefix(k, key+"?") || strings.HasPrefix(k, key+"|") {
			c.lru.Remove(k)
		}
	}
	c.logger.Debug("response cache excludes url", "url", key)
}

func (c *Cache) isExcluded(u *url.URL) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.excluded[excludeKey(u)]
	return ok
}

func excludeKey(u *url.URL) string {
	v := *u
	v.RawQuery, v.Fragment = "", ""
	return v.String()
}

// Len returns the number of cached responses.
func (c *Cache) Len() int { return c.lru.Len() }

// Transport returns an http.RoundTripper which serves cacheable requests
// from c and otherwise uses base (http.DefaultTransport when nil).
func (c *Cache) Transport(base http.RoundTripper) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{cache: c, base: base}
}

// Wrap is Transport with a signature suitable for oidc.WithRoundTripper.
func (c *Cache) Wrap(base http.RoundTripper) http.RoundTripper {
	return c.Transport(base)
}

// Transport is an http.RoundTripper backed by a Cache.
type Transport struct {
	cache *Cache
	base  http.RoundTripper
}

var _ http.RoundTripper = (*Transport)(nil)

// RoundTrip implements http.RoundTripper.  Only GET requests answered with
// 200 and without "Cache-Control: no-store" are cached.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.cache.Disabled() || req.Method != http.MethodGet || hasDirective(req.Header, "no-cache", "no-store") || t.cache.isExcluded(req.URL) {
		return t.base.RoundTrip(req)
	}
	key := cacheKey(req)
	if e, ok := t.cache.lru.Get(key); ok {
		t.cache.logger.Trace("response cache hit", "url", req.URL.Redacted())
		return e.response(req), nil
	}

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK || hasDirective(resp.Header, "no-store") {
		return resp, nil
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize+1))
	_ = resp.Body.Close()
	if err != nil {
		return nil, err
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	if strings.HasSuffix(req.URL.Path, discoveryPath) {
		t.excludeKeySet(body)
	}
	// the cache may have been disabled while the request was in flight
	if len(body) <= maxBodySize && !t.cache.Disabled() {
		t.cache.lru.Add(key, &entry{status: resp.StatusCode, header: resp.Header.Clone(), body: body})
	}
	return resp, nil
}

// excludeKeySet excludes the jwks_uri of a discovery document.
func (t *Transport) excludeKeySet(body []byte) {
	var doc struct {
		JWKSURL string `json:"jwks_uri"`
	}
	if err := json.Unmarshal(body, &doc); err != nil || doc.JWKSURL == "" {
		return
	}
	t.cache.Exclude(doc.JWKSURL)
}

func (e *entry) response(req *http.Request) *http.Response {
	return &http.Response{
		Status:        http.StatusText(e.status),
		StatusCode:    e.status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        e.header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(e.body)),
		ContentLength: int64(len(e.body)),
		Request:       req,
	}
}

func cacheKey(req *http.Request) string {
	sum := sha256.Sum256([]byte(req.Header.Get("Authorization")))
	return req.URL.String() + "|" + hex.EncodeToString(sum[:])
}

func hasDirective(h http.Header, directives ...string) bool {
	for _, v := range h.Values("Cache-Control") {
		for _, part := range strings.Split(v, ",") {
			part = strings.ToLower(strings.TrimSpace(part))
			for _, d := range directives {
				if part == d {
					return true
				}
			}
		}
	}
	return false
}
