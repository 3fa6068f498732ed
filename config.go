// Copyright 2018 LINE Corporation
//
// LINE Corporation licenses this file to you under the Apache License,
// version 2.0 (the "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at:
//
//   https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS, WITHOUT
// WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied. See the
// License for the specific language governing permissions and limitations
// under the License.

package oada

import (
	"net/url"
	"os"
	"strings"
	"time"
)

// ConnectionMode selects how the transport is established, mirroring the
// "connection" field of §6 Configuration.
type ConnectionMode string

const (
	// ConnectionAuto negotiates HTTP/2 vs WebSocket via ALPN (§4.1).
	ConnectionAuto ConnectionMode = "auto"
	// ConnectionWS forces the WebSocket transport.
	ConnectionWS ConnectionMode = "ws"
	// ConnectionHTTP forces the HTTP/2 transport.
	ConnectionHTTP ConnectionMode = "http"
)

const (
	defaultConcurrency    = 1
	defaultUserAgent      = "oada-go"
	defaultRequestTimeout = 0 // no timeout unless set
)

// Config holds the fully resolved client configuration, per §6.
type Config struct {
	Domain      string
	Token       string
	Concurrency int
	Connection  ConnectionMode
	UserAgent   string
	Timeout     time.Duration

	// InsecureSkipVerify disables certificate validation, the Go analogue of
	// NODE_TLS_REJECT_UNAUTHORIZED=0 (§6 Environment).
	InsecureSkipVerify bool
}

// ClientOption customizes a Config, following the functional-option idiom the
// teacher uses for metric collector configuration.
type ClientOption func(*Config)

// WithToken sets the bearer token carried on every request except Unwatch.
func WithToken(token string) ClientOption {
	return func(c *Config) { c.Token = token }
}

// WithConcurrency bounds the number of requests in flight at once on the
// HTTP/2 transport (§4.4). The WebSocket transport does not bound them.
func WithConcurrency(n int) ClientOption {
	return func(c *Config) {
		if n > 0 {
			c.Concurrency = n
		}
	}
}

// WithConnection forces a specific transport instead of ALPN auto-negotiation.
func WithConnection(mode ConnectionMode) ClientOption {
	return func(c *Config) { c.Connection = mode }
}

// WithUserAgent overrides the default User-Agent header.
func WithUserAgent(ua string) ClientOption {
	return func(c *Config) {
		if ua != "" {
			c.UserAgent = ua
		}
	}
}

// WithTimeout sets the default per-request timeout used when a request does
// not specify its own.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Config) { c.Timeout = d }
}

// WithInsecureSkipVerify disables TLS certificate validation. Intended for
// internal/test use, matching NODE_TLS_REJECT_UNAUTHORIZED=0 (§6).
func WithInsecureSkipVerify(skip bool) ClientOption {
	return func(c *Config) { c.InsecureSkipVerify = skip }
}

func newConfig(domain string, opts ...ClientOption) (*Config, error) {
	normalized, err := normalizeDomain(domain)
	if err != nil {
		return nil, err
	}
	c := &Config{
		Domain:      normalized,
		Concurrency: defaultConcurrency,
		Connection:  ConnectionAuto,
		UserAgent:   defaultUserAgent,
		Timeout:     defaultRequestTimeout,
	}
	if v := os.Getenv("OADA_TLS_REJECT_UNAUTHORIZED"); v == "0" {
		c.InsecureSkipVerify = true
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// normalizeDomain adds an https scheme when none is given, so that
// "example.com" is treated as "https://example.com", and drops any path,
// query or fragment, following the teacher's normalizeURL.
func normalizeDomain(domain string) (string, error) {
	if len(domain) == 0 {
		return "", ErrPathEmpty
	}
	if !strings.Contains(domain, "://") {
		domain = "https://" + domain
	}
	u, err := url.Parse(domain)
	if err != nil {
		return "", err
	}
	u.Path = ""
	u.RawQuery = ""
	u.Fragment = ""
	return strings.TrimSuffix(u.String(), "/"), nil
}
