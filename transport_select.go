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
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"time"
)

// alpnProtocolsForScheme implements the scheme-to-ALPN-set mapping in
// §4.1: "http2:" offers only h2, "https:" offers h2 then HTTP/1.x, "http:"
// offers HTTP/1.x only (no TLS, so ALPN is skipped and WebSocket is assumed).
func alpnProtocolsForScheme(scheme string) ([]string, bool, error) {
	switch scheme {
	case "http2":
		return []string{"h2"}, true, nil
	case "https":
		return []string{"h2", "http/1.1", "http/1.0"}, true, nil
	case "http":
		return []string{"http/1.1", "http/1.0"}, false, nil
	default:
		return nil, false, &ClientError{Kind: KindProtocolError, Message: fmt.Sprintf("unsupported scheme: %s", scheme)}
	}
}

func defaultPort(scheme string) string {
	switch scheme {
	case "http":
		return "80"
	default:
		return "443"
	}
}

// probeALPN dials the host:port with TLS and the given candidate protocols,
// returning whichever protocol the server negotiated.
func probeALPN(addr string, protocols []string, insecureSkipVerify bool, timeout time.Duration) (string, error) {
	dialer := &net.Dialer{Timeout: timeout}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{
		NextProtos:         protocols,
		InsecureSkipVerify: insecureSkipVerify,
	})
	if err != nil {
		return "", err
	}
	defer conn.Close()
	return conn.ConnectionState().NegotiatedProtocol, nil
}

// selectTransport implements the Transport Selector (C1): parse the domain,
// map its scheme to an ALPN candidate set, probe, and build the matching
// Transport, falling back to HTTP/2-over-HTTPS on any probe failure.
func selectTransport(cfg *Config) (Transport, error) {
	u, err := url.Parse(cfg.Domain)
	if err != nil {
		return nil, err
	}

	switch cfg.Connection {
	case ConnectionWS:
		return newWebSocketTransport(cfg, u)
	case ConnectionHTTP:
		return newHTTP2Transport(cfg, u)
	}

	protocols, requireTLS, err := alpnProtocolsForScheme(u.Scheme)
	if err != nil {
		return nil, err
	}
	if !requireTLS {
		// "http:" never offers h2, so there's nothing to probe: OADA servers
		// expose their WS endpoint on the same plaintext authority.
		return newWebSocketTransport(cfg, u)
	}

	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = defaultPort(u.Scheme)
	}

	negotiated, err := probeALPN(net.JoinHostPort(host, port), protocols, cfg.InsecureSkipVerify, 10*time.Second)
	if err != nil {
		// Probe failure: fall back to HTTP/2 Transport over HTTPS (§4.1).
		return newHTTP2Transport(cfg, u)
	}

	switch negotiated {
	case "h2":
		return newHTTP2Transport(cfg, u)
	case "http/1.1", "http/1.0", "":
		return newWebSocketTransport(cfg, u)
	default:
		return nil, &ClientError{Kind: KindProtocolError, Message: fmt.Sprintf("unsupported ALPN protocol: %s", negotiated)}
	}
}
