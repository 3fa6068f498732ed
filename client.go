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
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.New()

// Client is the OADA client facade (C5): typed GET/PUT/POST/HEAD/DELETE/
// WATCH/UNWATCH over whichever Transport the Transport Selector (C1) chose.
type Client struct {
	cfg       *Config
	transport Transport
	watches   *watchManager
	metrics   *metricsCollector
}

// NewClient negotiates a transport for domain and returns a ready-to-use
// Client, per §4.1/§4.5.
func NewClient(domain string, opts ...ClientOption) (*Client, error) {
	cfg, err := newConfig(domain, opts...)
	if err != nil {
		return nil, err
	}

	t, err := selectTransport(cfg)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:       cfg,
		transport: t,
		metrics:   newMetricsCollector(),
	}
	c.watches = newWatchManager(c)
	t.OnOpen(c.watches.onReconnect)
	return c, nil
}

// SetMetricCollector attaches a go-metrics sink (e.g. from
// GlobalPrometheusMetricCollector) to this client's request/watch
// instrumentation.
func (c *Client) SetMetricCollector(m *metricsCollector) { c.metrics = m }

// authHeader returns the Authorization header value for a request, or ""
// for unwatch which must carry an empty value per §4.5.
func (c *Client) authHeader(method string) string {
	if method == "unwatch" {
		return ""
	}
	return "Bearer " + c.cfg.Token
}

func (c *Client) headers(method string, extra map[string]string) map[string]string {
	h := map[string]string{"authorization": c.authHeader(method)}
	if c.cfg.UserAgent != "" {
		h["user-agent"] = c.cfg.UserAgent
	}
	for k, v := range extra {
		h[k] = v
	}
	return h
}

func (c *Client) requestTimeout(override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return c.cfg.Timeout
}

// do is the low-level entry point every facade method funnels through: it
// composes headers, resolves the per-request timeout, and instruments the
// call (C8).
func (c *Client) do(ctx context.Context, method, path string, data JSON, extraHeaders map[string]string, cb ChangeCallback, timeout time.Duration) (*ConnectionResponse, error) {
	if path == "" {
		return nil, ErrPathEmpty
	}
	start := time.Now()
	res, err := c.transport.Request(ctx, ConnectionRequest{
		Method:  method,
		Path:    normalizePath(path),
		Headers: c.headers(method, extraHeaders),
		Data:    data,
	}, cb, c.requestTimeout(timeout))
	c.metrics.observeRequest(method, time.Since(start), err)
	if err != nil && !errors.As(err, new(*ClientError)) {
		log.WithError(err).WithField("method", method).WithField("path", path).Debug("request failed")
	}
	return res, err
}

// resolveContentType implements the precedence order in §4.5: explicit
// argument, then data._type, then tree[path]._type, then application/json.
func resolveContentType(explicit string, data JSON, node *TreeNode) string {
	if explicit != "" {
		return explicit
	}
	if m, ok := data.(map[string]JSON); ok {
		if t, ok := m["_type"].(string); ok && t != "" {
			return t
		}
	}
	if node != nil && node.Type != "" {
		return node.Type
	}
	return "application/json"
}

// GetOptions customizes Get; see §4.5.
type GetOptions struct {
	// Tree, when set, drives a recursive GET (C6) instead of a flat GET.
	Tree *Tree
	// Timeout overrides the client's default per-request timeout.
	Timeout time.Duration
}

// Get performs a GET of path, optionally walking Tree to assemble the
// response's Data from the recursive-GET algorithm (§4.6).
func (c *Client) Get(ctx context.Context, path string, opts *GetOptions) (*ConnectionResponse, error) {
	if opts == nil {
		opts = &GetOptions{}
	}
	res, err := c.do(ctx, "get", path, nil, nil, nil, opts.Timeout)
	if err != nil {
		return res, err
	}
	if opts.Tree != nil {
		data, err := c.recursiveGet(ctx, path, opts.Tree, res.Data, opts.Timeout)
		if err != nil {
			return res, err
		}
		res.Data = data
	}
	return res, nil
}

// PutOptions customizes Put; see §4.5.
type PutOptions struct {
	ContentType string
	RevIfMatch  string
	Tree        *Tree
	Timeout     time.Duration
}

// Put writes data to path. When Tree is set, intermediate resources are
// first materialized by the tree-PUT algorithm (§4.6) before the final PUT.
func (c *Client) Put(ctx context.Context, path string, data JSON, opts *PutOptions) (*ConnectionResponse, error) {
	if opts == nil {
		opts = &PutOptions{}
	}
	if opts.Tree != nil {
		return c.treePut(ctx, path, *opts.Tree, data, opts.ContentType, opts.Timeout)
	}
	return c.rawPut(ctx, path, data, resolveContentType(opts.ContentType, data, nil), opts.RevIfMatch, opts.Timeout)
}

func (c *Client) rawPut(ctx context.Context, path string, data JSON, contentType, revIfMatch string, timeout time.Duration) (*ConnectionResponse, error) {
	headers := map[string]string{"content-type": contentType}
	if revIfMatch != "" {
		headers["if-match"] = revIfMatch
	}
	return c.do(ctx, "put", path, data, headers, nil, timeout)
}

// PostOptions customizes Post; see §4.5.
type PostOptions struct {
	ContentType string
	Tree        *Tree
	Timeout     time.Duration
}

// Post lets the server assign a fresh key under path. When Tree is set, this
// is implemented as a tree-PUT to path/<fresh-ksuid> (§4.5).
func (c *Client) Post(ctx context.Context, path string, data JSON, opts *PostOptions) (*ConnectionResponse, error) {
	if opts == nil {
		opts = &PostOptions{}
	}
	if opts.Tree != nil {
		key := strings.TrimPrefix(freshResourceID(), "resources/")
		childPath := strings.TrimSuffix(path, "/") + "/" + key
		return c.treePut(ctx, childPath, *opts.Tree, data, opts.ContentType, opts.Timeout)
	}
	contentType := resolveContentType(opts.ContentType, data, nil)
	return c.do(ctx, "post", path, data, map[string]string{"content-type": contentType}, nil, opts.Timeout)
}

// Head performs a HEAD of path; 2xx or 404 are both non-error outcomes, the
// caller distinguishes existence via the returned response's Status.
func (c *Client) Head(ctx context.Context, path string) (*ConnectionResponse, error) {
	res, err := c.do(ctx, "head", path, nil, nil, nil, 0)
	if err != nil {
		var ce *ClientError
		if errors.As(err, &ce) && ce.Kind == KindNotFound {
			return res, nil
		}
		return res, err
	}
	return res, nil
}

// Delete removes the resource at path.
func (c *Client) Delete(ctx context.Context, path string) (*ConnectionResponse, error) {
	return c.do(ctx, "delete", path, nil, nil, nil, 0)
}

// WatchOptions customizes Watch; see §4.7.
type WatchOptions struct {
	// Rev resumes the watch from a known revision, when non-empty.
	Rev string
	// Persist enables checkpointed resume under the given name (§4.7).
	Persist string
	// TreeMode delivers each ChangeGroup with Tree populated by the §4.7
	// "Change assembly" algorithm (root+children merged into one annotated
	// document) instead of leaving callers to walk Root/Children themselves.
	TreeMode bool
	Timeout  time.Duration
}

// Watch subscribes to change notifications for path (§4.7) and returns a
// handle exposing a pull-based sequence of changes.
func (c *Client) Watch(ctx context.Context, path string, opts *WatchOptions) (*WatchHandle, error) {
	if opts == nil {
		opts = &WatchOptions{}
	}
	return c.watches.subscribe(ctx, path, *opts)
}

// Unwatch tears down a previously established watch by its application-
// visible id (§4.7).
func (c *Client) Unwatch(ctx context.Context, id string) error {
	return c.watches.unwatch(ctx, id)
}

// Disconnect tears down the underlying transport(s). The WebSocket transport
// rejects every request still awaiting its first response with a
// connection-reset error; the HTTP/2 transport refuses new and retried
// requests and lets in-flight ones finish. The change channels of open
// WatchHandles are not closed.
func (c *Client) Disconnect() error {
	return c.transport.Close()
}
