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
	"fmt"
	"time"
)

// revHeader is the header the server reports a resource's current _rev
// under, consulted by the tree-PUT If-Match loop.
const revHeader = "X-OADA-Rev"

// TreeNode is one level of a Tree: the _type/_rev declared at that resource
// boundary plus its named children, including a "*" wildcard child matching
// any key present in the data at that level (§4.6 "Tree schema").
type TreeNode struct {
	Type      string
	Versioned bool
	Children  map[string]*TreeNode
}

func (n *TreeNode) child(key string) *TreeNode {
	if n == nil {
		return nil
	}
	if c, ok := n.Children[key]; ok {
		return c
	}
	return n.Children["*"]
}

// Tree describes the shape of a nested resource graph, used both to drive
// tree-PUT (create missing intermediate resources with links) and
// recursive-GET (expand links into nested data).
type Tree struct {
	root *TreeNode
}

// NewTree parses a tree document (as decoded JSON) into a Tree.
func NewTree(doc JSON) (*Tree, error) {
	if doc == nil {
		return nil, ErrQueryMustBeSet
	}
	root, err := parseTreeNode(doc)
	if err != nil {
		return nil, err
	}
	return &Tree{root: root}, nil
}

func isTreeMetaKey(k string) bool {
	return k == "_type" || k == "_rev" || k == "_id" || k == "_meta"
}

func parseTreeNode(doc JSON) (*TreeNode, error) {
	m, ok := doc.(map[string]JSON)
	if !ok {
		return nil, &ClientError{Kind: KindProtocolError, Message: "tree node must be a JSON object"}
	}
	node := &TreeNode{Children: map[string]*TreeNode{}}
	if t, ok := m["_type"].(string); ok {
		node.Type = t
	}
	if _, ok := m["_rev"]; ok {
		node.Versioned = true
	}
	for k, v := range m {
		if isTreeMetaKey(k) {
			continue
		}
		child, err := parseTreeNode(v)
		if err != nil {
			return nil, fmt.Errorf("tree node %q: %w", k, err)
		}
		node.Children[k] = child
	}
	return node, nil
}

// chain walks segs from the tree root, returning one *TreeNode per path
// depth (chain[0] is the root, chain[len(segs)] is the node at the full
// path); entries beyond where the tree runs out are nil.
func (t *Tree) chain(segs []string) []*TreeNode {
	chain := make([]*TreeNode, len(segs)+1)
	chain[0] = t.root
	cur := t.root
	for i, seg := range segs {
		cur = cur.child(seg)
		chain[i+1] = cur
	}
	return chain
}

// treePut implements the tree-PUT algorithm (§4.6): find the deepest
// existing ancestor of path by walking HEAD checks from the leaf upward,
// then build the missing suffix bottom-up as freshly created /resources/<id>
// documents linked into each other, finally merging the link for the
// shallowest missing level into the existing ancestor under an If-Match
// retry loop bounded by maxIfMatchRetries.
func (c *Client) treePut(ctx context.Context, path string, tree Tree, data JSON, contentType string, timeout time.Duration) (*ConnectionResponse, error) {
	segs := splitPath(path)
	if len(segs) == 0 {
		return nil, ErrPathEmpty
	}
	nodes := tree.chain(segs)

	existsIdx, err := c.deepestExistingAncestor(ctx, segs, timeout)
	if err != nil {
		return nil, err
	}

	if existsIdx == len(segs) {
		ct := resolveContentType(contentType, data, nodes[len(segs)])
		return c.rawPut(ctx, path, data, ct, "", timeout)
	}

	// Walk from the leaf up to the deepest existing ancestor. Only a depth
	// whose tree node declares _type is a resource boundary and gets its own
	// freshly created /resources/<uuid>; every other depth is a plain
	// sub-key folded into the accumulating body of the nearest boundary
	// above it (§4.6, §8 scenario 2).
	var acc JSON = data
	for d := len(segs); d > existsIdx; d-- {
		node := nodes[d]
		if node != nil && node.Type != "" {
			ct := resolveContentType(pickContentType(contentType, d == len(segs)), acc, node)
			id := freshResourceID()
			if _, err := c.rawPut(ctx, id, acc, ct, "", timeout); err != nil {
				return nil, err
			}
			acc = newLink(id, node.Versioned)
		}
		acc = map[string]JSON{segs[d-1]: acc}
	}

	parentPath := joinPath(segs[:existsIdx])
	mergeBody := acc.(map[string]JSON)
	parentNode := nodes[existsIdx]
	ct := resolveContentType("", mergeBody, parentNode)
	return c.mergeWithRetry(ctx, parentPath, mergeBody, ct, timeout)
}

// pickContentType only applies the caller's explicit contentType at the
// leaf: intermediate link-carrying resources always resolve from the tree.
func pickContentType(explicit string, isLeaf bool) string {
	if isLeaf {
		return explicit
	}
	return ""
}

// deepestExistingAncestor returns the number of leading segments of segs
// (0..len(segs)) whose joined path already exists on the server, walking
// from the full path down to the root per §4.6.
func (c *Client) deepestExistingAncestor(ctx context.Context, segs []string, timeout time.Duration) (int, error) {
	for i := len(segs); i > 0; i-- {
		exists, err := c.pathExists(ctx, joinPath(segs[:i]), timeout)
		if err != nil {
			return 0, err
		}
		if exists {
			return i, nil
		}
	}
	return 0, nil
}

func (c *Client) pathExists(ctx context.Context, path string, timeout time.Duration) (bool, error) {
	_, err := c.do(ctx, "head", path, nil, nil, nil, timeout)
	if err == nil {
		return true, nil
	}
	var ce *ClientError
	if errors.As(err, &ce) && ce.Kind == KindNotFound {
		return false, nil
	}
	return false, err
}

func revFromHeaders(headers map[string][]string) string {
	// net/http canonicalizes the key to "X-Oada-Rev"; WebSocket frames carry
	// it lower-case.
	for _, k := range []string{revHeader, "X-Oada-Rev", "x-oada-rev"} {
		if v, ok := headers[k]; ok && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

// mergeWithRetry PUTs body to path with If-Match set to the path's current
// _rev, retrying on 412 per the backoff formula in backoff.go up to
// maxIfMatchRetries times before giving up with KindIfMatchExhausted.
func (c *Client) mergeWithRetry(ctx context.Context, path string, body JSON, contentType string, timeout time.Duration) (*ConnectionResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= maxIfMatchRetries; attempt++ {
		rev := ""
		if head, err := c.do(ctx, "head", path, nil, nil, nil, timeout); err == nil && head != nil {
			rev = revFromHeaders(head.Headers)
		}

		res, err := c.rawPut(ctx, path, body, contentType, rev, timeout)
		if err == nil {
			return res, nil
		}

		var ce *ClientError
		if !errors.As(err, &ce) || ce.Kind != KindPreconditionFailed {
			return res, err
		}
		lastErr = err

		if attempt == maxIfMatchRetries {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(ifMatchBackoff(attempt + 1)):
		}
	}
	return nil, &ClientError{Kind: KindIfMatchExhausted, Message: "exhausted If-Match retries on " + path, Cause: lastErr}
}

// recursiveGet implements the recursive-GET algorithm (§4.6): starting from
// the flat response already fetched for path, expand every tree-described
// child (including "*" wildcard matches) by following its link and
// recursing, assembling one nested JSON value.
func (c *Client) recursiveGet(ctx context.Context, path string, tree *Tree, data JSON, timeout time.Duration) (JSON, error) {
	segs := splitPath(path)
	node := tree.root
	for _, s := range segs {
		node = node.child(s)
	}
	return c.expandTree(ctx, node, path, data, timeout)
}

func (c *Client) expandTree(ctx context.Context, node *TreeNode, path string, data JSON, timeout time.Duration) (JSON, error) {
	if node == nil || len(node.Children) == 0 {
		return data, nil
	}
	m, ok := data.(map[string]JSON)
	if !ok {
		return nil, &ClientError{Kind: KindPathMismatch, Message: fmt.Sprintf("tree expects an object at %s but found %T", path, data)}
	}

	result := make(map[string]JSON, len(m))
	for k, v := range m {
		result[k] = v
	}

	for key, child := range node.Children {
		if key == "*" {
			for k, v := range m {
				if isTreeMetaKey(k) {
					continue
				}
				if _, handled := node.Children[k]; handled {
					continue // an exact child already covers this key
				}
				expanded, err := c.expandChild(ctx, child, path, k, v, timeout)
				if err != nil {
					return nil, err
				}
				result[k] = expanded
			}
			continue
		}
		v, present := m[key]
		if !present {
			continue
		}
		expanded, err := c.expandChild(ctx, child, path, key, v, timeout)
		if err != nil {
			return nil, err
		}
		result[key] = expanded
	}
	return result, nil
}

func (c *Client) expandChild(ctx context.Context, node *TreeNode, parentPath, key string, v JSON, timeout time.Duration) (JSON, error) {
	childPath := parentPath + "/" + key
	if !isLink(v) {
		return c.expandTree(ctx, node, childPath, v, timeout)
	}
	res, err := c.do(ctx, "get", childPath, nil, nil, nil, timeout)
	if err != nil {
		return nil, err
	}
	return c.expandTree(ctx, node, childPath, res.Data, timeout)
}

// isLink reports whether v is shaped like a Link: an object whose only keys
// are among _id/_rev.
func isLink(v JSON) bool {
	m, ok := v.(map[string]JSON)
	if !ok {
		return false
	}
	if _, ok := m["_id"]; !ok {
		return false
	}
	for k := range m {
		if k != "_id" && k != "_rev" {
			return false
		}
	}
	return true
}
