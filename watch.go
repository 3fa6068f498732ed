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
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// watch states, mirroring the Watcher lifecycle the teacher drives off
// Watcher.state, generalized to the reconnect cycle a persistent WS
// subscription goes through (§4.7).
const (
	watchSubscribing int32 = iota
	watchActive
	watchResubscribing
	watchClosed
)

// watchManager owns every live subscription for a Client: it issues the
// initial persistent request, re-subscribes on Transport.OnOpen, and
// reassembles ordered, gap-filled change sequences per watch (§4.7).
type watchManager struct {
	client *Client

	mu      sync.Mutex
	watches map[string]*watchHandleInternal // originalID -> handle
}

func newWatchManager(c *Client) *watchManager {
	return &watchManager{client: c, watches: map[string]*watchHandleInternal{}}
}

// watchHandleInternal is one subscription's mutable state: its current
// (renewable) wire request id, the last contiguously-delivered revision, and
// a buffer of out-of-order change groups awaiting their missing predecessor.
type watchHandleInternal struct {
	client      *Client
	originalID  string
	path        string
	persistName string

	treeMode bool

	mu         sync.Mutex
	currentID  string
	lastRev    string
	pendingBuf map[int]ChangeGroup

	changes chan ChangeGroup
	errCh   chan error
	closed  chan struct{}
	state   int32
}

// WatchHandle is the application-visible result of Client.Watch: a pull
// channel of change groups, plus an error channel signaled if the
// subscription dies without being explicitly closed (e.g. the re-subscribe
// after a reconnect fails; it is attempted once).
type WatchHandle struct {
	id      string
	changes <-chan ChangeGroup
	errCh   <-chan error
	mgr     *watchManager
	closed  int32
}

// ID returns the application-visible watch id, stable across reconnects; it
// is what Client.Unwatch expects.
func (w *WatchHandle) ID() string { return w.id }

// Changes streams ordered, gap-filled change groups for the watched path.
// The channel closes when the watch is unwatched or permanently fails.
func (w *WatchHandle) Changes() <-chan ChangeGroup { return w.changes }

// Err reports a terminal failure of the subscription; it is never written to
// following an explicit Close.
func (w *WatchHandle) Err() <-chan error { return w.errCh }

// Close tears down the subscription, per §4.5 "Unwatch" (empty Authorization
// header on the wire). A second Close returns ErrWatcherClosed.
func (w *WatchHandle) Close(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&w.closed, 0, 1) {
		return ErrWatcherClosed
	}
	return w.mgr.unwatch(ctx, w.id)
}

// subscribe implements Client.Watch: it resolves a resume point (from an
// explicit Rev or a persisted checkpoint), registers the handle, and issues
// the first persistent request.
func (m *watchManager) subscribe(ctx context.Context, path string, opts WatchOptions) (*WatchHandle, error) {
	h := &watchHandleInternal{
		client:      m.client,
		originalID:  freshWatchID(),
		path:        normalizePath(path),
		persistName: opts.Persist,
		treeMode:    opts.TreeMode,
		pendingBuf:  map[int]ChangeGroup{},
		changes:     make(chan ChangeGroup, 32),
		errCh:       make(chan error, 1),
		closed:      make(chan struct{}),
	}
	atomic.StoreInt32(&h.state, watchSubscribing)

	switch {
	case h.persistName != "":
		if rev, err := m.client.loadPersistedRev(ctx, h.path, h.persistName); err == nil && rev != "" {
			h.lastRev = rev
		}
	case opts.Rev != "":
		h.lastRev = opts.Rev
	}

	m.mu.Lock()
	m.watches[h.originalID] = h
	m.mu.Unlock()

	if err := m.startRequest(ctx, h, opts.Timeout); err != nil {
		m.mu.Lock()
		delete(m.watches, h.originalID)
		m.mu.Unlock()
		return nil, err
	}

	return &WatchHandle{id: h.originalID, changes: h.changes, errCh: h.errCh, mgr: m}, nil
}

// startRequest sends (or re-sends, after a reconnect) the persistent watch
// request under a fresh wire request id, per §4.7 "Renewal": the id changes
// every cycle, but the application-visible WatchHandle.ID() never does.
func (m *watchManager) startRequest(ctx context.Context, h *watchHandleInternal, timeout time.Duration) error {
	currentID := freshWatchID()
	h.mu.Lock()
	h.currentID = currentID
	lastRev := h.lastRev
	h.mu.Unlock()

	headers := map[string]string{}
	if lastRev != "" {
		headers["x-oada-rev"] = lastRev
	}

	cb := func(group ChangeGroup) { m.handleChange(h, group) }

	c := m.client
	start := time.Now()
	_, err := c.transport.Request(ctx, ConnectionRequest{
		RequestID: currentID,
		Method:    "watch",
		Path:      h.path,
		Headers:   c.headers("watch", headers),
	}, cb, c.requestTimeout(timeout))
	c.metrics.observeRequest("watch", time.Since(start), err)
	if err != nil {
		return err
	}
	atomic.StoreInt32(&h.state, watchActive)
	return nil
}

// handleChange applies the contiguous-gap-filling rule of §4.7: a change
// group is delivered and the checkpoint advances only once every lower
// revision has already been seen; anything ahead of that waits in
// pendingBuf, anything behind it is a duplicate and is dropped.
func (m *watchManager) handleChange(h *watchHandleInternal, group ChangeGroup) {
	rev, ok := group.Root.revOf()
	if !ok {
		h.deliver(group)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.lastRev != "" {
		last, err := strconv.Atoi(h.lastRev)
		if err == nil {
			if rev <= last {
				return
			}
			if rev > last+1 {
				h.pendingBuf[rev] = group
				return
			}
		}
	}

	h.advanceLocked(rev, group)
}

func (h *watchHandleInternal) advanceLocked(rev int, group ChangeGroup) {
	h.deliverLocked(group)
	h.lastRev = strconv.Itoa(rev)
	h.reportPersistLagLocked()
	if h.persistName != "" {
		go h.persistCheckpoint()
	}
	for {
		next, ok := h.pendingBuf[rev+1]
		if !ok {
			return
		}
		delete(h.pendingBuf, rev+1)
		h.deliverLocked(next)
		rev++
		h.lastRev = strconv.Itoa(rev)
		h.reportPersistLagLocked()
		if h.persistName != "" {
			go h.persistCheckpoint()
		}
	}
}

// reportPersistLagLocked reports oada.watch.persist.lag (§4.8): the number
// of already-buffered out-of-order revisions still waiting on the checkpoint
// that was just advanced, i.e. how far the next persisted write is already
// behind what the server has sent.
func (h *watchHandleInternal) reportPersistLagLocked() {
	if h.persistName == "" || h.client == nil {
		return
	}
	h.client.metrics.observePersistLag(h.persistName, float64(len(h.pendingBuf)))
}

// persistCheckpoint writes the latest contiguous revision back to the
// server. It runs in its own goroutine off the hot change-delivery path, so
// it re-reads the fields it needs rather than being called under h.mu.
func (h *watchHandleInternal) persistCheckpoint() {
	h.mu.Lock()
	rev := h.lastRev
	path := h.path
	name := h.persistName
	client := h.client
	h.mu.Unlock()
	if client == nil {
		return
	}
	revInt, err := strconv.Atoi(rev)
	if err != nil {
		return
	}
	_ = client.savePersistedRev(context.Background(), path, name, revInt)
}

func (h *watchHandleInternal) deliver(group ChangeGroup) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deliverLocked(group)
}

func (h *watchHandleInternal) deliverLocked(group ChangeGroup) {
	if h.treeMode {
		group.Tree = assembleTreeChange(group)
	}
	select {
	case h.changes <- group:
	case <-h.closed:
	}
}

// assembleTreeChange implements §4.7 "Change assembly": the root change and
// every descendant change are merged into one nested document, each node
// annotated with the Change(s) whose path targeted it. Delete bodies have
// their null leaves translated to absent keys; merge bodies deep-merge.
func assembleTreeChange(group ChangeGroup) JSON {
	doc := map[string]JSON{}
	applyChangeToTree(doc, group.Root)
	for _, ch := range group.Children {
		applyChangeToTree(doc, ch)
	}
	return doc
}

const changeAnnotationKey = "changes"

func applyChangeToTree(doc map[string]JSON, ch Change) {
	node := descendToNode(doc, splitPath(ch.Path))
	existing, _ := node[changeAnnotationKey].([]Change)
	node[changeAnnotationKey] = append(existing, ch)

	if ch.Type == ChangeDelete {
		deepDeleteInto(node, ch.Body)
	} else {
		deepMergeInto(node, ch.Body)
	}
}

// descendToNode walks (creating as needed) the nested map chain for segs,
// returning the map at that location.
func descendToNode(doc map[string]JSON, segs []string) map[string]JSON {
	cur := doc
	for _, s := range segs {
		next, ok := cur[s].(map[string]JSON)
		if !ok {
			next = map[string]JSON{}
			cur[s] = next
		}
		cur = next
	}
	return cur
}

// deepMergeInto merges src's keys into dst, recursing into nested objects
// rather than overwriting them wholesale.
func deepMergeInto(dst map[string]JSON, src JSON) {
	srcMap, ok := src.(map[string]JSON)
	if !ok {
		return
	}
	for k, v := range srcMap {
		if vm, ok := v.(map[string]JSON); ok {
			dm, ok := dst[k].(map[string]JSON)
			if !ok {
				dm = map[string]JSON{}
				dst[k] = dm
			}
			deepMergeInto(dm, vm)
			continue
		}
		dst[k] = v
	}
}

// deepDeleteInto applies a delete change's body: a null leaf removes the
// corresponding key from dst rather than setting it to nil.
func deepDeleteInto(dst map[string]JSON, src JSON) {
	srcMap, ok := src.(map[string]JSON)
	if !ok {
		return
	}
	for k, v := range srcMap {
		if v == nil {
			delete(dst, k)
			continue
		}
		if vm, ok := v.(map[string]JSON); ok {
			dm, ok := dst[k].(map[string]JSON)
			if !ok {
				dm = map[string]JSON{}
				dst[k] = dm
			}
			deepDeleteInto(dm, vm)
			continue
		}
		dst[k] = v
	}
}

func (h *watchHandleInternal) fail(err error) {
	for _, from := range []int32{watchSubscribing, watchActive, watchResubscribing} {
		if atomic.CompareAndSwapInt32(&h.state, from, watchClosed) {
			select {
			case h.errCh <- err:
			default:
			}
			close(h.closed)
			close(h.changes)
			return
		}
	}
}

// onReconnect is registered with Transport.OnOpen: every live watch
// re-subscribes under a fresh wire request id, resuming from its last
// delivered revision (§4.7 "Reconnect handling").
func (m *watchManager) onReconnect() {
	m.mu.Lock()
	handles := make([]*watchHandleInternal, 0, len(m.watches))
	for _, h := range m.watches {
		handles = append(handles, h)
	}
	m.mu.Unlock()

	for _, h := range handles {
		if atomic.LoadInt32(&h.state) == watchClosed {
			continue
		}
		atomic.StoreInt32(&h.state, watchResubscribing)
		go func(h *watchHandleInternal) {
			if err := m.startRequest(context.Background(), h, 0); err != nil {
				logrus.WithError(err).WithField("path", h.path).Warn("watch re-subscribe failed")
				h.fail(err)
				return
			}
			m.client.metrics.observeWatchReconnect(h.path)
		}(h)
	}
}

// unwatch removes the subscription and tells the transport to release its
// current wire request id.
func (m *watchManager) unwatch(ctx context.Context, id string) error {
	m.mu.Lock()
	h, ok := m.watches[id]
	if ok {
		delete(m.watches, id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrUnknownWatch
	}

	h.mu.Lock()
	currentID := h.currentID
	h.mu.Unlock()

	if atomic.CompareAndSwapInt32(&h.state, watchSubscribing, watchClosed) ||
		atomic.CompareAndSwapInt32(&h.state, watchActive, watchClosed) ||
		atomic.CompareAndSwapInt32(&h.state, watchResubscribing, watchClosed) {
		close(h.closed)
		close(h.changes)
	}

	return m.client.transport.Unwatch(ctx, currentID)
}

// persistLinkPath is where a watch's checkpoint link lives: a link to a
// dedicated {rev:integer} resource under the watched path's _meta, keyed by
// the caller-chosen persist name so multiple independent consumers can track
// the same subtree (§4.7 step 2, §6 "a link to a resource {rev: integer}").
func persistLinkPath(path, name string) string {
	return strings.TrimSuffix(path, "/") + "/_meta/watchPersists/" + name
}

// persistPath addresses the rev field directly, for reading/writing the
// checkpoint once its resource already exists.
func persistPath(path, name string) string {
	return persistLinkPath(path, name) + "/rev"
}

// loadPersistedRev reads the checkpoint for (path, name). If no checkpoint
// exists yet, it creates one per §4.7 step 2 ("read /path/_meta to learn
// current _rev; create a new resource {rev:_rev} and link it at
// /path/_meta/watchPersists/N") and returns "" so the watch starts from now,
// exactly as it would on a truly first-ever subscribe.
func (c *Client) loadPersistedRev(ctx context.Context, path, name string) (string, error) {
	res, err := c.do(ctx, "get", persistPath(path, name), nil, nil, nil, 0)
	if err == nil {
		switch v := res.Data.(type) {
		case string:
			return v, nil
		case float64:
			return strconv.FormatInt(int64(v), 10), nil
		default:
			return "", nil
		}
	}

	var ce *ClientError
	if !errors.As(err, &ce) || ce.Kind != KindNotFound {
		return "", err
	}
	if err := c.createPersistCheckpoint(ctx, path, name); err != nil {
		return "", err
	}
	return "", nil
}

// createPersistCheckpoint implements §4.7 step 2: read /path/_meta to learn
// the watched resource's current _rev, create a fresh {rev:_rev} resource,
// and link it at /path/_meta/watchPersists/<name>.
func (c *Client) createPersistCheckpoint(ctx context.Context, path, name string) error {
	rev := 0
	meta, err := c.do(ctx, "get", strings.TrimSuffix(path, "/")+"/_meta", nil, nil, nil, 0)
	if err == nil {
		if m, ok := meta.Data.(map[string]JSON); ok {
			if r, ok := m["_rev"].(float64); ok {
				rev = int(r)
			}
		}
	} else {
		var ce *ClientError
		if !errors.As(err, &ce) || ce.Kind != KindNotFound {
			return err
		}
	}

	id := freshResourceID()
	if _, err := c.rawPut(ctx, id, map[string]JSON{"rev": rev}, "application/json", "", 0); err != nil {
		return err
	}
	link := newLink(id, false)
	_, err = c.rawPut(ctx, persistLinkPath(path, name), link, "application/json", "", 0)
	return err
}

// savePersistedRev persists rev as a JSON number through the checkpoint
// resource's link, never a quoted string (§6 "a link to a resource
// {rev: integer}").
func (c *Client) savePersistedRev(ctx context.Context, path, name string, rev int) error {
	_, err := c.do(ctx, "put", persistPath(path, name), rev, map[string]string{"content-type": "application/json"}, nil, 0)
	return err
}
