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
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	wsHeartbeatInterval = 30 * time.Second
	wsHeartbeatGrace    = 10 * time.Second
	wsReconnectDelay    = 2 * time.Second
)

// wireRequest is the JSON shape of one outbound WebSocket frame (§6).
type wireRequest struct {
	RequestID string            `json:"requestId"`
	Method    string            `json:"method"`
	Path      string            `json:"path"`
	Headers   map[string]string `json:"headers,omitempty"`
	Data      JSON              `json:"data,omitempty"`
}

// requestIDs tolerates the server sending requestId as either a scalar or an
// array, normalizing to a slice once on ingress (design note (a)).
type requestIDs []string

func (r *requestIDs) UnmarshalJSON(b []byte) error {
	var multi []string
	if err := json.Unmarshal(b, &multi); err == nil {
		*r = multi
		return nil
	}
	var single string
	if err := json.Unmarshal(b, &single); err != nil {
		return err
	}
	*r = []string{single}
	return nil
}

// wireFrame is the union of response and change frames; Status is present
// only on a response, Change only on a change notification (§6).
type wireFrame struct {
	RequestID  requestIDs        `json:"requestId"`
	Status     *int              `json:"status,omitempty"`
	StatusText string            `json:"statusText,omitempty"`
	Headers    map[string][]string `json:"headers,omitempty"`
	Data       JSON              `json:"data,omitempty"`
	ResourceID string            `json:"resourceId,omitempty"`
	PathLeft   string            `json:"path_leftover,omitempty"`
	Change     []Change          `json:"change,omitempty"`
}

func (f *wireFrame) isChange() bool { return f.Status == nil && f.Change != nil }

// wsPending is the transport-internal request record of §3.
type wsPending struct {
	result     chan wsResult
	cb         ChangeCallback
	persistent bool
	settled    int32
}

type wsResult struct {
	res *ConnectionResponse
	err error
}

// webSocketTransport implements Transport (C3): one bidirectional socket
// multiplexing concurrent requests by request id, with watch change frames
// dispatched to per-watch callbacks, and a ping/pong watchdog that forces a
// reconnect on silence. Grounded in the reconnecting-WS-client idiom found
// throughout the example pack (pending-request maps keyed by id, a single
// read loop, a dedicated write mutex).
type webSocketTransport struct {
	url *url.URL
	cfg *Config

	connMu sync.Mutex
	conn   *websocket.Conn
	state  int32 // connState

	writeMu sync.Mutex

	pendingMu sync.Map // requestID -> *wsPending

	openListeners []func()
	listenersMu   sync.Mutex

	idSeq int64

	closed    chan struct{}
	closeOnce sync.Once
}

func newWebSocketTransport(cfg *Config, u *url.URL) (Transport, error) {
	t := &webSocketTransport{
		url:    u,
		cfg:    cfg,
		state:  int32(connConnecting),
		closed: make(chan struct{}),
	}
	go t.run()
	return t, nil
}

func (t *webSocketTransport) wsURL() string {
	scheme := "wss"
	if t.url.Scheme == "http" || t.url.Scheme == "ws" {
		scheme = "ws"
	}
	host := t.url.Host
	path := strings.TrimSuffix(t.url.Path, "/")
	return fmt.Sprintf("%s://%s%s/ws", scheme, host, path)
}

// run owns the connect/read/reconnect loop for the lifetime of the transport;
// writes happen on the callers' goroutines, serialized by writeMu. Consecutive dial failures widen
// the wait via reconnectDelay; a successful connect resets the counter.
func (t *webSocketTransport) run() {
	attempt := 0
	for {
		select {
		case <-t.closed:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(t.wsURL(), nil)
		if err != nil {
			attempt++
			logrus.WithError(err).WithField("component", "transport").Debug("websocket dial failed, retrying")
			select {
			case <-t.closed:
				return
			case <-time.After(reconnectDelay(attempt)):
			}
			continue
		}
		attempt = 0

		t.connMu.Lock()
		t.conn = conn
		t.connMu.Unlock()
		atomic.StoreInt32(&t.state, int32(connConnected))
		t.emitOpen()

		t.readLoop(conn)

		t.connMu.Lock()
		if t.conn == conn {
			t.conn = nil
		}
		t.connMu.Unlock()
		atomic.StoreInt32(&t.state, int32(connConnecting))
		t.failNonPersistent()

		select {
		case <-t.closed:
			return
		case <-time.After(reconnectDelay(1)):
		}
	}
}

// readLoop dispatches inbound frames until the socket errs out, at which
// point the watchdog and reader both return so run() can reconnect.
func (t *webSocketTransport) readLoop(conn *websocket.Conn) {
	lastSeen := make(chan struct{}, 1)
	watchdogDone := make(chan struct{})
	go t.watchdog(conn, lastSeen, watchdogDone)
	defer close(watchdogDone)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		select {
		case lastSeen <- struct{}{}:
		default:
		}
		t.dispatch(raw)
	}
}

// watchdog sends an application-level ping every interval and force-closes
// the connection if no inbound frame (including pong-equivalent "ping"
// replies) arrives within interval+grace (§4.3 "Heartbeat").
func (t *webSocketTransport) watchdog(conn *websocket.Conn, seen <-chan struct{}, done <-chan struct{}) {
	ticker := time.NewTicker(wsHeartbeatInterval)
	defer ticker.Stop()
	timeout := time.NewTimer(wsHeartbeatInterval + wsHeartbeatGrace)
	defer timeout.Stop()

	for {
		select {
		case <-done:
			return
		case <-seen:
			if !timeout.Stop() {
				<-timeout.C
			}
			timeout.Reset(wsHeartbeatInterval + wsHeartbeatGrace)
		case <-ticker.C:
			_ = t.writeFrame(wireRequest{RequestID: t.nextID(), Method: "ping"})
		case <-timeout.C:
			conn.Close()
			return
		}
	}
}

func (t *webSocketTransport) nextID() string {
	id := atomic.AddInt64(&t.idSeq, 1)
	return fmt.Sprintf("req-%d", id)
}

func (t *webSocketTransport) dispatch(raw []byte) {
	var frame wireFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		logrus.WithError(err).WithField("component", "transport").Warn("dropping malformed frame")
		return
	}

	for _, id := range frame.RequestID {
		v, ok := t.pendingMu.Load(id)
		if !ok {
			continue
		}
		p := v.(*wsPending)

		if !frame.isChange() {
			if atomic.CompareAndSwapInt32(&p.settled, 0, 1) {
				res := &ConnectionResponse{
					RequestID:  id,
					Status:     derefStatus(frame.Status),
					StatusText: frame.StatusText,
					Headers:    frame.Headers,
					Data:       frame.Data,
				}
				if res.success() {
					p.result <- wsResult{res: res}
				} else {
					p.result <- wsResult{res: res, err: newClientError(errorKindForStatus(res.Status, false), res.Status, res.StatusText, res.Headers, nil, nil)}
				}
				if !p.persistent {
					t.pendingMu.Delete(id)
				}
			}
			continue
		}

		if p.cb != nil && len(frame.Change) > 0 {
			group := ChangeGroup{Root: frame.Change[0], Children: frame.Change[1:]}
			p.cb(group)
		}
	}
}

func derefStatus(s *int) int {
	if s == nil {
		return 0
	}
	return *s
}

// failNonPersistent runs when the socket drops: non-persistent requests are
// rejected with ECONNRESET per §4.3 "Reconnect". Persistent (watch) records
// are simply dropped rather than rejected — their requestId dies with the
// old socket and the Watch Manager re-subscribes under a fresh id on the
// next "open" event (§4.7), so leaving the stale entry around would only
// leak memory.
func (t *webSocketTransport) failNonPersistent() {
	t.pendingMu.Range(func(k, v any) bool {
		p := v.(*wsPending)
		if !p.persistent && atomic.CompareAndSwapInt32(&p.settled, 0, 1) {
			p.result <- wsResult{err: &ClientError{Kind: KindConnectionReset, Code: "ECONNRESET", Message: "connection reset"}}
		}
		t.pendingMu.Delete(k)
		return true
	})
}

func (t *webSocketTransport) writeFrame(req wireRequest) error {
	t.connMu.Lock()
	conn := t.conn
	t.connMu.Unlock()
	if conn == nil {
		return &ClientError{Kind: KindConnectionReset, Code: "ECONNRESET", Message: "not connected"}
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteJSON(req)
}

func (t *webSocketTransport) Request(ctx context.Context, req ConnectionRequest, cb ChangeCallback, timeout time.Duration) (*ConnectionResponse, error) {
	if req.RequestID == "" {
		req.RequestID = t.nextID()
	}

	p := &wsPending{result: make(chan wsResult, 1), cb: cb, persistent: cb != nil}
	t.pendingMu.Store(req.RequestID, p)

	wireReq := wireRequest{
		RequestID: req.RequestID,
		Method:    req.Method,
		Path:      req.Path,
		Headers:   req.Headers,
		Data:      req.Data,
	}
	if err := t.writeFrame(wireReq); err != nil {
		t.pendingMu.Delete(req.RequestID)
		return nil, err
	}

	ctxDone := ctx.Done()
	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case r := <-p.result:
		// dispatch has no path to classify by; apply the 403-as-404 rule for
		// /resources here.
		if ce, ok := r.err.(*ClientError); ok && ce.Status == 403 && underResources(req.Path) {
			ce.Kind = KindNotFound
		}
		return r.res, r.err
	case <-ctxDone:
		if atomic.CompareAndSwapInt32(&p.settled, 0, 1) {
			t.pendingMu.Delete(req.RequestID)
		}
		return nil, ctx.Err()
	case <-timeoutCh:
		if atomic.CompareAndSwapInt32(&p.settled, 0, 1) {
			t.pendingMu.Delete(req.RequestID)
		}
		return nil, &ClientError{Kind: KindTimeout, Code: "REQUEST_TIMEDOUT", Message: fmt.Sprintf("request timed out after %s", timeout)}
	}
}

func (t *webSocketTransport) Unwatch(ctx context.Context, requestID string) error {
	defer t.pendingMu.Delete(requestID)
	// Per §4.5, unwatch carries an empty Authorization header; the server
	// correlates purely by request id.
	return t.writeFrame(wireRequest{RequestID: requestID, Method: "unwatch", Headers: map[string]string{"authorization": ""}})
}

func (t *webSocketTransport) OnOpen(f func()) {
	t.listenersMu.Lock()
	t.openListeners = append(t.openListeners, f)
	open := connState(atomic.LoadInt32(&t.state)) == connConnected
	t.listenersMu.Unlock()
	if open {
		go f()
	}
}

func (t *webSocketTransport) emitOpen() {
	t.listenersMu.Lock()
	listeners := append([]func(){}, t.openListeners...)
	t.listenersMu.Unlock()
	for _, f := range listeners {
		go f()
	}
}

func (t *webSocketTransport) Close() error {
	t.closeOnce.Do(func() { close(t.closed) })
	atomic.StoreInt32(&t.state, int32(connDisconnected))
	t.connMu.Lock()
	conn := t.conn
	t.conn = nil
	t.connMu.Unlock()
	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
	}
	// Unlike a transient drop, an explicit Close rejects every request still
	// awaiting its first response, persistent watches included, and drops
	// every record. It does not close the change channels of watch handles.
	t.pendingMu.Range(func(k, v any) bool {
		p := v.(*wsPending)
		if atomic.CompareAndSwapInt32(&p.settled, 0, 1) {
			p.result <- wsResult{err: &ClientError{Kind: KindConnectionReset, Code: "ECONNRESET", Message: "transport closed"}}
		}
		t.pendingMu.Delete(k)
		return true
	})
	return nil
}
