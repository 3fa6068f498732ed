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
	"time"
)

// ConnectionRequest is the transport-independent shape of one JSON
// request/response exchange, per §3 "Request record".
type ConnectionRequest struct {
	RequestID string
	Method    string
	Path      string
	Headers   map[string]string
	Data      JSON
}

// ConnectionResponse is the unified result shape both transports produce.
type ConnectionResponse struct {
	RequestID  string
	Status     int
	StatusText string
	Headers    map[string][]string
	Data       JSON
	Raw        []byte // raw bytes when the content-type isn't *.json
}

func (r *ConnectionResponse) success() bool {
	return r.Status >= 200 && r.Status < 300
}

// ChangeCallback is invoked once per inbound change frame addressed to a
// persistent (watch) request record.
type ChangeCallback func(ChangeGroup)

// connState is a transport's lifecycle state, per §3 "Lifecycle".
type connState int32

const (
	connConnecting connState = iota
	connConnected
	connDisconnected
)

// Transport is the contract both the HTTP/2 and WebSocket transports
// implement, dispatched over by the Client facade (C5) and the request
// queue (C4).
type Transport interface {
	// Request sends req and waits for its response. If cb is non-nil the
	// request is persistent (a watch): cb is invoked for every subsequent
	// change frame carrying the same request id, and the record survives
	// past the first response until Unwatch tears it down.
	Request(ctx context.Context, req ConnectionRequest, cb ChangeCallback, timeout time.Duration) (*ConnectionResponse, error)

	// Unwatch releases a persistent request record, sending an unwatch frame
	// with an empty Authorization header per §4.5.
	Unwatch(ctx context.Context, requestID string) error

	// OnOpen registers a listener invoked every time the transport becomes
	// connected, including reconnects. The Watch Manager uses this to
	// re-subscribe (§4.7 "Reconnect handling").
	OnOpen(func())

	// Close tears the transport down: requests submitted afterwards fail, and
	// no further change frames are dispatched to persistent records.
	Close() error
}
