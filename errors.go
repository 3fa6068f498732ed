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
	"encoding/json"
	"errors"
	"fmt"
)

// ErrorKind classifies a ClientError the way the OADA client distinguishes
// recoverable conditions from terminal ones.
type ErrorKind int

const (
	// KindUnknown is used for errors that don't fit any other kind.
	KindUnknown ErrorKind = iota
	// KindTimeout is raised when a per-request timeout elapses.
	KindTimeout
	// KindUnauthorized corresponds to HTTP 401/403 responses.
	KindUnauthorized
	// KindNotFound corresponds to HTTP 404 (and 403 under /resources).
	KindNotFound
	// KindPreconditionFailed corresponds to HTTP 412 (If-Match failure).
	KindPreconditionFailed
	// KindRateLimited corresponds to HTTP 429. A 503 is not given this kind,
	// even with Retry-After; the request queue retries such a 503 by its
	// status and header instead.
	KindRateLimited
	// KindConnectionReset covers transport-level resets (ECONNRESET-equivalent).
	KindConnectionReset
	// KindProtocolError covers malformed frames and unsupported ALPN tokens.
	KindProtocolError
	// KindPathMismatch is raised when a tree-GET's shape disagrees with the data.
	KindPathMismatch
	// KindIfMatchExhausted is raised when tree-PUT's conflict retries are exhausted.
	KindIfMatchExhausted
	// KindUnsupported covers operations the server/tree combination cannot satisfy,
	// e.g. a tree-GET whose root is absent.
	KindUnsupported
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "Timeout"
	case KindUnauthorized:
		return "Unauthorized"
	case KindNotFound:
		return "NotFound"
	case KindPreconditionFailed:
		return "PreconditionFailed"
	case KindRateLimited:
		return "RateLimited"
	case KindConnectionReset:
		return "ConnectionReset"
	case KindProtocolError:
		return "ProtocolError"
	case KindPathMismatch:
		return "PathMismatch"
	case KindIfMatchExhausted:
		return "IfMatchExhausted"
	case KindUnsupported:
		return "Unsupported"
	default:
		return "Unknown"
	}
}

// ClientError is the normalized error shape returned by every public
// operation. The server's raw response (status, headers, body) is preserved
// rather than flattened into the message, per the "Error shape" design note.
type ClientError struct {
	Kind       ErrorKind
	Status     int
	StatusText string
	Code       string // e.g. "ECONNRESET", "REQUEST_TIMEDOUT"
	Message    string
	Headers    map[string][]string
	Body       []byte
	Cause      error
}

func (e *ClientError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Status != 0 {
		if e.StatusText != "" {
			return fmt.Sprintf("%d %s", e.Status, e.StatusText)
		}
		return fmt.Sprintf("%d", e.Status)
	}
	if e.Code != "" {
		return e.Code
	}
	return e.Kind.String()
}

func (e *ClientError) Unwrap() error { return e.Cause }

// newClientError constructs a ClientError, deriving Message from whichever of
// cause.Error(), a parsed JSON body's "message" field, "<status> <statusText>"
// or "<status>" is available, in that order, mirroring the normalization rule
// in the design notes.
func newClientError(kind ErrorKind, status int, statusText string, headers map[string][]string, body []byte, cause error) *ClientError {
	ce := &ClientError{
		Kind:       kind,
		Status:     status,
		StatusText: statusText,
		Headers:    headers,
		Body:       body,
		Cause:      cause,
	}

	switch {
	case cause != nil && cause.Error() != "":
		ce.Message = cause.Error()
	case len(body) > 0:
		if msg := messageFromBody(body); msg != "" {
			ce.Message = msg
		}
	}
	if ce.Message == "" {
		ce.Message = ce.Error()
	}
	return ce
}

func messageFromBody(body []byte) string {
	var v struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return ""
	}
	return v.Message
}

// errorKindForStatus maps an HTTP status code (and, for /resources paths, the
// 403-as-404 aliasing rule) to an ErrorKind.
func errorKindForStatus(status int, underResources bool) ErrorKind {
	switch {
	case status == 401:
		return KindUnauthorized
	case status == 403:
		if underResources {
			return KindNotFound
		}
		return KindUnauthorized
	case status == 404:
		return KindNotFound
	case status == 412:
		return KindPreconditionFailed
	case status == 429:
		return KindRateLimited
	default:
		return KindUnknown
	}
}

// IsRecoverable reports whether the error policy in §4.4 would retry this
// error locally rather than propagate it to the caller.
func IsRecoverable(err error) bool {
	var ce *ClientError
	if !errors.As(err, &ce) {
		return false
	}
	if ce.Kind == KindRateLimited {
		return true
	}
	if ce.Kind == KindConnectionReset {
		return true
	}
	return ce.Status == 503 && retryAfterHeader(ce.Headers) != ""
}

// Sentinel errors for conditions that are not tied to a particular request.
var (
	// ErrQueryMustBeSet indicates a nil Query/Tree was supplied where one is required.
	ErrQueryMustBeSet = errors.New("query or tree must be set")
	// ErrWatcherClosed indicates an operation on an already-closed watch.
	ErrWatcherClosed = errors.New("watch is closed")
	// ErrUnknownWatch indicates Unwatch was called with an id that is not active.
	ErrUnknownWatch = errors.New("unknown watch id")
	// ErrPathEmpty indicates an operation was given an empty path where one is required.
	ErrPathEmpty = errors.New("path must not be empty")
)
