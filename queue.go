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
	"time"

	"golang.org/x/sync/semaphore"
)

// defaultRetryTimeout is the fallback wait when a 429/503 response carries no
// Retry-After/RateLimit-Reset header (§4.4).
const defaultRetryTimeout = 5 * time.Minute

// connResetRetryDelay is the fixed wait before retrying after ECONNRESET (§4.4).
const connResetRetryDelay = 10 * time.Second

// requestWorkFunc performs one physical request attempt.
type requestWorkFunc func(ctx context.Context, req ConnectionRequest, timeout time.Duration) (*ConnectionResponse, error)

// requestQueue is a per-transport FIFO queue bounding concurrency at N
// in-flight requests (C4), implemented with golang.org/x/sync/semaphore the
// way the rest of the example pack leans on golang.org/x/sync for
// coordinated concurrency. It also implements the recoverable-error retry
// policy of §4.4: submit() loops internally on a 429, a 503 with Retry-After,
// and ECONNRESET, so the caller sees one of those only once the queue is
// closed (as ECONNRESET) or ctx ends. A 503 without Retry-After is returned.
type requestQueue struct {
	sem    *semaphore.Weighted
	do     requestWorkFunc
	closed chan struct{}
}

func newRequestQueue(concurrency int, do requestWorkFunc) *requestQueue {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &requestQueue{
		sem:    semaphore.NewWeighted(int64(concurrency)),
		do:     do,
		closed: make(chan struct{}),
	}
}

func (q *requestQueue) close() {
	select {
	case <-q.closed:
	default:
		close(q.closed)
	}
}

// submit acquires a concurrency slot, performs the request, and transparently
// retries recoverable errors per the policy in §4.4.
func (q *requestQueue) submit(ctx context.Context, req ConnectionRequest, timeout time.Duration) (*ConnectionResponse, error) {
	for {
		select {
		case <-q.closed:
			return nil, &ClientError{Kind: KindConnectionReset, Code: "ECONNRESET", Message: "transport closed"}
		default:
		}

		if err := q.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		res, err := q.do(ctx, req, timeout)
		q.sem.Release(1)

		if err == nil {
			return res, nil
		}

		wait, retry := q.classify(err, res)
		if !retry {
			return res, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// classify implements the recoverable-error table in §4.4: rate limiting
// waits for Retry-After/RateLimit-Reset/X-RateLimit-Reset (defaulting to
// defaultRetryTimeout; the wait a header asks for is not capped) and
// ECONNRESET waits a fixed 10s. Everything else propagates.
func (q *requestQueue) classify(err error, res *ConnectionResponse) (time.Duration, bool) {
	var ce *ClientError
	if !errors.As(err, &ce) {
		return 0, false
	}

	if ce.Kind == KindConnectionReset {
		return connResetRetryDelay, true
	}

	if ce.Status == 429 || (ce.Status == 503 && retryAfterHeader(ce.Headers) != "") {
		return retryWait(ce.Headers), true
	}

	return 0, false
}

func retryAfterHeader(h map[string][]string) string {
	for _, k := range []string{"Retry-After", "retry-after"} {
		if v, ok := h[k]; ok && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

// retryWaitHeaderGroups are the header name variants for each of the three
// logical headers §4.4 considers (as written, in net/http's canonical form,
// and lower-case), grouped so retryWait can take the max across whichever
// are actually present rather than stopping at the first.
var retryWaitHeaderGroups = [][]string{
	{"Retry-After", "retry-after"},
	{"RateLimit-Reset", "Ratelimit-Reset", "ratelimit-reset"},
	{"X-RateLimit-Reset", "X-Ratelimit-Reset", "x-ratelimit-reset"},
}

// retryWait resolves the wait duration as the max across whichever of
// Retry-After, RateLimit-Reset, and X-RateLimit-Reset are present, falling
// back to defaultRetryTimeout when none are.
func retryWait(headers map[string][]string) time.Duration {
	found := false
	var max time.Duration
	for _, group := range retryWaitHeaderGroups {
		for _, key := range group {
			values, ok := headers[key]
			if !ok || len(values) == 0 {
				continue
			}
			if secs, err := strconv.Atoi(values[0]); err == nil && secs >= 0 {
				if d := time.Duration(secs) * time.Second; !found || d > max {
					max = d
					found = true
				}
			}
			break
		}
	}
	if !found {
		return defaultRetryTimeout
	}
	return max
}
