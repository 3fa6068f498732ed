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
	"testing"
	"time"
)

func TestRequestQueueRetriesRateLimited(t *testing.T) {
	attempts := 0
	q := newRequestQueue(1, func(ctx context.Context, req ConnectionRequest, timeout time.Duration) (*ConnectionResponse, error) {
		attempts++
		if attempts < 3 {
			return nil, &ClientError{Kind: KindRateLimited, Status: 429, Headers: map[string][]string{"Retry-After": {"0"}}}
		}
		return &ConnectionResponse{Status: 200}, nil
	})

	res, err := q.submit(context.Background(), ConnectionRequest{}, 0)
	if err != nil {
		t.Fatalf("submit returned error: %v", err)
	}
	if res.Status != 200 {
		t.Errorf("Status = %d, want 200", res.Status)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRequestQueuePropagatesNonRecoverable(t *testing.T) {
	q := newRequestQueue(1, func(ctx context.Context, req ConnectionRequest, timeout time.Duration) (*ConnectionResponse, error) {
		return nil, &ClientError{Kind: KindUnauthorized, Status: 401}
	})

	_, err := q.submit(context.Background(), ConnectionRequest{}, 0)
	var ce *ClientError
	if err == nil {
		t.Fatal("expected error")
	}
	if !asClientErrorForTest(err, &ce) || ce.Kind != KindUnauthorized {
		t.Errorf("expected KindUnauthorized, got %v", err)
	}
}

func TestRequestQueueClosedRejectsNewWork(t *testing.T) {
	q := newRequestQueue(1, func(ctx context.Context, req ConnectionRequest, timeout time.Duration) (*ConnectionResponse, error) {
		return &ConnectionResponse{Status: 200}, nil
	})
	q.close()

	_, err := q.submit(context.Background(), ConnectionRequest{}, 0)
	if err == nil {
		t.Fatal("expected error after close")
	}
}

func TestRetryWaitSingleHeader(t *testing.T) {
	headers := map[string][]string{"Retry-After": {"2"}}
	if got, want := retryWait(headers), 2*time.Second; got != want {
		t.Errorf("retryWait = %v, want %v", got, want)
	}
	if got := retryWait(nil); got != defaultRetryTimeout {
		t.Errorf("retryWait(nil) = %v, want %v", got, defaultRetryTimeout)
	}
}

func TestRetryWaitTakesMaxAcrossHeaders(t *testing.T) {
	headers := map[string][]string{
		"Retry-After":       {"2"},
		"X-RateLimit-Reset": {"30"},
		"RateLimit-Reset":   {"5"},
	}
	if got, want := retryWait(headers), 30*time.Second; got != want {
		t.Errorf("retryWait = %v, want %v (max across present headers)", got, want)
	}
}

func asClientErrorForTest(err error, target **ClientError) bool {
	ce, ok := err.(*ClientError)
	if !ok {
		return false
	}
	*target = ce
	return true
}
