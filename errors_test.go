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
	"errors"
	"testing"
)

func TestErrorKindForStatus(t *testing.T) {
	cases := []struct {
		status         int
		underResources bool
		want           ErrorKind
	}{
		{401, false, KindUnauthorized},
		{403, false, KindUnauthorized},
		{403, true, KindNotFound},
		{404, false, KindNotFound},
		{412, false, KindPreconditionFailed},
		{429, false, KindRateLimited},
		{500, false, KindUnknown},
	}
	for _, c := range cases {
		if got := errorKindForStatus(c.status, c.underResources); got != c.want {
			t.Errorf("errorKindForStatus(%d, %v) = %v, want %v", c.status, c.underResources, got, c.want)
		}
	}
}

func TestNewClientErrorMessagePrecedence(t *testing.T) {
	e := newClientError(KindNotFound, 404, "Not Found", nil, []byte(`{"message":"no such resource"}`), nil)
	if e.Message != "no such resource" {
		t.Errorf("Message = %q, want body message", e.Message)
	}

	e = newClientError(KindNotFound, 404, "Not Found", nil, nil, nil)
	if e.Message != "404 Not Found" {
		t.Errorf("Message = %q, want status fallback", e.Message)
	}

	cause := errors.New("boom")
	e = newClientError(KindConnectionReset, 0, "", nil, nil, cause)
	if e.Message != "boom" {
		t.Errorf("Message = %q, want cause error text", e.Message)
	}
}

func TestIsRecoverable(t *testing.T) {
	if !IsRecoverable(&ClientError{Kind: KindRateLimited}) {
		t.Error("rate limited should be recoverable")
	}
	if !IsRecoverable(&ClientError{Kind: KindConnectionReset}) {
		t.Error("connection reset should be recoverable")
	}
	if IsRecoverable(&ClientError{Kind: KindUnauthorized}) {
		t.Error("unauthorized should not be recoverable")
	}
	if !IsRecoverable(&ClientError{Status: 503, Headers: map[string][]string{"Retry-After": {"1"}}}) {
		t.Error("503 with Retry-After should be recoverable")
	}
}

func TestClientErrorUnwrap(t *testing.T) {
	cause := errors.New("underlying")
	e := &ClientError{Cause: cause}
	if !errors.Is(e, cause) {
		t.Error("expected errors.Is to see through Unwrap")
	}
}
