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

import "testing"

func TestResolveContentTypePrecedence(t *testing.T) {
	node := &TreeNode{Type: "application/vnd.oada.tree+json"}

	if got := resolveContentType("application/explicit+json", nil, node); got != "application/explicit+json" {
		t.Errorf("explicit argument should win, got %q", got)
	}

	data := map[string]JSON{"_type": "application/vnd.oada.data+json"}
	if got := resolveContentType("", data, node); got != "application/vnd.oada.data+json" {
		t.Errorf("data._type should win over tree node, got %q", got)
	}

	if got := resolveContentType("", map[string]JSON{}, node); got != node.Type {
		t.Errorf("tree node type should win over default, got %q", got)
	}

	if got := resolveContentType("", nil, nil); got != "application/json" {
		t.Errorf("default should be application/json, got %q", got)
	}
}

func TestClientAuthHeaderEmptyForUnwatch(t *testing.T) {
	c := &Client{cfg: &Config{Token: "secret"}}
	if got := c.authHeader("get"); got != "Bearer secret" {
		t.Errorf("authHeader(get) = %q", got)
	}
	if got := c.authHeader("unwatch"); got != "" {
		t.Errorf("authHeader(unwatch) = %q, want empty", got)
	}
}

func TestClientRequestTimeoutFallsBackToConfig(t *testing.T) {
	c := &Client{cfg: &Config{Timeout: 7}}
	if got := c.requestTimeout(0); got != 7 {
		t.Errorf("requestTimeout(0) = %v, want config default", got)
	}
	if got := c.requestTimeout(3); got != 3 {
		t.Errorf("requestTimeout(3) = %v, want override", got)
	}
}
