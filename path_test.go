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
	"reflect"
	"testing"
)

func TestSplitPath(t *testing.T) {
	cases := map[string][]string{
		"/bookmarks/shipments": {"bookmarks", "shipments"},
		"bookmarks/shipments/": {"bookmarks", "shipments"},
		"//a//b//":              {"a", "b"},
		"":                      {},
	}
	for in, want := range cases {
		if got := splitPath(in); !reflect.DeepEqual(got, want) {
			t.Errorf("splitPath(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestNormalizePath(t *testing.T) {
	if got, want := normalizePath("a//b/"), "/a/b"; got != want {
		t.Errorf("normalizePath = %q, want %q", got, want)
	}
	if got, want := normalizePath(""), "/"; got != want {
		t.Errorf("normalizePath(\"\") = %q, want %q", got, want)
	}
}

func TestUnderResources(t *testing.T) {
	if !underResources("/resources/abc") {
		t.Error("expected /resources/abc to be under resources")
	}
	if underResources("/bookmarks") {
		t.Error("expected /bookmarks not to be under resources")
	}
}
