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

import "github.com/google/uuid"

// JSON is a dynamic JSON value: nil, bool, float64, string, []JSON or
// map[string]JSON once decoded through encoding/json. The library never
// models a resource body with a fixed Go struct hierarchy, per design note
// "Dynamic request payloads".
type JSON = interface{}

// Link is an embedded reference to another resource: {_id} (non-versioned)
// or {_id,_rev} (versioned), per §3 "Link".
type Link struct {
	ID  string `json:"_id"`
	Rev *int   `json:"_rev,omitempty"`
}

// newLink builds a Link for a freshly created resource, versioned according
// to whether the tree node declared _rev at that boundary (§4.6 "Versioned
// vs non-versioned links").
func newLink(id string, versioned bool) Link {
	if !versioned {
		return Link{ID: id}
	}
	zero := 0
	return Link{ID: id, Rev: &zero}
}

// ChangeType distinguishes a merge (upsert) from a delete notification.
type ChangeType string

const (
	ChangeMerge  ChangeType = "merge"
	ChangeDelete ChangeType = "delete"
)

// Change is a single server-side change notification, per §3 "Change".
type Change struct {
	Type       ChangeType `json:"type"`
	Body       JSON       `json:"body"`
	Path       string     `json:"path"`
	ResourceID string     `json:"resource_id"`
}

// revOf extracts _rev from a change body when present.
func (c *Change) revOf() (int, bool) {
	m, ok := c.Body.(map[string]JSON)
	if !ok {
		return 0, false
	}
	rev, ok := m["_rev"]
	if !ok {
		return 0, false
	}
	switch v := rev.(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}

// ChangeGroup bundles a root Change for the watched resource together with
// zero or more descendant changes, as the server emits them on one frame.
type ChangeGroup struct {
	Root     Change
	Children []Change

	// Tree holds the assembled document for a tree-mode watch (§4.7 "Change
	// assembly"): Root and Children merged into one structure, annotated
	// per node with the Change(s) that targeted it. Nil in single-change
	// mode (the default).
	Tree JSON
}

// freshResourceID mints a client-side unique id for CreateResource. The wire
// format only requires that the token be opaque and unique; the OADA server
// contract does not interpret it, so a UUIDv4 stands in for the reference
// ksuid token (see SPEC_FULL.md §3).
func freshResourceID() string {
	return "resources/" + uuid.NewString()
}

// freshWatchID mints an application-visible watch id, distinct from the
// wire-level requestId a Transport assigns per subscribe/resubscribe cycle
// (§4.7 "Renewal").
func freshWatchID() string {
	return uuid.NewString()
}
