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

/*
Package oada provides a Go client for an OADA-compliant HTTP/JSON resource
server. A server exposes a tree of JSON resources addressable by path, each
carrying a monotonically increasing revision counter and content type.

Usage:

	import "go.oada.dev/oada"

	c, err := oada.NewClient("api.example.com", oada.WithToken("sometoken"))
	if err != nil {
		// ...
	}

	res, err := c.Get(ctx, "/bookmarks", nil)

All of the APIs take a https://pkg.go.dev/context context which can carry
cancellation and deadlines for handling a request.

The client also exposes a tree-aware recursive PUT/GET algorithm (Tree) that
materializes intermediate resources according to a user-supplied schema, and
a Watch subsystem that streams ordered change feeds for a subtree and, with
WatchOptions.Persist, checkpoints the last processed revision into the server itself
so that a crashed consumer resumes where it left off.
*/
package oada
