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

import "strings"

// splitPath turns a slash-delimited path into its non-empty segments,
// stripping leading/trailing separators as specified in §3 "Path".
func splitPath(p string) []string {
	parts := strings.Split(p, "/")
	segs := make([]string, 0, len(parts))
	for _, s := range parts {
		if s != "" {
			segs = append(segs, s)
		}
	}
	return segs
}

// joinPath re-assembles segments into a canonical, leading-slash path.
func joinPath(segs []string) string {
	if len(segs) == 0 {
		return "/"
	}
	return "/" + strings.Join(segs, "/")
}

// normalizePath strips and re-joins a path, so "/a/b/" and "a//b" both
// become "/a/b".
func normalizePath(p string) string {
	return joinPath(splitPath(p))
}

// underResources reports whether a server path falls under the /resources
// prefix, where the server hides existence behind 403 instead of 404.
func underResources(p string) bool {
	segs := splitPath(p)
	return len(segs) > 0 && segs[0] == "resources"
}
