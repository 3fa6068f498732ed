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
	"math/rand"
	"sync"
	"time"
)

// maxIfMatchRetries bounds the tree-PUT conflict-resolution loop (§4.6): after
// the first attempt, up to 5 retries are made, and the 6th consecutive 412
// gives up with a KindIfMatchExhausted error instead of retrying.
const maxIfMatchRetries = 5

// randSrc is the package-level jitter source for the tree-PUT backoff
// formula. Tests substitute a seeded *rand.Rand via withRandSource so that
// delay computation is deterministic, the same accommodation the teacher
// makes for its own nextDelay jitter (see utils_test.go's rand.Seed(0) use).
var randMu sync.Mutex
var randSrc = rand.New(rand.NewSource(time.Now().UnixNano()))

func withRandSource(r *rand.Rand) (restore func()) {
	randMu.Lock()
	prev := randSrc
	randSrc = r
	randMu.Unlock()
	return func() {
		randMu.Lock()
		randSrc = prev
		randMu.Unlock()
	}
}

func jitterFloat() float64 {
	randMu.Lock()
	defer randMu.Unlock()
	return randSrc.Float64()
}

// ifMatchBackoff implements the exponential-backoff-with-jitter formula
// specified in §4.6's tree-PUT algorithm verbatim:
//
//	wait 1000·(retries²+rand(0,1)) ms
func ifMatchBackoff(retries int) time.Duration {
	ms := 1000 * (float64(retries*retries) + jitterFloat())
	return time.Duration(ms * float64(time.Millisecond))
}
