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
	"testing"
	"time"
)

func TestIfMatchBackoff(t *testing.T) {
	restore := withRandSource(rand.New(rand.NewSource(0)))
	defer restore()

	for _, retries := range []int{1, 2, 3} {
		d := ifMatchBackoff(retries)
		min := time.Duration(1000*retries*retries) * time.Millisecond
		max := min + time.Second
		if d < min || d > max {
			t.Errorf("ifMatchBackoff(%d) = %v, want in [%v, %v]", retries, d, min, max)
		}
	}
}

func TestIfMatchBackoffDeterministic(t *testing.T) {
	restore := withRandSource(rand.New(rand.NewSource(42)))
	defer restore()
	a := ifMatchBackoff(2)

	restore2 := withRandSource(rand.New(rand.NewSource(42)))
	defer restore2()
	b := ifMatchBackoff(2)

	if a != b {
		t.Errorf("backoff with identical seed diverged: %v != %v", a, b)
	}
}
