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
	"math"
	"math/rand"
	"time"
)

const (
	reconnectMinInterval = wsReconnectDelay
	reconnectMaxInterval = 1 * time.Minute
	reconnectJitterRate  = 0.2
	maxInt63             = int64(^uint64(0) >> 1)
)

// reconnectDelay computes the exponentially growing, jittered wait before
// the WebSocket transport's nth reconnect attempt (§4.3 "Reconnect"),
// doubling from reconnectMinInterval up to reconnectMaxInterval.
func reconnectDelay(attempt int) time.Duration {
	var delay time.Duration
	if attempt <= 1 {
		delay = reconnectMinInterval
	} else {
		delay = saturatedMultiply(reconnectMinInterval, math.Pow(2.0, float64(attempt-1)))
		if delay > reconnectMaxInterval {
			delay = reconnectMaxInterval
		}
	}

	minJitter := int64(float64(delay) * (1 - reconnectJitterRate))
	maxJitter := int64(float64(delay) * (1 + reconnectJitterRate))
	bound := maxJitter - minJitter + 1
	result := saturatedAdd(minJitter, boundedRandom(bound))
	if result < 0 {
		result = 0
	}
	return time.Duration(result)
}

func saturatedMultiply(left time.Duration, right float64) time.Duration {
	result := float64(left) * right
	if result > float64(maxInt63) {
		return time.Duration(maxInt63)
	}
	return time.Duration(result)
}

// boundedRandom returns a uniformly distributed value in [0, bound), using
// rejection sampling to avoid modulo bias for non-power-of-two bounds.
func boundedRandom(bound int64) int64 {
	if bound <= 0 {
		return 0
	}
	mask := bound - 1
	result := rand.Int63()
	if bound&mask == 0 {
		return result & mask
	}
	// Reject draws from the final, incomplete block of bound values.
	for result-result%bound > maxInt63-mask {
		result = rand.Int63()
	}
	return result % bound
}

// saturatedAdd adds without overflowing into the sign bit; ported from the
// teacher's Guava-derived helper.
func saturatedAdd(a, b int64) int64 {
	naiveSum := a + b
	if a^b < 0 || a^naiveSum >= 0 {
		return naiveSum
	}
	return maxInt63 + ((naiveSum >> 63) ^ 1)
}
