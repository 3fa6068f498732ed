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
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func newTestHandle() *watchHandleInternal {
	return &watchHandleInternal{
		path:       "/bookmarks/shipments",
		pendingBuf: map[int]ChangeGroup{},
		changes:    make(chan ChangeGroup, 8),
		closed:     make(chan struct{}),
	}
}

func changeAt(rev int) ChangeGroup {
	return ChangeGroup{Root: Change{Type: ChangeMerge, Body: map[string]JSON{"_rev": float64(rev)}}}
}

func TestWatchManagerDeliversInOrder(t *testing.T) {
	m := &watchManager{}
	h := newTestHandle()

	m.handleChange(h, changeAt(1))
	m.handleChange(h, changeAt(2))
	m.handleChange(h, changeAt(3))

	for want := 1; want <= 3; want++ {
		select {
		case g := <-h.changes:
			rev, _ := g.Root.revOf()
			if rev != want {
				t.Fatalf("delivered rev %d, want %d", rev, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for rev %d", want)
		}
	}
	if h.lastRev != "3" {
		t.Errorf("lastRev = %q, want 3", h.lastRev)
	}
}

func TestWatchManagerBuffersOutOfOrderThenDrains(t *testing.T) {
	m := &watchManager{}
	h := newTestHandle()
	h.lastRev = "0" // resume point: rev 1 is the next one expected

	m.handleChange(h, changeAt(3)) // arrives early, must wait
	m.handleChange(h, changeAt(2)) // still missing rev 1
	m.handleChange(h, changeAt(1)) // unblocks 1, 2, 3 in order

	for want := 1; want <= 3; want++ {
		select {
		case g := <-h.changes:
			rev, _ := g.Root.revOf()
			if rev != want {
				t.Fatalf("delivered rev %d, want %d", rev, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for rev %d", want)
		}
	}
	if len(h.pendingBuf) != 0 {
		t.Errorf("pendingBuf should be drained, has %d entries", len(h.pendingBuf))
	}
}

func TestWatchManagerDropsDuplicates(t *testing.T) {
	m := &watchManager{}
	h := newTestHandle()

	m.handleChange(h, changeAt(1))
	<-h.changes
	m.handleChange(h, changeAt(1)) // duplicate, should be dropped silently

	select {
	case g := <-h.changes:
		t.Fatalf("unexpected delivery of duplicate: %+v", g)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPersistPath(t *testing.T) {
	if got, want := persistPath("/bookmarks/shipments/", "consumer-a"), "/bookmarks/shipments/_meta/watchPersists/consumer-a/rev"; got != want {
		t.Errorf("persistPath = %q, want %q", got, want)
	}
}

func TestWatchHandleCloseTwiceReturnsErrWatcherClosed(t *testing.T) {
	ft := newFakeTransport(nil)
	c := &Client{cfg: &Config{}, transport: ft, metrics: newMetricsCollector()}
	m := newWatchManager(c)
	h := newTestHandle()
	h.client = c
	h.originalID = "w1"
	h.errCh = make(chan error, 1)
	atomic.StoreInt32(&h.state, watchActive)
	m.watches[h.originalID] = h

	wh := &WatchHandle{id: h.originalID, changes: h.changes, errCh: h.errCh, mgr: m}
	if err := wh.Close(context.Background()); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := wh.Close(context.Background()); !errors.Is(err, ErrWatcherClosed) {
		t.Errorf("second Close = %v, want ErrWatcherClosed", err)
	}
}
