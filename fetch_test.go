// Copyright 2020 The NATS Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nats

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPullExpiry(t *testing.T) {
	require.Equal(t, 90*time.Millisecond, pullExpiry(100*time.Millisecond))
	require.Equal(t, pullExpiryFloor-pullExpiryMargin, pullExpiry(pullExpiryFloor))
	require.Equal(t, 5*time.Millisecond, pullExpiry(5*time.Millisecond))
}

func newTestPullSub(t *testing.T, nc *Conn, nextSubj string) *Subscription {
	t.Helper()
	jsi := &jsSub{pull: 1}
	sub, err := nc.subscribe(nc.NewInbox(), _EMPTY_, nil, nil, jsi)
	require.NoError(t, err)
	jsi.nextSubj = nextSubj
	t.Cleanup(func() { sub.Unsubscribe() })
	return sub
}

func TestFetchLocalDrainSatisfiesBatch(t *testing.T) {
	nc := NewConn()
	defer nc.Close()

	sub := newTestPullSub(t, nc, "next.unused")
	sub.msgs <- &Msg{Data: []byte("a")}
	sub.msgs <- &Msg{Data: []byte("b")}

	msgs, err := sub.Fetch(2, FetchMaxWait(time.Second))
	require.NoError(t, err)
	require.Len(t, msgs, 2)
}

func TestFetch404FlipsToBlockingThenDelivers(t *testing.T) {
	nc := NewConn()
	defer nc.Close()

	nextSubj := "next.req"
	responder, err := nc.Subscribe(nextSubj, func(m *Msg) {
		var req pullRequest
		_ = json.Unmarshal(m.Data, &req)
		if req.NoWait {
			_ = nc.PublishMsg(&Msg{Subject: m.Reply, Header: Header{statusHdr: []string{"404"}}})
			return
		}
		_ = nc.Publish(m.Reply, []byte("payload"))
	})
	require.NoError(t, err)
	defer responder.Unsubscribe()

	// Two messages needed: the first request is a no_wait probe, its 404
	// forces the blocking re-request, and the single payload that answers
	// it is returned once the wait ends.
	sub := newTestPullSub(t, nc, nextSubj)
	msgs, err := sub.Fetch(2, FetchMaxWait(time.Second))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "payload", string(msgs[0].Data))
}

func TestFetch408IsDroppedAndWaitContinues(t *testing.T) {
	nc := NewConn()
	defer nc.Close()

	nextSubj := "next.req"
	responder, err := nc.Subscribe(nextSubj, func(m *Msg) {
		var req pullRequest
		_ = json.Unmarshal(m.Data, &req)
		if req.NoWait {
			_ = nc.PublishMsg(&Msg{Subject: m.Reply, Header: Header{statusHdr: []string{"404"}}})
			return
		}
		_ = nc.PublishMsg(&Msg{Subject: m.Reply, Header: Header{statusHdr: []string{"408"}}})
		time.AfterFunc(20*time.Millisecond, func() {
			_ = nc.Publish(m.Reply, []byte("payload"))
		})
	})
	require.NoError(t, err)
	defer responder.Unsubscribe()

	sub := newTestPullSub(t, nc, nextSubj)
	msgs, err := sub.Fetch(1, FetchMaxWait(time.Second))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "payload", string(msgs[0].Data))
}

func TestFetchTimeoutDowngradesToPartialBatch(t *testing.T) {
	nc := NewConn()
	defer nc.Close()

	nextSubj := "next.req"
	responder, err := nc.Subscribe(nextSubj, func(m *Msg) {
		var req pullRequest
		_ = json.Unmarshal(m.Data, &req)
		if req.NoWait {
			_ = nc.Publish(m.Reply, []byte("first"))
			return
		}
		// Blocking request: never answered within the test's maxWait.
	})
	require.NoError(t, err)
	defer responder.Unsubscribe()

	sub := newTestPullSub(t, nc, nextSubj)
	msgs, err := sub.Fetch(2, FetchMaxWait(40*time.Millisecond))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "first", string(msgs[0].Data))
}

func TestFetchTimeoutWithNoMessagesReturnsErrTimeout(t *testing.T) {
	nc := NewConn()
	defer nc.Close()

	nextSubj := "next.req"
	responder, err := nc.Subscribe(nextSubj, func(m *Msg) {
		var req pullRequest
		_ = json.Unmarshal(m.Data, &req)
		if req.NoWait {
			_ = nc.PublishMsg(&Msg{Subject: m.Reply, Header: Header{statusHdr: []string{"404"}}})
		}
		// Blocking request: never answered.
	})
	require.NoError(t, err)
	defer responder.Unsubscribe()

	sub := newTestPullSub(t, nc, nextSubj)
	_, err = sub.Fetch(1, FetchMaxWait(40*time.Millisecond))
	require.Equal(t, ErrTimeout, err)
}

func TestFetchSingleMessageShortfallSkipsNoWaitProbe(t *testing.T) {
	nc := NewConn()
	defer nc.Close()

	nextSubj := "next.req"
	seen := make(chan bool, 1)
	responder, err := nc.Subscribe(nextSubj, func(m *Msg) {
		var req pullRequest
		_ = json.Unmarshal(m.Data, &req)
		seen <- req.NoWait
		_ = nc.Publish(m.Reply, []byte("payload"))
	})
	require.NoError(t, err)
	defer responder.Unsubscribe()

	sub := newTestPullSub(t, nc, nextSubj)
	msgs, err := sub.Fetch(1, FetchMaxWait(time.Second))
	require.NoError(t, err)
	require.Len(t, msgs, 1)

	select {
	case noWait := <-seen:
		require.False(t, noWait, "a single-message shortfall must issue a blocking pull, not a no_wait probe")
	default:
		t.Fatal("responder was never invoked")
	}
}

func TestFetchLocalDrainDropsStatusMessages(t *testing.T) {
	nc := NewConn()
	defer nc.Close()

	sub := newTestPullSub(t, nc, "next.unused")
	sub.msgs <- &Msg{Header: Header{statusHdr: []string{"404"}}}
	sub.msgs <- &Msg{Header: Header{statusHdr: []string{"408"}}}
	sub.msgs <- &Msg{Data: []byte("payload")}

	msgs, err := sub.Fetch(1, FetchMaxWait(time.Second))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "payload", string(msgs[0].Data))
}

func TestFetchRejectsNonPullSubscription(t *testing.T) {
	nc := NewConn()
	defer nc.Close()

	sub, err := nc.Subscribe("orders.new", func(m *Msg) {})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	_, err = sub.Fetch(1)
	require.Equal(t, ErrTypeSubscription, err)
}
