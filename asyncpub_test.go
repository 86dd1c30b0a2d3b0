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
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// autoAckServer answers every publish on subj with a successful PubAck
// on the message's reply subject, as soon as it arrives.
func autoAckServer(t *testing.T, nc *Conn, subj string) *Subscription {
	t.Helper()
	sub, err := nc.Subscribe(subj, func(m *Msg) {
		if m.Reply == _EMPTY_ {
			return
		}
		data, _ := json.Marshal(pubAckResponse{PubAck: &PubAck{Stream: "ORDERS", Seq: 1}})
		_ = nc.Publish(m.Reply, data)
	})
	require.NoError(t, err)
	return sub
}

func TestPublishAsyncCompletesOnAck(t *testing.T) {
	nc := NewConn()
	defer nc.Close()
	srv := autoAckServer(t, nc, "orders.new")
	defer srv.Unsubscribe()

	ctx, err := Connect(nc)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, ctx.PublishAsync("orders.new", []byte("x")))
	}
	require.NoError(t, ctx.PublishAsyncComplete(time.Second))
}

func TestPublishAsyncMaxPendingStalls(t *testing.T) {
	nc := NewConn()
	defer nc.Close()

	// A responder that receives but never acks: every publish sits
	// pending until the caller either drains it manually or the stall
	// wait elapses.
	silent, err := nc.Subscribe("orders.new", func(m *Msg) {})
	require.NoError(t, err)
	defer silent.Unsubscribe()

	ctx, err := Connect(nc, PublishAsyncMaxPending(1), PublishAsyncStallWait(30*time.Millisecond))
	require.NoError(t, err)

	require.NoError(t, ctx.PublishAsync("orders.new", []byte("first")))

	start := time.Now()
	err = ctx.PublishAsync("orders.new", []byte("second"))
	require.Equal(t, ErrTimeout, err)
	require.GreaterOrEqual(t, time.Since(start), 25*time.Millisecond)
}

func TestPublishAsyncErrHandlerOnNegativeAck(t *testing.T) {
	nc := NewConn()
	defer nc.Close()
	sub, err := nc.Subscribe("orders.new", func(m *Msg) {
		if m.Reply == _EMPTY_ {
			return
		}
		data, _ := json.Marshal(pubAckResponse{apiResponse: apiResponse{Error: &APIError{Description: "duplicate"}}})
		_ = nc.Publish(m.Reply, data)
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	var mu sync.Mutex
	var gotErr *PubAckError
	done := make(chan struct{})
	ctx, err := Connect(nc, PublishAsyncErrHandler(func(_ *Ctx, _ *Msg, e *PubAckError) {
		mu.Lock()
		gotErr = e
		mu.Unlock()
		close(done)
	}))
	require.NoError(t, err)

	require.NoError(t, ctx.PublishAsync("orders.new", []byte("x")))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for async error callback")
	}
	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, gotErr)
	require.Equal(t, "duplicate", gotErr.ErrText)
}

func TestGetPendingList(t *testing.T) {
	nc := NewConn()
	defer nc.Close()

	// A responder that never acks keeps both publishes pending; with no
	// subscriber at all the connection would answer each one with a
	// no-responders status, which the ack demux consumes.
	silent, err := nc.Subscribe("orders.new", func(m *Msg) {})
	require.NoError(t, err)
	defer silent.Unsubscribe()

	ctx, err := Connect(nc)
	require.NoError(t, err)

	require.NoError(t, ctx.PublishAsync("orders.new", []byte("a")))
	require.NoError(t, ctx.PublishAsync("orders.new", []byte("b")))

	pending, err := ctx.GetPendingList()
	require.NoError(t, err)
	require.Len(t, pending, 2)

	_, err = ctx.GetPendingList()
	require.Equal(t, ErrNotFound, err)
}
