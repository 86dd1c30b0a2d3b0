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

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcileConsumerConfig(t *testing.T) {
	cases := []struct {
		desc string
		o    subOpts
		got  ConsumerConfig
		err  error
	}{
		{
			desc: "no fields requested always matches",
			o:    subOpts{cfg: ConsumerConfig{}},
			got:  ConsumerConfig{AckWait: 30 * time.Second, MaxDeliver: 5},
		},
		{
			desc: "ack wait mismatch",
			o:    subOpts{cfg: ConsumerConfig{AckWait: time.Second}, set: map[string]bool{"ack_wait": true}},
			got:  ConsumerConfig{AckWait: 2 * time.Second},
			err:  ErrConsumerConfigMismatch,
		},
		{
			desc: "ack wait matches",
			o:    subOpts{cfg: ConsumerConfig{AckWait: time.Second}, set: map[string]bool{"ack_wait": true}},
			got:  ConsumerConfig{AckWait: time.Second},
		},
		{
			desc: "flow control: server has it, client silent - ok",
			o:    subOpts{cfg: ConsumerConfig{}},
			got:  ConsumerConfig{FlowControl: true},
		},
		{
			desc: "flow control: client demands it, server lacks it - mismatch",
			o:    subOpts{cfg: ConsumerConfig{FlowControl: true}, set: map[string]bool{"flow_control": true}},
			got:  ConsumerConfig{FlowControl: false},
			err:  ErrConsumerConfigMismatch,
		},
		{
			desc: "durable name mismatch",
			o:    subOpts{cfg: ConsumerConfig{Durable: "a"}, set: map[string]bool{"durable": true}},
			got:  ConsumerConfig{Durable: "b"},
			err:  ErrConsumerConfigMismatch,
		},
		{
			desc: "description mismatch",
			o:    subOpts{cfg: ConsumerConfig{Description: "a"}, set: map[string]bool{"description": true}},
			got:  ConsumerConfig{Description: "b"},
			err:  ErrConsumerConfigMismatch,
		},
		{
			desc: "opt_start_seq mismatch",
			o:    subOpts{cfg: ConsumerConfig{OptStartSeq: 10}, set: map[string]bool{"opt_start_seq": true}},
			got:  ConsumerConfig{OptStartSeq: 11},
			err:  ErrConsumerConfigMismatch,
		},
		{
			desc: "opt_start_time mismatch",
			o: subOpts{
				cfg: ConsumerConfig{OptStartTime: timePtr(time.Unix(100, 0))},
				set: map[string]bool{"opt_start_time": true},
			},
			got: ConsumerConfig{OptStartTime: timePtr(time.Unix(200, 0))},
			err: ErrConsumerConfigMismatch,
		},
		{
			desc: "opt_start_time matches",
			o: subOpts{
				cfg: ConsumerConfig{OptStartTime: timePtr(time.Unix(100, 0))},
				set: map[string]bool{"opt_start_time": true},
			},
			got: ConsumerConfig{OptStartTime: timePtr(time.Unix(100, 0))},
		},
		{
			desc: "ack_policy mismatch",
			o:    subOpts{cfg: ConsumerConfig{AckPolicy: AckExplicit}, set: map[string]bool{"ack_policy": true}},
			got:  ConsumerConfig{AckPolicy: AckNone},
			err:  ErrConsumerConfigMismatch,
		},
		{
			desc: "sample_freq mismatch",
			o:    subOpts{cfg: ConsumerConfig{SampleFrequency: "50%"}, set: map[string]bool{"sample_freq": true}},
			got:  ConsumerConfig{SampleFrequency: "100%"},
			err:  ErrConsumerConfigMismatch,
		},
		{
			desc: "max_waiting mismatch",
			o:    subOpts{cfg: ConsumerConfig{MaxWaiting: 5}, set: map[string]bool{"max_waiting": true}},
			got:  ConsumerConfig{MaxWaiting: 10},
			err:  ErrConsumerConfigMismatch,
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			err := reconcileConsumerConfig(&tc.o, &tc.got)
			if tc.err != nil {
				assert.Equal(t, tc.err, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func timePtr(t time.Time) *time.Time { return &t }

func TestProcessConsumerInfoRejectsModeMismatch(t *testing.T) {
	cases := []struct {
		desc       string
		info       ConsumerInfo
		queue      string
		isPullMode bool
		err        error
	}{
		{
			desc:       "pull attach to a push consumer",
			info:       ConsumerInfo{Config: ConsumerConfig{DeliverSubject: "_INBOX.x"}},
			isPullMode: true,
			err:        ErrTypeSubscription,
		},
		{
			desc:       "push attach to a pull consumer",
			info:       ConsumerInfo{Config: ConsumerConfig{}},
			isPullMode: false,
			err:        ErrTypeSubscription,
		},
		{
			desc:  "queue attach rejects server heartbeat",
			info:  ConsumerInfo{Config: ConsumerConfig{DeliverSubject: "_INBOX.x", Heartbeat: time.Second}},
			queue: "workers",
			err:   ErrQueueNoHeartbeat,
		},
		{
			desc:  "queue attach rejects server flow control",
			info:  ConsumerInfo{Config: ConsumerConfig{DeliverSubject: "_INBOX.x", FlowControl: true}},
			queue: "workers",
			err:   ErrQueueNoHeartbeat,
		},
		{
			desc:  "queue requested but server consumer has no deliver group",
			info:  ConsumerInfo{Config: ConsumerConfig{DeliverSubject: "_INBOX.x"}},
			queue: "workers",
			err:   ErrConsumerConfigMismatch,
		},
		{
			desc: "already push-bound consumer rejects a second subscriber",
			info: ConsumerInfo{Config: ConsumerConfig{DeliverSubject: "_INBOX.x"}, PushBound: true},
			err:  ErrConsumerExistingActive,
		},
		{
			desc:  "deliver group name mismatch",
			info:  ConsumerInfo{Config: ConsumerConfig{DeliverSubject: "_INBOX.x", DeliverGroup: "other"}},
			queue: "workers",
			err:   ErrConsumerConfigMismatch,
		},
		{
			desc: "matching deliver group passes through to field diff",
			info: ConsumerInfo{Config: ConsumerConfig{DeliverSubject: "_INBOX.x", DeliverGroup: "workers"}},
			queue: "workers",
		},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			o := subOpts{cfg: ConsumerConfig{}}
			err := processConsumerInfo(&o, &tc.info, "orders.new", tc.queue, tc.isPullMode)
			if tc.err != nil {
				assert.Equal(t, tc.err, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestIsNotFoundErr(t *testing.T) {
	assert.True(t, isNotFoundErr(ErrNotFound))
	assert.True(t, isNotFoundErr(&APIError{Code: 404, Description: "consumer not found"}))
	assert.False(t, isNotFoundErr(&APIError{Code: 500, Description: "internal error"}))
	assert.False(t, isNotFoundErr(ErrTimeout))
	assert.False(t, isNotFoundErr(nil))
}

// fakeJS is a minimal in-process JetStream API simulator: enough to
// exercise the subscribe factory's stream lookup, consumer creation,
// and pull delivery without a real server.
type fakeJS struct {
	nc       *Conn
	stream   string
	subjects []string
	seq      uint64

	mu        sync.Mutex
	consumers map[string]*ConsumerInfo
}

func newFakeJS(t *testing.T, nc *Conn, stream string, subjects ...string) *fakeJS {
	t.Helper()
	f := &fakeJS{nc: nc, stream: stream, subjects: subjects, consumers: map[string]*ConsumerInfo{}}

	mustSub := func(subj string, cb MsgHandler) {
		sub, err := nc.Subscribe(subj, cb)
		require.NoError(t, err)
		t.Cleanup(func() { sub.Unsubscribe() })
	}

	mustSub(JSDefaultAPIPrefix+"."+apiStreamNames, f.handleStreamNames)
	mustSub(JSDefaultAPIPrefix+".CONSUMER.CREATE.*", f.handleCreate)
	mustSub(JSDefaultAPIPrefix+".CONSUMER.DURABLE.CREATE.*.*", f.handleCreate)
	mustSub(JSDefaultAPIPrefix+".CONSUMER.INFO.*.*", f.handleInfo)
	mustSub(JSDefaultAPIPrefix+".CONSUMER.MSG.NEXT.*.*", f.handleNext)
	return f
}

func (f *fakeJS) handleStreamNames(m *Msg) {
	if m.Reply == _EMPTY_ {
		return
	}
	data, _ := json.Marshal(streamNamesResponse{Streams: []string{f.stream}})
	_ = f.nc.Publish(m.Reply, data)
}

func (f *fakeJS) handleCreate(m *Msg) {
	if m.Reply == _EMPTY_ {
		return
	}
	var req createConsumerRequest
	_ = json.Unmarshal(m.Data, &req)
	name := req.Config.Durable
	if name == _EMPTY_ {
		name = nextToken(8)
	}

	f.mu.Lock()
	info := &ConsumerInfo{Stream: f.stream, Name: name, Config: *req.Config}
	f.consumers[name] = info
	f.mu.Unlock()

	data, _ := json.Marshal(consumerResponse{ConsumerInfo: info})
	_ = f.nc.Publish(m.Reply, data)
}

func (f *fakeJS) handleInfo(m *Msg) {
	if m.Reply == _EMPTY_ {
		return
	}
	toks := splitLast2(m.Subject)
	f.mu.Lock()
	info, ok := f.consumers[toks]
	f.mu.Unlock()
	var resp consumerResponse
	if !ok {
		resp.Error = &APIError{Code: 404, Description: "consumer not found"}
	} else {
		resp.ConsumerInfo = info
	}
	data, _ := json.Marshal(resp)
	_ = f.nc.Publish(m.Reply, data)
}

// handleNext simulates pull delivery: it always answers no_wait
// probes with a 404 (nothing buffered) and otherwise pushes a single
// canned message back on the caller's reply subject.
func (f *fakeJS) handleNext(m *Msg) {
	var req pullRequest
	_ = json.Unmarshal(m.Data, &req)
	if req.NoWait {
		status := &Msg{Subject: m.Reply, Header: Header{statusHdr: []string{"404"}}}
		_ = f.nc.PublishMsg(status)
		return
	}
	f.seq++
	ack := "$JS.ACK." + f.stream + ".C.1." + itoa(f.seq) + ".1.1.0"
	_ = f.nc.PublishMsg(&Msg{Subject: m.Reply, Reply: ack, Data: []byte("payload")})
}

func splitLast2(subj string) string {
	parts := make([]string, 0, 8)
	start := 0
	for i := 0; i < len(subj); i++ {
		if subj[i] == '.' {
			parts = append(parts, subj[start:i])
			start = i + 1
		}
	}
	parts = append(parts, subj[start:])
	if len(parts) < 1 {
		return _EMPTY_
	}
	return parts[len(parts)-1]
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

func TestSubscribePushCreatesConsumer(t *testing.T) {
	nc := NewConn()
	defer nc.Close()
	newFakeJS(t, nc, "ORDERS", "orders.*")

	ctx, err := Connect(nc)
	require.NoError(t, err)

	got := make(chan *Msg, 1)
	sub, err := ctx.Subscribe("orders.new", func(m *Msg) { got <- m }, ManualAck())
	require.NoError(t, err)
	defer sub.Unsubscribe()

	info, err := sub.ConsumerInfo()
	require.NoError(t, err)
	assert.Equal(t, "ORDERS", info.Stream)
}

func TestSubscribeAttachMissingDurableFallsThroughToCreate(t *testing.T) {
	nc := NewConn()
	defer nc.Close()
	newFakeJS(t, nc, "ORDERS", "orders.*")

	ctx, err := Connect(nc)
	require.NoError(t, err)

	// Attach names a stream/consumer pair the fake server has never
	// heard of; the 404 from getConsumerInfo must fall through to
	// consumer creation instead of being returned as a hard failure.
	sub, err := ctx.Subscribe("orders.new", func(m *Msg) {}, Attach("ORDERS", "workers"), Durable("workers"), ManualAck())
	require.NoError(t, err)
	defer sub.Unsubscribe()

	info, err := sub.ConsumerInfo()
	require.NoError(t, err)
	assert.Equal(t, "workers", info.Name)
}

func TestPullSubscribeFetch(t *testing.T) {
	nc := NewConn()
	defer nc.Close()
	newFakeJS(t, nc, "ORDERS", "orders.*")

	ctx, err := Connect(nc)
	require.NoError(t, err)

	sub, err := ctx.PullSubscribe("orders.new", "workers")
	require.NoError(t, err)
	defer sub.Unsubscribe()

	msgs, err := sub.Fetch(1, FetchMaxWait(time.Second))
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "payload", string(msgs[0].Data))
}
