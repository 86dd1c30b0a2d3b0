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
	"context"
	"encoding/json"
	"strconv"
	"time"
)

// Publish headers recognized by the server for de-duplication and
// optimistic-concurrency checks.
const (
	MsgIdHdr                     = "Nats-Msg-Id"
	ExpectedStreamHdr            = "Nats-Expected-Stream"
	ExpectedLastSeqHdr           = "Nats-Expected-Last-Sequence"
	ExpectedLastMsgIdHdr         = "Nats-Expected-Last-Msg-Id"
	ExpectedLastSubjectSeqHdr    = "Nats-Expected-Last-Subject-Sequence"
	LastConsumerSeqHdr           = "Nats-Last-Consumer"
)

// PubOpt configures a synchronous or asynchronous Publish call.
type PubOpt func(*pubOpts) error

type pubOpts struct {
	ctx                context.Context
	ttl                time.Duration
	msgID              string
	expectLastMsgID    string
	expectStream       string
	expectLastSeq      uint64
	expectLastSeqSet   bool
	expectLastSubjSeq  uint64
	expectLastSubjSet  bool
}

// MsgId sets the message ID used for de-duplication.
func MsgId(id string) PubOpt {
	return func(o *pubOpts) error { o.msgID = id; return nil }
}

// ExpectStream sets the expected stream for the publish.
func ExpectStream(stream string) PubOpt {
	return func(o *pubOpts) error { o.expectStream = stream; return nil }
}

// ExpectLastSequence sets the expected last stream sequence.
func ExpectLastSequence(seq uint64) PubOpt {
	return func(o *pubOpts) error { o.expectLastSeq = seq; o.expectLastSeqSet = true; return nil }
}

// ExpectLastSequencePerSubject sets the expected last sequence for the subject.
func ExpectLastSequencePerSubject(seq uint64) PubOpt {
	return func(o *pubOpts) error { o.expectLastSubjSeq = seq; o.expectLastSubjSet = true; return nil }
}

// ExpectLastMsgId sets the expected last message ID.
func ExpectLastMsgId(id string) PubOpt {
	return func(o *pubOpts) error { o.expectLastMsgID = id; return nil }
}

// MaxWait overrides the request timeout for a single publish.
func MaxWait(ttl time.Duration) PubOpt {
	return func(o *pubOpts) error { o.ttl = ttl; return nil }
}

// WithContext bounds a publish by ctx instead of a fixed timeout.
func WithContext(ctx context.Context) PubOpt {
	return func(o *pubOpts) error { o.ctx = ctx; return nil }
}

func applyHeaders(m *Msg, o *pubOpts) {
	if o.msgID == _EMPTY_ && o.expectLastMsgID == _EMPTY_ && o.expectStream == _EMPTY_ &&
		!o.expectLastSeqSet && !o.expectLastSubjSet {
		return
	}
	if m.Header == nil {
		m.Header = Header{}
	}
	if o.msgID != _EMPTY_ {
		m.Header.Set(MsgIdHdr, o.msgID)
	}
	if o.expectLastMsgID != _EMPTY_ {
		m.Header.Set(ExpectedLastMsgIdHdr, o.expectLastMsgID)
	}
	if o.expectStream != _EMPTY_ {
		m.Header.Set(ExpectedStreamHdr, o.expectStream)
	}
	if o.expectLastSeqSet {
		m.Header.Set(ExpectedLastSeqHdr, strconv.FormatUint(o.expectLastSeq, 10))
	}
	if o.expectLastSubjSet {
		m.Header.Set(ExpectedLastSubjectSeqHdr, strconv.FormatUint(o.expectLastSubjSeq, 10))
	}
}

// Publish sends data on subj and waits for the server's ack.
func (ctx *Ctx) Publish(subj string, data []byte, opts ...PubOpt) (*PubAck, error) {
	return ctx.PublishMsg(&Msg{Subject: subj, Data: data}, opts...)
}

// PublishMsg sends m and waits for the server's ack.
func (ctx *Ctx) PublishMsg(m *Msg, opts ...PubOpt) (*PubAck, error) {
	var o pubOpts
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&o); err != nil {
			return nil, err
		}
	}
	if o.ctx != nil && o.ttl != 0 {
		return nil, ErrContextAndTimeout
	}
	applyHeaders(m, &o)

	var resp *Msg
	var err error
	if o.ctx != nil {
		resp, err = ctx.nc.RequestMsgWithContext(o.ctx, m)
	} else {
		wait := o.ttl
		if wait == 0 {
			wait = ctx.wait
		}
		resp, err = ctx.nc.RequestMsg(m, wait)
	}
	if err != nil {
		if err == ErrNoResponders {
			err = ErrNoStreamResponse
		}
		return nil, err
	}

	var pa pubAckResponse
	if err := json.Unmarshal(resp.Data, &pa); err != nil {
		return nil, ErrInvalidJSAck
	}
	if pa.Error != nil {
		return nil, pa.Error
	}
	if pa.PubAck == nil || pa.PubAck.Stream == _EMPTY_ {
		return nil, ErrInvalidJSAck
	}
	return pa.PubAck, nil
}
