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
	"net/http"
	"sync/atomic"
)

// Header carries message headers: the publish headers (Nats-Msg-Id,
// Nats-Expected-*) and the inbound ones (Status, Description,
// Nats-Last-Consumer).
type Header = http.Header

// Msg is a message delivered on, or published to, the core connection.
// Msg values are copied by value along the delivery and publish paths
// (Conn.PublishMsg, Conn.RequestMsgWithContext, Ctx.PublishMsgAsync), so
// the at-most-once ack latch is a plain word checked with atomic ops
// rather than an embedded sync.Mutex - a Mutex field would make every
// one of those copies a go vet copylocks violation.
type Msg struct {
	Subject string
	Reply   string
	Header  Header
	Data    []byte

	Sub *Subscription

	acked int32
}

// checkReply validates that m is bound to a subscription with a
// streaming-service reply subject, and returns the owning Ctx plus
// whether the subscription is pull-mode.
func (m *Msg) checkReply() (*Ctx, bool, error) {
	if m == nil || m.Sub == nil {
		return nil, false, ErrMsgNotBound
	}
	if m.Reply == _EMPTY_ {
		return nil, false, ErrMsgNoReply
	}
	sub := m.Sub
	sub.mu.Lock()
	if sub.jsi == nil {
		sub.mu.Unlock()
		return nil, false, ErrNotJSMessage
	}
	ctx := sub.jsi.ctx
	isPull := sub.jsi.pull > 0
	sub.mu.Unlock()
	if ctx == nil {
		return nil, false, ErrNotJSMessage
	}
	return ctx, isPull, nil
}

// markAcked enforces the at-most-once ack contract. It returns true
// the first time it's called for m, false on every call after.
func (m *Msg) markAcked() bool {
	return atomic.CompareAndSwapInt32(&m.acked, 0, 1)
}

func (m *Msg) isAcked() bool {
	return atomic.LoadInt32(&m.acked) != 0
}

// MetaData parses m.Reply as a streaming-service ack subject. See
// meta.go for the token grammar (v1 vs. v2).
func (m *Msg) MetaData() (*MsgMetaData, error) {
	if _, _, err := m.checkReply(); err != nil {
		return nil, err
	}
	return parseAckReply(m.Reply)
}
