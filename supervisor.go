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
	"strconv"
	"time"
)

// Idle heartbeat and flow-control sentinel headers. A heartbeat or
// flow-control message never carries a payload.
const (
	statusHdr       = "Status"
	descrHdr        = "Description"
	ctrlStatus      = "100"
	hbDescr         = "Idle Heartbeat"
	fcDescr         = "FlowControl Request"
	lastConsumerHdr = "Nats-Last-Consumer"
)

// onMessageDelivered runs on every message handed to a streaming
// subscription's delivery path, user payload or control message alike.
// It is the supervisor's single entry point: heartbeat liveness,
// sequence-mismatch detection and flow-control all hook in here.
func onMessageDelivered(sub *Subscription, jsi *jsSub, m *Msg) {
	sub.mu.Lock()
	jsi.active = true
	sub.mu.Unlock()

	if m.Header != nil && m.Header.Get(statusHdr) == ctrlStatus {
		handleControlMessage(sub, jsi, m)
		return
	}

	if m.Reply != _EMPTY_ {
		sub.mu.Lock()
		jsi.cmeta = m.Reply
		sub.mu.Unlock()
	}
	maybeSendFlowControl(sub, jsi)
}

func handleControlMessage(sub *Subscription, jsi *jsSub, m *Msg) {
	switch m.Header.Get(descrHdr) {
	case fcDescr:
		if m.Reply == _EMPTY_ {
			return
		}
		sub.mu.Lock()
		jsi.fcReply = m.Reply
		jsi.fcDelivered = sub.delivered + uint64(len(sub.msgs))
		sub.mu.Unlock()
		maybeSendFlowControl(sub, jsi)
	case hbDescr:
		checkSequenceMismatch(sub, jsi, m)
	}
}

// armHeartbeat (re)starts the idle-heartbeat timer for a push
// subscription. Firing with jsi.active still false since the last arm
// means no message - data or heartbeat - arrived in the interval, so
// the missed-heartbeat condition is posted to the connection's async
// error handler.
func armHeartbeat(sub *Subscription, jsi *jsSub) {
	if jsi.hbInterval <= 0 {
		return
	}
	jsi.active = false
	jsi.hbTimer = time.AfterFunc(jsi.hbInterval, func() {
		sub.mu.Lock()
		if sub.closed {
			sub.mu.Unlock()
			return
		}
		missed := !jsi.active
		jsi.active = false
		conn := sub.conn
		sub.mu.Unlock()
		if missed {
			if jsi.ctx != nil {
				jsi.ctx.log.Warn().Str("stream", jsi.stream).Str("consumer", jsi.consumer).Msg("missed idle heartbeat")
			}
			conn.reportAsyncError(sub, ErrMissedHeartbeat)
		}
		armHeartbeat(sub, jsi)
	})
}

// checkSequenceMismatch runs on an idle heartbeat carrying a
// Nats-Last-Consumer header. It parses the ack subject cached from the
// last data message (jsi.cmeta) for the client's own (sseq, dseq), and
// compares dseq against the server-reported ldseq. A mismatch is
// latched (jsi.sm, with ssmn suppressing repeats) and reported at most
// once until a later heartbeat shows the sequences back in step.
func checkSequenceMismatch(sub *Subscription, jsi *jsSub, m *Msg) {
	if m.Header == nil {
		return
	}
	lastConsumer := m.Header.Get(lastConsumerHdr)
	if lastConsumer == _EMPTY_ {
		return
	}
	ldseq, err := strconv.ParseUint(lastConsumer, 10, 64)
	if err != nil {
		return
	}

	sub.mu.Lock()
	defer sub.mu.Unlock()
	cmeta := jsi.cmeta
	if cmeta == _EMPTY_ {
		return
	}
	meta, err := parseAckReply(cmeta)
	if err != nil {
		return
	}
	jsi.sseq = meta.StreamSeq
	jsi.dseq = meta.ConsSeq
	jsi.ldseq = ldseq

	if ldseq == jsi.dseq {
		jsi.sm = false
		jsi.ssmn = false
		return
	}
	if jsi.ssmn {
		return
	}
	jsi.sm = true
	jsi.ssmn = true
	conn := sub.conn
	if jsi.ctx != nil {
		jsi.ctx.log.Warn().Str("stream", jsi.stream).Uint64("client", jsi.dseq).Uint64("server", ldseq).Msg("consumer sequence mismatch")
	}
	go conn.reportAsyncError(sub, ErrMismatch)
}

// GetSequenceMismatch reports the last-seen sequence mismatch for a
// subscription, for sync callers that poll instead of installing an
// async error handler. ok is false when no mismatch is outstanding.
func (sub *Subscription) GetSequenceMismatch() (streamSeq, consumerClientSeq, consumerServerSeq uint64, ok bool) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.jsi == nil || !sub.jsi.sm {
		return 0, 0, 0, false
	}
	return sub.jsi.sseq, sub.jsi.dseq, sub.jsi.ldseq, true
}

// maybeSendFlowControl replies to a previously recorded flow-control
// request once the delivered-message threshold it named has been
// reached.
func maybeSendFlowControl(sub *Subscription, jsi *jsSub) {
	sub.mu.Lock()
	reply := jsi.fcReply
	threshold := jsi.fcDelivered
	delivered := sub.delivered
	if reply != _EMPTY_ && delivered >= threshold {
		jsi.fcReply = _EMPTY_
	}
	conn := sub.conn
	sub.mu.Unlock()
	if reply != _EMPTY_ && delivered >= threshold {
		_ = conn.Publish(reply, nil)
	}
}
