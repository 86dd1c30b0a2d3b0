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
	"strings"
	"sync"
	"time"
)

// asyncReplyBacklog is the buffer size used for the per-Ctx reply-inbox
// subscription. The tracker wants effectively unlimited pending
// capacity; a very large, but finite, buffer approximates that without
// letting one misbehaving Ctx exhaust memory outright.
const asyncReplyBacklog = 1 << 20

// ensureAsyncPublish lazily creates the tracker substructure on first
// use. Every field it allocates is rolled back on any failure, so a
// later call can retry cleanly: the tracker state is either fully
// present or fully absent, never half-built.
func (ctx *Ctx) ensureAsyncPublish() error {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.pending != nil {
		return nil
	}
	ctx.cond = sync.NewCond(&ctx.mu)
	ctx.pending = make(map[string]*Msg)
	ctx.replyPre = InboxPrefix + newReplyToken() + "."

	sub, err := ctx.nc.subscribeBuffered(ctx.replyPre+"*", _EMPTY_, ctx.handleAsyncReply, nil, nil, asyncReplyBacklog)
	if err != nil {
		ctx.cond = nil
		ctx.pending = nil
		ctx.replyPre = _EMPTY_
		ctx.log.Warn().Err(err).Msg("async publish: failed to subscribe to reply inbox")
		return err
	}
	ctx.retain()
	sub.onUnsub = ctx.release
	ctx.replySub = sub
	return nil
}

// registerPubMsg reserves a slot for an outstanding publish, applying
// max-pending backpressure, and returns the reply subject the message
// should be published with.
func (ctx *Ctx) registerPubMsg(m *Msg) (string, error) {
	ctx.mu.Lock()
	ctx.pmcount++

	if ctx.maxPending > 0 && ctx.pmcount > ctx.maxPending {
		deadline := time.Now().Add(ctx.stallWait)
		ctx.stalled++
		timer := time.AfterFunc(ctx.stallWait, func() {
			ctx.mu.Lock()
			ctx.cond.Broadcast()
			ctx.mu.Unlock()
		})
		for ctx.pmcount > ctx.maxPending {
			if !time.Now().Before(deadline) {
				ctx.stalled--
				ctx.pmcount--
				ctx.mu.Unlock()
				timer.Stop()
				return _EMPTY_, ErrTimeout
			}
			ctx.cond.Wait()
		}
		ctx.stalled--
		timer.Stop()
	}

	token := newReplyToken()
	reply := ctx.replyPre + token
	ctx.pending[token] = m
	ctx.mu.Unlock()
	return reply, nil
}

// PublishMsgAsync publishes m without waiting for the server's ack.
// Errors surfaced from this call mean the caller retains ownership of
// m; on success, the tracker owns it until the ack arrives (or the
// caller reclaims it via GetPendingList).
func (ctx *Ctx) PublishMsgAsync(m *Msg) error {
	if err := ctx.ensureAsyncPublish(); err != nil {
		return err
	}
	token, err := ctx.registerPubMsg(m)
	if err != nil {
		return err
	}

	out := *m
	out.Reply = token
	if err := ctx.nc.PublishMsg(&out); err != nil {
		tok := strings.TrimPrefix(token, ctx.replyPre)
		ctx.mu.Lock()
		if _, present := ctx.pending[tok]; present {
			delete(ctx.pending, tok)
			ctx.pmcount--
			ctx.mu.Unlock()
			return err
		}
		// Already acked by the time the transport reported failure:
		// the ack demux already took ownership and ran its course.
		ctx.mu.Unlock()
		return nil
	}
	return nil
}

// PublishAsync publishes data on subj without waiting for the ack.
func (ctx *Ctx) PublishAsync(subj string, data []byte, opts ...PubOpt) error {
	var o pubOpts
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(&o); err != nil {
			return err
		}
	}
	m := &Msg{Subject: subj, Data: data}
	applyHeaders(m, &o)
	return ctx.PublishMsgAsync(m)
}

// handleAsyncReply demultiplexes an inbound ack on the reply-inbox
// subscription back to its pending-publish entry.
func (ctx *Ctx) handleAsyncReply(m *Msg) {
	token := strings.TrimPrefix(m.Subject, ctx.replyPre)

	ctx.mu.Lock()
	orig, ok := ctx.pending[token]
	if ok {
		delete(ctx.pending, token)
		ctx.pmcount--
	}
	broadcast := (ctx.pacw > 0 && ctx.pmcount == 0) ||
		(ctx.stalled > 0 && ctx.pmcount <= ctx.maxPending)
	errCB := ctx.errCB
	ctx.mu.Unlock()
	if broadcast {
		ctx.cond.Broadcast()
	}

	if !ok || errCB == nil {
		return
	}

	pubErr := decodeAckError(m)
	if pubErr == nil {
		return
	}
	pubErr.Msg = orig
	errCB(ctx, orig, pubErr)
}

// decodeAckError classifies an ack reply as either a success (nil) or
// a failure worth surfacing to the PublishAsyncErrHandler.
func decodeAckError(m *Msg) *PubAckError {
	if m.Header != nil && m.Header.Get("Status") == "503" {
		return &PubAckError{Err: ErrNoResponders, ErrText: ErrNoResponders.Error()}
	}
	var resp pubAckResponse
	if err := json.Unmarshal(m.Data, &resp); err != nil {
		return &PubAckError{Err: ErrInvalidJSAck, ErrText: err.Error()}
	}
	if resp.Error == nil {
		return nil
	}
	return &PubAckError{
		Err:     resp.Error,
		ErrCode: resp.Error.ErrCode,
		ErrText: resp.Error.Description,
	}
}

// Steal detaches the message from the error so the library no longer
// considers itself responsible for it - e.g. a PublishAsyncErrHandler
// that wants to resend calls this before returning.
func (e *PubAckError) Steal() *Msg {
	m := e.Msg
	e.Msg = nil
	return m
}

// PublishAsyncComplete blocks until every outstanding async publish
// has been acked, or timeout elapses. A timeout observed exactly when
// the pending count is already zero is reported as success.
func (ctx *Ctx) PublishAsyncComplete(timeout time.Duration) error {
	if err := ctx.ensureAsyncPublish(); err != nil {
		return err
	}
	ctx.mu.Lock()
	ctx.pacw++
	if timeout <= 0 {
		for ctx.pmcount != 0 {
			ctx.cond.Wait()
		}
		ctx.pacw--
		ctx.mu.Unlock()
		return nil
	}

	deadline := time.Now().Add(timeout)
	timer := time.AfterFunc(timeout, func() {
		ctx.mu.Lock()
		ctx.cond.Broadcast()
		ctx.mu.Unlock()
	})
	for ctx.pmcount != 0 {
		if !time.Now().Before(deadline) {
			break
		}
		ctx.cond.Wait()
	}
	ctx.pacw--
	done := ctx.pmcount == 0
	ctx.mu.Unlock()
	timer.Stop()
	if !done {
		return ErrTimeout
	}
	return nil
}

// GetPendingList atomically removes every outstanding async-publish
// entry and returns the owned messages to the caller.
func (ctx *Ctx) GetPendingList() ([]*Msg, error) {
	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if len(ctx.pending) == 0 {
		return nil, ErrNotFound
	}
	out := make([]*Msg, 0, len(ctx.pending))
	for k, m := range ctx.pending {
		out = append(out, m)
		delete(ctx.pending, k)
	}
	ctx.pmcount = 0
	return out, nil
}
