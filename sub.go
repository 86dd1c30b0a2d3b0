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
	"sync"
	"time"
)

// DefaultSubPendingMsgsLimit is the internal per-subscription queue size
// used when the connection's Opts.SubChanLen is not positive, and the
// bound SetPendingLimits records for a non-positive maxMsgs.
const DefaultSubPendingMsgsLimit = 65536

// MsgHandler processes messages delivered to an asynchronous subscription.
type MsgHandler func(m *Msg)

// Subscription is a subscription on the core connection. Streaming
// subscriptions attach a non-nil jsi.
type Subscription struct {
	mu sync.Mutex

	conn    *Conn
	Subject string
	Queue   string

	cb     MsgHandler
	uch    chan *Msg // user-owned channel, for ChanSubscribe
	msgs   chan *Msg // internal queue, for sync/pull consumption and cb dispatch
	closed bool

	delivered  uint64
	pendingMax int

	jsi *jsSub

	onUnsub func()
}

// jsSub holds the streaming-service-specific state of a subscription.
type jsSub struct {
	ctx *Ctx

	stream   string
	consumer string
	deliver  string // push deliver subject, empty for pull
	durable  string
	queue    string

	pull     int // batch size requested by Pull(); 0 means push mode
	nextSubj string // pull next-msg request subject

	manualAck bool
	ackPolicy AckPolicy

	dc bool // auto-delete consumer on Unsubscribe

	hbInterval time.Duration
	hbTimer    *time.Timer

	cmeta string // last-seen ack subject string

	sseq, dseq, ldseq uint64
	active            bool
	sm, ssmn          bool

	fcReply     string
	fcDelivered uint64
}

// NewInbox returns a unique inbox subject suitable for request replies
// or push-mode delivery subjects.
func (nc *Conn) NewInbox() string {
	return InboxPrefix + nextToken(12)
}

func (sub *Subscription) deliver(m *Msg) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.delivered++
	jsi := sub.jsi
	uch := sub.uch
	msgs := sub.msgs
	sub.mu.Unlock()

	m.Sub = sub

	if jsi != nil {
		onMessageDelivered(sub, jsi, m)
	}

	if uch != nil {
		select {
		case uch <- m:
		default:
		}
		return
	}
	select {
	case msgs <- m:
	default:
		// Queue full: drop, mirroring the core connection's slow-consumer
		// behavior. The streaming layer never silently loses an acked
		// message because of this - only undelivered ones.
	}
}

// NextMsg blocks for up to timeout waiting for the next queued message
// on a synchronous or pull subscription.
func (sub *Subscription) NextMsg(timeout time.Duration) (*Msg, error) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return nil, ErrInvalidSubscription
	}
	msgs := sub.msgs
	sub.mu.Unlock()

	if timeout <= 0 {
		select {
		case m := <-msgs:
			return m, nil
		default:
			return nil, ErrTimeout
		}
	}

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case m := <-msgs:
		return m, nil
	case <-t.C:
		return nil, ErrTimeout
	}
}

// PendingLimits returns the configured max queued messages (and a
// bytes limit, always 0 meaning unbounded - this layer never tracked
// per-message byte accounting).
func (sub *Subscription) PendingLimits() (int, int, error) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.pendingMax, 0, nil
}

// SetPendingLimits records maxMsgs as the queued-message bound that
// PendingLimits reports. The capacity of the subscription's internal
// queue, fixed when it was created, does not change. A non-positive
// maxMsgs records DefaultSubPendingMsgsLimit.
func (sub *Subscription) SetPendingLimits(maxMsgs, _ int) error {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if maxMsgs <= 0 {
		maxMsgs = DefaultSubPendingMsgsLimit
	}
	sub.pendingMax = maxMsgs
	return nil
}

// Unsubscribe tears the subscription down. If the subscription owns
// an auto-created consumer (jsi.dc), it is deleted server-side first.
func (sub *Subscription) Unsubscribe() error {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return nil
	}
	sub.closed = true
	jsi := sub.jsi
	conn := sub.conn
	subject, queue := sub.Subject, sub.Queue
	hbTimer := (*time.Timer)(nil)
	if jsi != nil {
		hbTimer = jsi.hbTimer
		jsi.hbTimer = nil
	}
	onUnsub := sub.onUnsub
	// Release the subscription lock before doing any work that might
	// acquire the connection lock, to avoid a lock-order hazard:
	// unlock-sub, do-work, relock-sub.
	sub.mu.Unlock()

	if hbTimer != nil {
		hbTimer.Stop()
	}

	conn.removeSubscription(subject, queue, sub)

	sub.mu.Lock()
	close(sub.msgs)
	sub.mu.Unlock()

	if jsi != nil && jsi.dc && jsi.stream != _EMPTY_ && jsi.consumer != _EMPTY_ {
		_ = jsi.ctx.deleteConsumer(jsi.stream, jsi.consumer)
	}
	// onUnsub (set to ctx.release for streaming subscriptions) is the
	// single release path - do not also release jsi.ctx here, or the
	// one retain taken at subscribe time gets released twice.
	if onUnsub != nil {
		onUnsub()
	}
	return nil
}

// Poll issues a single pull request for this subscription's configured
// batch size. Exposed for callers that want raw control instead of
// using Fetch.
func (sub *Subscription) Poll() error {
	sub.mu.Lock()
	if sub.jsi == nil || sub.jsi.pull == 0 {
		sub.mu.Unlock()
		return ErrTypeSubscription
	}
	batch := sub.jsi.pull
	nextSubj := sub.jsi.nextSubj
	reply := sub.Subject
	conn := sub.conn
	sub.mu.Unlock()

	req, err := marshalPullRequest(batch, 0, false)
	if err != nil {
		return err
	}
	return conn.PublishRequest(nextSubj, reply, req)
}

// ConsumerInfo fetches the current server-side ConsumerInfo for a
// streaming subscription.
func (sub *Subscription) ConsumerInfo() (*ConsumerInfo, error) {
	sub.mu.Lock()
	if sub.jsi == nil || sub.jsi.consumer == _EMPTY_ {
		sub.mu.Unlock()
		return nil, ErrTypeSubscription
	}
	ctx := sub.jsi.ctx
	stream, consumer := sub.jsi.stream, sub.jsi.consumer
	sub.mu.Unlock()
	return ctx.getConsumerInfo(stream, consumer)
}
