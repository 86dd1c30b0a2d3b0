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
	"math/rand"
	"strings"
	"sync"
	"time"
)

// Options configures the core connection. Only the handful of knobs
// the streaming layer actually reads are modeled; the rest of a real
// core connection's option set (TLS, reconnect backoff, servers list,
// ...) is out of scope here.
type Options struct {
	SubChanLen int
}

// AsyncErrHandler is invoked for connection-level async conditions
// (missed heartbeat, consumer sequence mismatch) that aren't tied to
// a specific inbound request.
type AsyncErrHandler func(nc *Conn, sub *Subscription, err error)

// Conn is the core pub/sub connection the streaming layer sits on top
// of. It is a minimal in-process subject-matching broker: the real
// wire protocol (framing, TLS, server discovery, reconnection) is
// explicitly out of scope here and is the responsibility of whatever
// transport a production deployment plugs in.
type Conn struct {
	Opts Options

	mu      sync.RWMutex
	closed  bool
	subs    map[string][]*Subscription // subject -> subscriptions (includes queue members)
	errCB   AsyncErrHandler
}

// NewConn returns a ready-to-use in-process core connection.
func NewConn() *Conn {
	return &Conn{
		Opts: Options{SubChanLen: 512},
		subs: make(map[string][]*Subscription),
	}
}

// SetErrorHandler installs the async-error callback used by the
// delivery supervisor for heartbeat/mismatch notifications.
func (nc *Conn) SetErrorHandler(cb AsyncErrHandler) {
	nc.mu.Lock()
	nc.errCB = cb
	nc.mu.Unlock()
}

func (nc *Conn) hasErrorHandler() bool {
	nc.mu.RLock()
	defer nc.mu.RUnlock()
	return nc.errCB != nil
}

func (nc *Conn) reportAsyncError(sub *Subscription, err error) {
	nc.mu.RLock()
	cb := nc.errCB
	nc.mu.RUnlock()
	if cb != nil {
		cb(nc, sub, err)
	}
}

// Close shuts the connection down. Outstanding subscriptions are left
// to the caller to unsubscribe.
func (nc *Conn) Close() {
	nc.mu.Lock()
	nc.closed = true
	nc.mu.Unlock()
}

func (nc *Conn) isClosed() bool {
	nc.mu.RLock()
	defer nc.mu.RUnlock()
	return nc.closed
}

// Publish sends data on subj with no reply subject.
func (nc *Conn) Publish(subj string, data []byte) error {
	return nc.PublishMsg(&Msg{Subject: subj, Data: data})
}

// PublishRequest sends data on subj, setting reply as the subject any
// responder should answer on.
func (nc *Conn) PublishRequest(subj, reply string, data []byte) error {
	return nc.PublishMsg(&Msg{Subject: subj, Reply: reply, Data: data})
}

// PublishMsg publishes m, headers and all.
func (nc *Conn) PublishMsg(m *Msg) error {
	if nc.isClosed() {
		return ErrConnectionClosed
	}
	if m.Subject == _EMPTY_ {
		return ErrBadSubject
	}
	subs := nc.matchSubscribers(m.Subject)
	if len(subs) == 0 {
		if m.Reply != _EMPTY_ {
			nc.deliverNoResponders(m.Reply)
		}
		return nil
	}
	for _, sub := range subs {
		cp := *m
		sub.deliver(&cp)
	}
	return nil
}

func (nc *Conn) deliverNoResponders(reply string) {
	noResp := &Msg{Subject: reply, Header: Header{"Status": []string{"503"}}}
	subs := nc.matchSubscribers(reply)
	for _, sub := range subs {
		cp := *noResp
		sub.deliver(&cp)
	}
}

// matchSubscribers returns exactly one subscriber per queue group
// (chosen uniformly at random among the group's members) plus every
// non-queue subscriber whose subject pattern matches subj.
func (nc *Conn) matchSubscribers(subj string) []*Subscription {
	nc.mu.RLock()
	defer nc.mu.RUnlock()

	byQueue := map[string][]*Subscription{}
	var plain []*Subscription
	for pattern, subs := range nc.subs {
		if !subjectMatches(pattern, subj) {
			continue
		}
		for _, sub := range subs {
			sub.mu.Lock()
			closed := sub.closed
			queue := sub.Queue
			sub.mu.Unlock()
			if closed {
				continue
			}
			if queue != _EMPTY_ {
				key := pattern + "\x00" + queue
				byQueue[key] = append(byQueue[key], sub)
			} else {
				plain = append(plain, sub)
			}
		}
	}
	out := plain
	for _, group := range byQueue {
		out = append(out, group[rand.Intn(len(group))])
	}
	return out
}

// subjectMatches reports whether subj matches the NATS-style wildcard
// pattern (tokens separated by '.', '*' matches one token, '>' matches
// the rest of the subject).
func subjectMatches(pattern, subj string) bool {
	pt := strings.Split(pattern, ".")
	st := strings.Split(subj, ".")
	for i, tok := range pt {
		if tok == ">" {
			return i < len(st)
		}
		if i >= len(st) {
			return false
		}
		if tok == "*" {
			continue
		}
		if tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

func (nc *Conn) subscribe(subj, queue string, cb MsgHandler, ch chan *Msg, jsi *jsSub) (*Subscription, error) {
	return nc.subscribeBuffered(subj, queue, cb, ch, jsi, 0)
}

// subscribeBuffered is subscribe with an explicit internal queue size;
// bufSize <= 0 means "use the connection default". The async publish
// tracker's reply-inbox subscription asks for an effectively unlimited
// queue.
func (nc *Conn) subscribeBuffered(subj, queue string, cb MsgHandler, ch chan *Msg, jsi *jsSub, bufSize int) (*Subscription, error) {
	if nc.isClosed() {
		return nil, ErrConnectionClosed
	}
	if subj == _EMPTY_ {
		return nil, ErrBadSubject
	}
	qlen := bufSize
	if qlen <= 0 {
		qlen = nc.Opts.SubChanLen
	}
	if qlen <= 0 {
		qlen = DefaultSubPendingMsgsLimit
	}
	sub := &Subscription{
		conn:       nc,
		Subject:    subj,
		Queue:      queue,
		cb:         cb,
		uch:        ch,
		msgs:       make(chan *Msg, qlen),
		pendingMax: qlen,
		jsi:        jsi,
	}
	if jsi != nil {
		jsi.nextSubj = _EMPTY_
	}

	nc.mu.Lock()
	nc.subs[subj] = append(nc.subs[subj], sub)
	nc.mu.Unlock()

	if cb != nil {
		go sub.dispatchLoop()
	}
	return sub, nil
}

func (sub *Subscription) dispatchLoop() {
	for m := range sub.msgs {
		sub.mu.Lock()
		cb := sub.cb
		sub.mu.Unlock()
		if cb != nil {
			cb(m)
		}
	}
}

func (nc *Conn) removeSubscription(subj, queue string, target *Subscription) {
	nc.mu.Lock()
	defer nc.mu.Unlock()
	list := nc.subs[subj]
	for i, s := range list {
		if s == target {
			nc.subs[subj] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(nc.subs[subj]) == 0 {
		delete(nc.subs, subj)
	}
	_ = queue
}

// Request performs a request/reply round trip with a fixed timeout.
func (nc *Conn) Request(subj string, data []byte, timeout time.Duration) (*Msg, error) {
	return nc.RequestMsg(&Msg{Subject: subj, Data: data}, timeout)
}

// RequestMsg performs a request/reply round trip for m with a fixed timeout.
func (nc *Conn) RequestMsg(m *Msg, timeout time.Duration) (*Msg, error) {
	if timeout <= 0 {
		return nil, ErrInvalidTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return nc.RequestMsgWithContext(ctx, m)
}

// RequestMsgWithContext performs a request/reply round trip for m,
// bounded by ctx instead of a fixed duration.
func (nc *Conn) RequestMsgWithContext(ctx context.Context, m *Msg) (*Msg, error) {
	if nc.isClosed() {
		return nil, ErrConnectionClosed
	}
	reply := nc.NewInbox()
	replyCh := make(chan *Msg, 1)
	sub, err := nc.subscribe(reply, _EMPTY_, nil, replyCh, nil)
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	out := *m
	out.Reply = reply
	if err := nc.PublishMsg(&out); err != nil {
		return nil, err
	}

	select {
	case resp := <-replyCh:
		if resp.Header != nil && resp.Header.Get("Status") == "503" {
			return nil, ErrNoResponders
		}
		return resp, nil
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

// SubscribeSync creates a synchronous subscription: messages queue
// internally and are drained with NextMsg.
func (nc *Conn) SubscribeSync(subj string) (*Subscription, error) {
	return nc.subscribe(subj, _EMPTY_, nil, nil, nil)
}

// Subscribe creates an asynchronous subscription dispatching to cb.
func (nc *Conn) Subscribe(subj string, cb MsgHandler) (*Subscription, error) {
	return nc.subscribe(subj, _EMPTY_, cb, nil, nil)
}

// QueueSubscribe creates an asynchronous, queue-grouped subscription.
func (nc *Conn) QueueSubscribe(subj, queue string, cb MsgHandler) (*Subscription, error) {
	return nc.subscribe(subj, queue, cb, nil, nil)
}

// ChanSubscribe creates a subscription that delivers into ch directly.
func (nc *Conn) ChanSubscribe(subj string, ch chan *Msg) (*Subscription, error) {
	return nc.subscribe(subj, _EMPTY_, nil, ch, nil)
}
