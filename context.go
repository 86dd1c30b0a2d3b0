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
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	defaultRequestWait = 5 * time.Second
	defaultStallWait   = 200 * time.Millisecond
)

// Option configures a Ctx at connect time.
type Option func(*Ctx) error

// Prefix overrides the API prefix (default "$JS.API"). Mutually
// exclusive with Domain; whichever is applied last wins, matching the
// teacher's last-option-wins functional-option style.
func Prefix(pre string) Option {
	return func(ctx *Ctx) error {
		ctx.pre = strings.TrimSuffix(pre, ".")
		return nil
	}
}

// Domain scopes the API prefix to an account/domain: "$JS.<domain>.API".
func Domain(domain string) Option {
	return func(ctx *Ctx) error {
		ctx.pre = "$JS." + domain + ".API"
		return nil
	}
}

// Wait overrides the default request timeout.
func Wait(d time.Duration) Option {
	return func(ctx *Ctx) error {
		if d < 0 {
			return ErrInvalidTimeout
		}
		ctx.wait = d
		return nil
	}
}

// PublishAsyncMaxPending bounds the number of outstanding async
// publishes before publish_async starts applying backpressure.
// A value <= 0 means unlimited.
func PublishAsyncMaxPending(max int) Option {
	return func(ctx *Ctx) error {
		ctx.maxPending = max
		return nil
	}
}

// PublishAsyncStallWait overrides how long a stalled publish_async
// call waits before returning a stall error.
func PublishAsyncStallWait(d time.Duration) Option {
	return func(ctx *Ctx) error {
		if d < 0 {
			return ErrInvalidTimeout
		}
		ctx.stallWait = d
		return nil
	}
}

// PublishAsyncErrHandler installs the callback invoked when an async
// publish's ack never arrives successfully.
func PublishAsyncErrHandler(cb func(ctx *Ctx, msg *Msg, err *PubAckError)) Option {
	return func(ctx *Ctx) error {
		ctx.errCB = cb
		return nil
	}
}

// Logger installs a diagnostic logger (default: disabled). Only
// low-frequency events are logged; see SPEC_FULL.md "Logging".
func Logger(l zerolog.Logger) Option {
	return func(ctx *Ctx) error {
		ctx.log = l
		return nil
	}
}

// Ctx is the streaming-service context: a back-reference to the core
// connection plus whatever state async publish needs. Immutable after
// Connect except for the tracker fields, all of which are guarded by mu.
type Ctx struct {
	nc  *Conn
	pre string
	wait time.Duration

	maxPending int
	stallWait  time.Duration
	errCB      func(ctx *Ctx, msg *Msg, err *PubAckError)

	log zerolog.Logger

	refs int32

	// Lazily initialized async-publish tracker state. Invariant:
	// either all of these are set, or none are - a failed lazy init
	// must roll every partial allocation back.
	mu        sync.Mutex
	cond      *sync.Cond
	replyPre  string
	pending   map[string]*Msg
	replySub  *Subscription
	pmcount   int
	stalled   int
	pacw      int
}

// Connect builds a Ctx bound to nc.
func Connect(nc *Conn, opts ...Option) (*Ctx, error) {
	if nc == nil {
		return nil, ErrInvalidArg
	}
	ctx := &Ctx{
		nc:        nc,
		pre:       JSDefaultAPIPrefix,
		wait:      defaultRequestWait,
		stallWait: defaultStallWait,
		refs:      1,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(ctx); err != nil {
			return nil, err
		}
	}
	if ctx.wait < 0 || ctx.stallWait < 0 {
		return nil, ErrInvalidTimeout
	}
	return ctx, nil
}

func (ctx *Ctx) retain() {
	atomic.AddInt32(&ctx.refs, 1)
}

// release decrements the refcount; the last releaser drops the pending
// map along with any user messages still in it. The core connection is
// left open.
func (ctx *Ctx) release() {
	if atomic.AddInt32(&ctx.refs, -1) != 0 {
		return
	}
	ctx.mu.Lock()
	pending := ctx.pending
	ctx.pending = nil
	ctx.mu.Unlock()
	for _, m := range pending {
		_ = m // owned user messages are simply dropped on final release
	}
}

// Destroy is the user's explicit release of their external handle. It
// also drains the pending map - any undelivered user messages are
// dropped, signalling to the caller that publishes issued after
// Destroy are lost.
func (ctx *Ctx) Destroy() {
	ctx.mu.Lock()
	for k := range ctx.pending {
		delete(ctx.pending, k)
	}
	ctx.pmcount = 0
	ctx.mu.Unlock()
	ctx.release()
}

// Subscribe starts an asynchronous streaming subscription on subj,
// dispatching every delivered message to cb.
func (ctx *Ctx) Subscribe(subj string, cb MsgHandler, opts ...SubOpt) (*Subscription, error) {
	if cb == nil {
		return nil, ErrInvalidArg
	}
	return ctx.subscribe(subj, _EMPTY_, cb, nil, opts)
}

// SubscribeSync starts a synchronous streaming subscription: messages
// queue internally and are drained with Subscription.NextMsg.
func (ctx *Ctx) SubscribeSync(subj string, opts ...SubOpt) (*Subscription, error) {
	return ctx.subscribe(subj, _EMPTY_, nil, nil, opts)
}

// QueueSubscribe starts an asynchronous, queue-grouped streaming
// subscription: exactly one member of the queue group receives each
// message.
func (ctx *Ctx) QueueSubscribe(subj, queue string, cb MsgHandler, opts ...SubOpt) (*Subscription, error) {
	if cb == nil {
		return nil, ErrInvalidArg
	}
	return ctx.subscribe(subj, queue, cb, nil, opts)
}

// ChanSubscribe starts a streaming subscription that delivers directly
// into ch instead of through a callback or internal queue.
func (ctx *Ctx) ChanSubscribe(subj string, ch chan *Msg, opts ...SubOpt) (*Subscription, error) {
	if ch == nil {
		return nil, ErrInvalidArg
	}
	return ctx.subscribe(subj, _EMPTY_, nil, ch, opts)
}

// PullSubscribe starts a pull-based streaming subscription: the
// caller drives delivery with Fetch or Poll instead of a callback.
func (ctx *Ctx) PullSubscribe(subj string, durable string, opts ...SubOpt) (*Subscription, error) {
	base := []SubOpt{Pull(1)}
	if durable != _EMPTY_ {
		base = append(base, Durable(durable))
	}
	return ctx.subscribe(subj, _EMPTY_, nil, nil, append(base, opts...))
}

func (ctx *Ctx) apiWait(override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	return ctx.wait
}

// --- Stream/consumer management (request/reply on the API prefix) ---

func (ctx *Ctx) lookupStreamBySubject(subj string) (string, error) {
	var resp streamNamesResponse
	req := &streamNamesRequest{Subject: subj}
	if err := apiRequestWait(ctx, apiStreamNames, req, ctx.wait, &resp); err != nil {
		return _EMPTY_, err
	}
	if len(resp.Streams) != 1 {
		return _EMPTY_, ErrNoMatchingStream
	}
	return resp.Streams[0], nil
}

func (ctx *Ctx) getConsumerInfo(stream, consumer string) (*ConsumerInfo, error) {
	subj := fmt.Sprintf(apiConsumerInfoT, stream, consumer)
	var resp consumerResponse
	if err := apiRequestWait(ctx, subj, nil, ctx.wait, &resp); err != nil {
		return nil, err
	}
	return resp.ConsumerInfo, nil
}

// AddConsumer creates (or updates) a consumer on stream.
func (ctx *Ctx) AddConsumer(stream string, cfg *ConsumerConfig) (*ConsumerInfo, error) {
	if stream == _EMPTY_ {
		return nil, ErrStreamNameRequired
	}
	req := &createConsumerRequest{Stream: stream, Config: cfg}
	var ccSubj string
	if cfg.Durable != _EMPTY_ {
		ccSubj = fmt.Sprintf(apiDurableCreateT, stream, cfg.Durable)
	} else {
		ccSubj = fmt.Sprintf(apiConsumerCreateT, stream)
	}
	var resp consumerResponse
	if err := apiRequestWait(ctx, ccSubj, req, ctx.wait, &resp); err != nil {
		return nil, err
	}
	return resp.ConsumerInfo, nil
}

func (ctx *Ctx) deleteConsumer(stream, consumer string) error {
	subj := fmt.Sprintf(apiConsumerDeleteT, stream, consumer)
	var resp apiResponse
	return apiRequestWait(ctx, subj, nil, ctx.wait, &resp)
}

// AddStream creates a stream.
func (ctx *Ctx) AddStream(cfg *StreamConfig) (*StreamInfo, error) {
	if cfg == nil || cfg.Name == _EMPTY_ {
		return nil, ErrStreamNameRequired
	}
	subj := fmt.Sprintf(apiStreamCreateT, cfg.Name)
	var resp streamCreateResponse
	if err := apiRequestWait(ctx, subj, cfg, ctx.wait, &resp); err != nil {
		return nil, err
	}
	return resp.StreamInfo, nil
}

// StreamPurgeOpt configures PurgeStream.
type StreamPurgeOpt func(*streamPurgeRequest)

type streamPurgeRequest struct {
	Subject string `json:"filter,omitempty"`
	Seq     uint64 `json:"seq,omitempty"`
	Keep    uint64 `json:"keep,omitempty"`
}

// PurgeSubject limits the purge to messages on the given subject.
func PurgeSubject(subj string) StreamPurgeOpt {
	return func(r *streamPurgeRequest) { r.Subject = subj }
}

// PurgeSequence purges messages up to (not including) seq.
func PurgeSequence(seq uint64) StreamPurgeOpt {
	return func(r *streamPurgeRequest) { r.Seq = seq }
}

// PurgeKeep retains the last keep messages.
func PurgeKeep(keep uint64) StreamPurgeOpt {
	return func(r *streamPurgeRequest) { r.Keep = keep }
}

// PurgeStream removes messages from stream according to opts.
func (ctx *Ctx) PurgeStream(stream string, opts ...StreamPurgeOpt) error {
	req := &streamPurgeRequest{}
	for _, opt := range opts {
		opt(req)
	}
	subj := fmt.Sprintf(apiStreamPurgeT, stream)
	var resp streamPurgeResponse
	if err := apiRequestWait(ctx, subj, req, ctx.wait, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return ErrNotFound
	}
	return nil
}

// StreamInfoOpt configures StreamInfo.
type StreamInfoOpt func(*streamInfoRequest)

type streamInfoRequest struct {
	DeletedDetails bool `json:"deleted_details,omitempty"`
}

// StreamInfoDeletedDetails asks the server to include details about
// deleted messages in the response.
func StreamInfoDeletedDetails() StreamInfoOpt {
	return func(r *streamInfoRequest) { r.DeletedDetails = true }
}

// StreamInfo fetches information about stream.
func (ctx *Ctx) StreamInfo(stream string, opts ...StreamInfoOpt) (*StreamInfo, error) {
	req := &streamInfoRequest{}
	for _, opt := range opts {
		opt(req)
	}
	subj := fmt.Sprintf(apiStreamInfoT, stream)
	var resp streamInfoResponse
	if err := apiRequestWait(ctx, subj, req, ctx.wait, &resp); err != nil {
		return nil, err
	}
	return resp.StreamInfo, nil
}
