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
	"time"
)

// SubOpt configures a streaming subscription.
type SubOpt interface {
	configureSubscribe(opts *subOpts) error
}

type subOptFn func(opts *subOpts) error

func (opt subOptFn) configureSubscribe(opts *subOpts) error {
	return opt(opts)
}

// subOpts accumulates both the consumer configuration being requested
// and which of its fields the caller actually set - the reconciliation
// pass needs to tell "the user asked for this" from "this is just the
// zero value" to apply its diff rules.
type subOpts struct {
	stream, consumer string
	pull             int
	mack             bool

	cfg ConsumerConfig
	set map[string]bool
}

func (o *subOpts) mark(field string) {
	if o.set == nil {
		o.set = make(map[string]bool)
	}
	o.set[field] = true
}

// Durable requests (or attaches to) a named durable consumer.
func Durable(name string) SubOpt {
	return subOptFn(func(o *subOpts) error {
		if name == _EMPTY_ {
			return ErrInvalidArg
		}
		o.cfg.Durable = name
		o.mark("durable")
		return nil
	})
}

// Attach binds the subscription to an already-existing consumer.
func Attach(stream, consumer string) SubOpt {
	return subOptFn(func(o *subOpts) error {
		o.stream = stream
		o.consumer = consumer
		return nil
	})
}

// Pull puts the subscription in pull mode with the given default
// batch size for Poll.
func Pull(batchSize int) SubOpt {
	return subOptFn(func(o *subOpts) error {
		if batchSize <= 0 {
			return ErrInvalidArg
		}
		o.pull = batchSize
		return nil
	})
}

// PushDirect binds to a known push deliver subject without going
// through stream lookup or consumer creation.
func PushDirect(deliverSubject string) SubOpt {
	return subOptFn(func(o *subOpts) error {
		o.cfg.DeliverSubject = deliverSubject
		return nil
	})
}

// ManualAck disables the automatic post-callback ack that otherwise
// wraps an asynchronous subscription's handler.
func ManualAck() SubOpt {
	return subOptFn(func(o *subOpts) error {
		o.mack = true
		return nil
	})
}

// DeliverAll requests delivery of every message retained by the stream.
func DeliverAll() SubOpt {
	return subOptFn(func(o *subOpts) error {
		o.cfg.DeliverPolicy = DeliverAll
		o.mark("deliver_policy")
		return nil
	})
}

// DeliverLast requests delivery starting with the most recent message.
func DeliverLast() SubOpt {
	return subOptFn(func(o *subOpts) error {
		o.cfg.DeliverPolicy = DeliverLast
		o.mark("deliver_policy")
		return nil
	})
}

// DeliverNew requests delivery of only messages published after the
// consumer is created.
func DeliverNew() SubOpt {
	return subOptFn(func(o *subOpts) error {
		o.cfg.DeliverPolicy = DeliverNew
		o.mark("deliver_policy")
		return nil
	})
}

// StartSequence requests delivery starting at a specific stream sequence.
func StartSequence(seq uint64) SubOpt {
	return subOptFn(func(o *subOpts) error {
		o.cfg.DeliverPolicy = DeliverByStartSequence
		o.cfg.OptStartSeq = seq
		o.mark("deliver_policy")
		o.mark("opt_start_seq")
		return nil
	})
}

// StartTime requests delivery starting at a specific point in time.
func StartTime(t time.Time) SubOpt {
	return subOptFn(func(o *subOpts) error {
		o.cfg.DeliverPolicy = DeliverByStartTime
		o.cfg.OptStartTime = &t
		o.mark("deliver_policy")
		o.mark("opt_start_time")
		return nil
	})
}

// AckWait overrides how long the server waits for an ack before
// considering a message eligible for redelivery.
func AckWait(d time.Duration) SubOpt {
	return subOptFn(func(o *subOpts) error {
		o.cfg.AckWait = d
		o.mark("ack_wait")
		return nil
	})
}

// MaxDeliver bounds how many times a single message is redelivered.
func MaxDeliver(n int) SubOpt {
	return subOptFn(func(o *subOpts) error {
		o.cfg.MaxDeliver = n
		o.mark("max_deliver")
		return nil
	})
}

// MaxAckPending bounds the number of unacked messages the server will
// have outstanding for this consumer at once.
func MaxAckPending(n int) SubOpt {
	return subOptFn(func(o *subOpts) error {
		o.cfg.MaxAckPending = n
		o.mark("max_ack_pending")
		return nil
	})
}

// RateLimit caps delivery throughput in bits per second.
func RateLimit(bps uint64) SubOpt {
	return subOptFn(func(o *subOpts) error {
		o.cfg.RateLimit = bps
		o.mark("rate_limit_bps")
		return nil
	})
}

// ReplayInstant requests messages be replayed as fast as possible
// (the default).
func ReplayInstant() SubOpt {
	return subOptFn(func(o *subOpts) error {
		o.cfg.ReplayPolicy = ReplayInstant
		o.mark("replay_policy")
		return nil
	})
}

// ReplayOriginal requests messages be replayed at the original
// publish cadence.
func ReplayOriginal() SubOpt {
	return subOptFn(func(o *subOpts) error {
		o.cfg.ReplayPolicy = ReplayOriginal
		o.mark("replay_policy")
		return nil
	})
}

// IdleHeartbeat arms server-sent idle heartbeats on the deliver
// subject, surfaced to the connection's async error handler as
// ErrMissedHeartbeat if one is skipped.
func IdleHeartbeat(d time.Duration) SubOpt {
	return subOptFn(func(o *subOpts) error {
		o.cfg.Heartbeat = d
		o.mark("idle_heartbeat")
		return nil
	})
}

// EnableFlowControl arms server-side flow control on the consumer.
func EnableFlowControl() SubOpt {
	return subOptFn(func(o *subOpts) error {
		o.cfg.FlowControl = true
		o.mark("flow_control")
		return nil
	})
}

// Description attaches a human-readable description to a newly
// created consumer.
func Description(d string) SubOpt {
	return subOptFn(func(o *subOpts) error {
		o.cfg.Description = d
		o.mark("description")
		return nil
	})
}

// AckPolicyOpt overrides the consumer's ack policy (default AckExplicit).
func AckPolicyOpt(p AckPolicy) SubOpt {
	return subOptFn(func(o *subOpts) error {
		o.cfg.AckPolicy = p
		o.mark("ack_policy")
		return nil
	})
}

// SampleFrequency sets the percentage of acks the server should sample
// for monitoring, e.g. "50%".
func SampleFrequency(s string) SubOpt {
	return subOptFn(func(o *subOpts) error {
		o.cfg.SampleFrequency = s
		o.mark("sample_freq")
		return nil
	})
}

// MaxWaiting bounds the number of outstanding pull requests the server
// will hold for this consumer at once.
func MaxWaiting(n int) SubOpt {
	return subOptFn(func(o *subOpts) error {
		o.cfg.MaxWaiting = n
		o.mark("max_waiting")
		return nil
	})
}

const maxCreateRetries = 3

func (ctx *Ctx) subscribe(subj, queue string, cb MsgHandler, ch chan *Msg, opts []SubOpt) (*Subscription, error) {
	if subj == _EMPTY_ {
		return nil, ErrBadSubject
	}
	o := subOpts{cfg: ConsumerConfig{AckPolicy: ackPolicyNotSet}}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt.configureSubscribe(&o); err != nil {
			return nil, err
		}
	}

	isPullMode := o.pull > 0
	if cb != nil && isPullMode {
		return nil, ErrPullModeNotAllowed
	}
	if queue != _EMPTY_ && (o.cfg.Heartbeat > 0 || o.cfg.FlowControl) {
		return nil, ErrQueueNoHeartbeat
	}

	shouldAttach := (o.stream != _EMPTY_ && o.consumer != _EMPTY_) || o.cfg.DeliverSubject != _EMPTY_
	shouldCreate := !shouldAttach

	var stream, deliver string
	var info *ConsumerInfo
	var err error

	switch {
	case o.cfg.DeliverSubject != _EMPTY_:
		// Push-direct: caller already knows the deliver subject, skip
		// both stream lookup and consumer lookup.
		deliver = o.cfg.DeliverSubject
		stream = o.stream
	case shouldAttach:
		info, err = ctx.getConsumerInfo(o.stream, o.consumer)
		if isNotFoundErr(err) && o.cfg.Durable != _EMPTY_ {
			// No existing consumer under this durable name: fall
			// through to the create path instead of failing outright.
			shouldCreate = true
			stream = o.stream
		} else if err != nil {
			return nil, err
		} else {
			stream = o.stream
			if err := processConsumerInfo(&o, info, subj, queue, isPullMode); err != nil {
				return nil, err
			}
			o.cfg.Heartbeat = info.Config.Heartbeat
			if info.Config.DeliverSubject != _EMPTY_ {
				deliver = info.Config.DeliverSubject
			} else {
				deliver = ctx.nc.NewInbox()
			}
		}
	}
	if shouldCreate {
		if stream == _EMPTY_ {
			stream, err = ctx.lookupStreamBySubject(subj)
			if err != nil {
				return nil, err
			}
		}
		deliver = ctx.nc.NewInbox()
		if !isPullMode {
			o.cfg.DeliverSubject = deliver
		}
		o.cfg.FilterSubject = subj
	}

	if cb != nil && !o.mack {
		ocb := cb
		cb = func(m *Msg) { autoAck(ocb, m) }
	}

	jsi := &jsSub{
		ctx:       ctx,
		stream:    stream,
		durable:   o.cfg.Durable,
		manualAck: o.mack,
		hbInterval: o.cfg.Heartbeat,
	}
	if isPullMode {
		jsi.pull = o.pull
	}

	sub, err := ctx.nc.subscribe(deliver, queue, cb, ch, jsi)
	if err != nil {
		return nil, err
	}
	ctx.retain()
	sub.onUnsub = ctx.release

	if shouldCreate {
		info, err = ctx.createConsumerWithRetry(stream, &o.cfg, &o, subj, queue, isPullMode)
		if err != nil {
			sub.Unsubscribe()
			return nil, err
		}
		jsi.dc = o.cfg.Durable == _EMPTY_
	}

	sub.mu.Lock()
	consumer := o.consumer
	if info != nil {
		consumer = info.Name
		jsi.ackPolicy = info.Config.AckPolicy
	}
	jsi.consumer = consumer
	if isPullMode {
		jsi.nextSubj = ctx.apiSubj(fmt.Sprintf(apiRequestNextT, stream, consumer))
	}
	sub.mu.Unlock()

	if !isPullMode && jsi.hbInterval > 0 {
		armHeartbeat(sub, jsi)
	}
	if isPullMode {
		if err := sub.Poll(); err != nil {
			sub.Unsubscribe()
			return nil, err
		}
	}
	return sub, nil
}

// createConsumerWithRetry calls AddConsumer, retrying through the
// reconciliation path if the server reports the name is already taken
// by a matching consumer (a benign race between two subscribers
// starting up against the same durable at once).
func (ctx *Ctx) createConsumerWithRetry(stream string, cfg *ConsumerConfig, o *subOpts, subj, queue string, isPullMode bool) (*ConsumerInfo, error) {
	if cfg.AckPolicy == ackPolicyNotSet {
		cfg.AckPolicy = AckExplicit
	}
	for attempt := 0; ; attempt++ {
		info, err := ctx.AddConsumer(stream, cfg)
		if err == nil {
			return info, nil
		}
		if (err != ErrConsumerNameExist && err != ErrConsumerExistingActive) || attempt >= maxCreateRetries {
			return nil, err
		}
		ctx.log.Warn().Str("stream", stream).Str("durable", cfg.Durable).Int("attempt", attempt).Msg("consumer create raced, reconciling against existing")
		existing, gerr := ctx.getConsumerInfo(stream, cfg.Durable)
		if gerr != nil {
			return nil, err
		}
		if rerr := processConsumerInfo(o, existing, subj, queue, isPullMode); rerr != nil {
			return nil, rerr
		}
		return existing, nil
	}
}

// isNotFoundErr reports whether err is the server's "no such consumer"
// response. apiRequestWait surfaces a failed lookup as the raw *APIError
// from the JSON envelope, never the ErrNotFound sentinel, so the check
// has to unwrap it and compare the JSON-RPC-style status code.
func isNotFoundErr(err error) bool {
	if err == ErrNotFound {
		return true
	}
	apiErr, ok := err.(*APIError)
	return ok && apiErr.Code == 404
}

// processConsumerInfo runs the PROCESS_INFO reconciliation against an
// existing server-side consumer: subject/queue/mode compatibility
// first, then a field-by-field diff of the requested config against
// what the server actually has.
func processConsumerInfo(o *subOpts, info *ConsumerInfo, subj, queue string, isPullMode bool) error {
	cfg := &info.Config
	if cfg.FilterSubject != _EMPTY_ && cfg.FilterSubject != subj {
		return ErrSubjectMismatch
	}
	if queue != _EMPTY_ && (cfg.Heartbeat > 0 || cfg.FlowControl) {
		return ErrQueueNoHeartbeat
	}
	if isPullMode && cfg.DeliverSubject != _EMPTY_ {
		return ErrTypeSubscription
	}
	if !isPullMode && cfg.DeliverSubject == _EMPTY_ {
		return ErrTypeSubscription
	}
	if !isPullMode {
		if cfg.DeliverGroup == _EMPTY_ {
			if queue != _EMPTY_ {
				return ErrConsumerConfigMismatch
			}
			if info.PushBound {
				return ErrConsumerExistingActive
			}
		} else if queue != cfg.DeliverGroup {
			return ErrConsumerConfigMismatch
		}
	}
	return reconcileConsumerConfig(o, cfg)
}

// reconcileConsumerConfig checks the fields the caller explicitly
// requested in o against the server's existing config for a consumer
// being attached to. Flow control is the one field allowed to diverge
// in only one direction: a server that already has it enabled is
// fine even when the caller never asked for it, but a caller that
// demands it cannot silently get a consumer that doesn't have it.
func reconcileConsumerConfig(o *subOpts, got *ConsumerConfig) error {
	want := &o.cfg
	mismatch := func(field string, eq bool) error {
		if o.set[field] && !eq {
			return ErrConsumerConfigMismatch
		}
		return nil
	}
	if err := mismatch("description", want.Description == got.Description); err != nil {
		return err
	}
	if err := mismatch("deliver_policy", want.DeliverPolicy == got.DeliverPolicy); err != nil {
		return err
	}
	if err := mismatch("opt_start_seq", want.OptStartSeq == got.OptStartSeq); err != nil {
		return err
	}
	if err := mismatch("opt_start_time", optStartTimeEqual(want.OptStartTime, got.OptStartTime)); err != nil {
		return err
	}
	if err := mismatch("ack_policy", want.AckPolicy == got.AckPolicy); err != nil {
		return err
	}
	if err := mismatch("ack_wait", want.AckWait == got.AckWait); err != nil {
		return err
	}
	if err := mismatch("max_deliver", want.MaxDeliver == got.MaxDeliver); err != nil {
		return err
	}
	if err := mismatch("max_ack_pending", want.MaxAckPending == got.MaxAckPending); err != nil {
		return err
	}
	if err := mismatch("rate_limit_bps", want.RateLimit == got.RateLimit); err != nil {
		return err
	}
	if err := mismatch("replay_policy", want.ReplayPolicy == got.ReplayPolicy); err != nil {
		return err
	}
	if err := mismatch("sample_freq", want.SampleFrequency == got.SampleFrequency); err != nil {
		return err
	}
	if err := mismatch("max_waiting", want.MaxWaiting == got.MaxWaiting); err != nil {
		return err
	}
	if err := mismatch("idle_heartbeat", want.Heartbeat == got.Heartbeat); err != nil {
		return err
	}
	if want.FlowControl && !got.FlowControl {
		return ErrConsumerConfigMismatch
	}
	if o.set["durable"] && want.Durable != got.Durable {
		return ErrConsumerConfigMismatch
	}
	return nil
}

// optStartTimeEqual compares two optional start-time pointers, treating
// two nils as equal without dereferencing either.
func optStartTimeEqual(want, got *time.Time) bool {
	if want == nil || got == nil {
		return want == got
	}
	return want.Equal(*got)
}
