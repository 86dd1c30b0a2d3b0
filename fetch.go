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
	"time"
)

type pullRequest struct {
	Expires int64 `json:"expires,omitempty"`
	Batch   int   `json:"batch,omitempty"`
	NoWait  bool  `json:"no_wait,omitempty"`
}

func marshalPullRequest(batch int, expiresNs int64, noWait bool) ([]byte, error) {
	return json.Marshal(&pullRequest{Batch: batch, Expires: expiresNs, NoWait: noWait})
}

const (
	pullExpiryMargin = 10 * time.Millisecond
	pullExpiryFloor  = 2 * pullExpiryMargin
	defaultFetchWait = 5 * time.Second
)

// pullExpiry shaves a small margin off the time budget handed to the
// server, so the server-side request expires slightly before the
// client gives up waiting rather than at the same instant. Below the
// floor there isn't enough budget to spare the margin.
func pullExpiry(remaining time.Duration) time.Duration {
	if remaining >= pullExpiryFloor {
		return remaining - pullExpiryMargin
	}
	return remaining
}

// FetchOpt configures Fetch.
type FetchOpt func(*fetchOpts)

type fetchOpts struct {
	maxWait time.Duration
}

// FetchMaxWait bounds the total time Fetch spends waiting for the
// batch to fill.
func FetchMaxWait(d time.Duration) FetchOpt {
	return func(o *fetchOpts) { o.maxWait = d }
}

// Fetch gathers up to batch messages for a pull subscription. Already
// queued messages are drained first, without waiting; any shortfall of
// more than one message is requested from the server as a no_wait probe
// (answered at once with what the server already holds, or with a 404
// when it holds nothing), falling back to a regular pull request bounded
// by the remaining time budget once that probe reports nothing buffered.
// A shortfall of exactly one message skips the probe and issues a
// blocking pull directly.
func (sub *Subscription) Fetch(batch int, opts ...FetchOpt) ([]*Msg, error) {
	if batch <= 0 {
		return nil, ErrInvalidArg
	}
	sub.mu.Lock()
	if sub.jsi == nil || sub.jsi.pull == 0 {
		sub.mu.Unlock()
		return nil, ErrTypeSubscription
	}
	if sub.closed {
		sub.mu.Unlock()
		return nil, ErrInvalidSubscription
	}
	msgs := sub.msgs
	nextSubj := sub.jsi.nextSubj
	reply := sub.Subject
	conn := sub.conn
	sub.mu.Unlock()

	o := fetchOpts{maxWait: defaultFetchWait}
	for _, opt := range opts {
		opt(&o)
	}

	var out []*Msg
	for len(out) < batch {
		select {
		case m, ok := <-msgs:
			if !ok {
				return out, nil
			}
			if isPullStatus(m, "404") || isPullStatus(m, "408") {
				// Status messages are dropped during the local drain;
				// they carry no payload worth handing back to the caller.
				continue
			}
			out = append(out, m)
			continue
		default:
		}
		break
	}
	if len(out) >= batch {
		return out, nil
	}

	deadline := time.Now().Add(o.maxWait)
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	// A single-message shortfall goes straight to a blocking pull: with
	// one message needed, the blocking request already returns as soon as
	// one arrives.
	blocking := batch-len(out) <= 1
	req, err := marshalPullRequest(batch-len(out), expiresFor(blocking, deadline), !blocking)
	if err != nil {
		return out, err
	}
	if err := conn.PublishRequest(nextSubj, reply, req); err != nil {
		if len(out) > 0 {
			return out, nil
		}
		return nil, err
	}

	for len(out) < batch {
		select {
		case m, ok := <-msgs:
			if !ok {
				return out, nil
			}
			switch {
			case isPullStatus(m, "404"):
				if blocking {
					continue
				}
				blocking = true
				remaining := time.Until(deadline)
				req, err := marshalPullRequest(batch-len(out), int64(pullExpiry(remaining)), false)
				if err != nil {
					if len(out) > 0 {
						return out, nil
					}
					return nil, err
				}
				if err := conn.PublishRequest(nextSubj, reply, req); err != nil {
					if len(out) > 0 {
						return out, nil
					}
					return nil, err
				}
			case isPullStatus(m, "408"):
				// Server-side request expired; drop and keep waiting on
				// whatever else might still be in flight.
			default:
				out = append(out, m)
			}
		case <-timer.C:
			if len(out) > 0 {
				return out, nil
			}
			return nil, ErrTimeout
		}
	}
	return out, nil
}

// expiresFor returns the expires_ns field for a pull request: a
// no_wait probe carries no expiry (the server answers immediately
// either way), a blocking request expires at the remaining time
// budget.
func expiresFor(blocking bool, deadline time.Time) int64 {
	if !blocking {
		return 0
	}
	return int64(pullExpiry(time.Until(deadline)))
}

func isPullStatus(m *Msg, code string) bool {
	return m.Header != nil && m.Header.Get(statusHdr) == code
}
