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
	"fmt"
	"time"
)

// API request subjects, relative to a Ctx's API prefix. These were
// the literal JSON-shape structs the teacher imported from its
// sibling jetstream sub-package; that sub-package wasn't part of the
// retrieved teacher directory, so the wire shapes are inlined here
// instead (see SPEC_FULL.md, "DOMAIN STACK").
const (
	JSDefaultAPIPrefix = "$JS.API"

	apiAccountInfo     = "INFO"
	apiStreamNames     = "STREAM.NAMES"
	apiConsumerCreateT = "CONSUMER.CREATE.%s"
	apiDurableCreateT  = "CONSUMER.DURABLE.CREATE.%s.%s"
	apiConsumerInfoT   = "CONSUMER.INFO.%s.%s"
	apiConsumerDeleteT = "CONSUMER.DELETE.%s.%s"
	apiRequestNextT    = "CONSUMER.MSG.NEXT.%s.%s"
	apiStreamCreateT   = "STREAM.CREATE.%s"
	apiStreamInfoT     = "STREAM.INFO.%s"
	apiStreamPurgeT    = "STREAM.PURGE.%s"

	// AckSubjectPrefix is the subject prefix of every ack-bearing reply.
	AckSubjectPrefix = "$JS.ACK."
)

// Ack payload literals, published verbatim on a message's reply subject.
var (
	AckAck      = []byte("+ACK")
	AckNak      = []byte("-NAK")
	AckProgress = []byte("+WPI")
	AckTerm     = []byte("+TERM")
	AckNext     = []byte("+NXT")
)

// DeliverPolicy controls where in a stream a consumer starts delivering from.
type DeliverPolicy int

const (
	DeliverAll DeliverPolicy = iota
	DeliverLast
	DeliverNew
	DeliverByStartSequence
	DeliverByStartTime
	DeliverLastPerSubject
)

var deliverPolicyStrings = map[DeliverPolicy]string{
	DeliverAll:             "all",
	DeliverLast:            "last",
	DeliverNew:             "new",
	DeliverByStartSequence: "by_start_sequence",
	DeliverByStartTime:     "by_start_time",
	DeliverLastPerSubject:  "last_per_subject",
}

func (p DeliverPolicy) MarshalJSON() ([]byte, error) {
	s, ok := deliverPolicyStrings[p]
	if !ok {
		return nil, fmt.Errorf("nats: unknown deliver policy %d", p)
	}
	return json.Marshal(s)
}

func (p *DeliverPolicy) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for k, v := range deliverPolicyStrings {
		if v == s {
			*p = k
			return nil
		}
	}
	return fmt.Errorf("nats: unknown deliver policy %q", s)
}

// AckPolicy controls whether/how a consumer's messages must be acked.
type AckPolicy int

const (
	AckNone AckPolicy = iota
	AckAll
	AckExplicit
	// ackPolicyNotSet is an internal sentinel distinguishing "the user
	// never specified an ack policy" from "the user explicitly chose
	// AckNone", used by the subscribe factory's config defaulting.
	ackPolicyNotSet AckPolicy = 99
)

var ackPolicyStrings = map[AckPolicy]string{
	AckNone:     "none",
	AckAll:      "all",
	AckExplicit: "explicit",
}

func (p AckPolicy) MarshalJSON() ([]byte, error) {
	s, ok := ackPolicyStrings[p]
	if !ok {
		return nil, fmt.Errorf("nats: unknown ack policy %d", p)
	}
	return json.Marshal(s)
}

func (p *AckPolicy) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for k, v := range ackPolicyStrings {
		if v == s {
			*p = k
			return nil
		}
	}
	return fmt.Errorf("nats: unknown ack policy %q", s)
}

// ReplayPolicy controls the rate at which a consumer replays history.
type ReplayPolicy int

const (
	ReplayInstant ReplayPolicy = iota
	ReplayOriginal
)

var replayPolicyStrings = map[ReplayPolicy]string{
	ReplayInstant:  "instant",
	ReplayOriginal: "original",
}

func (p ReplayPolicy) MarshalJSON() ([]byte, error) {
	s, ok := replayPolicyStrings[p]
	if !ok {
		return nil, fmt.Errorf("nats: unknown replay policy %d", p)
	}
	return json.Marshal(s)
}

func (p *ReplayPolicy) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for k, v := range replayPolicyStrings {
		if v == s {
			*p = k
			return nil
		}
	}
	return fmt.Errorf("nats: unknown replay policy %q", s)
}

// ConsumerConfig is the full set of consumer configuration knobs the
// subscribe factory reconciles against server state.
type ConsumerConfig struct {
	Durable         string        `json:"durable_name,omitempty"`
	Description     string        `json:"description,omitempty"`
	DeliverSubject  string        `json:"deliver_subject,omitempty"`
	DeliverGroup    string        `json:"deliver_group,omitempty"`
	DeliverPolicy   DeliverPolicy `json:"deliver_policy"`
	OptStartSeq     uint64        `json:"opt_start_seq,omitempty"`
	OptStartTime    *time.Time    `json:"opt_start_time,omitempty"`
	AckPolicy       AckPolicy     `json:"ack_policy"`
	AckWait         time.Duration `json:"ack_wait,omitempty"`
	MaxDeliver      int           `json:"max_deliver,omitempty"`
	FilterSubject   string        `json:"filter_subject,omitempty"`
	ReplayPolicy    ReplayPolicy  `json:"replay_policy"`
	RateLimit       uint64        `json:"rate_limit_bps,omitempty"`
	SampleFrequency string        `json:"sample_freq,omitempty"`
	MaxWaiting      int           `json:"max_waiting,omitempty"`
	MaxAckPending   int           `json:"max_ack_pending,omitempty"`
	FlowControl     bool          `json:"flow_control,omitempty"`
	Heartbeat       time.Duration `json:"idle_heartbeat,omitempty"`
}

// SequencePair reports a consumer/stream sequence pair.
type SequencePair struct {
	Consumer uint64 `json:"consumer_seq"`
	Stream   uint64 `json:"stream_seq"`
}

// ConsumerInfo is the server's view of a consumer.
type ConsumerInfo struct {
	Stream         string         `json:"stream_name"`
	Name           string         `json:"name"`
	Created        time.Time      `json:"created"`
	Config         ConsumerConfig `json:"config"`
	Delivered      SequencePair   `json:"delivered"`
	AckFloor       SequencePair   `json:"ack_floor"`
	NumAckPending  int            `json:"num_ack_pending"`
	NumRedelivered int            `json:"num_redelivered"`
	NumWaiting     int            `json:"num_waiting"`
	NumPending     uint64         `json:"num_pending"`
	PushBound      bool           `json:"push_bound,omitempty"`
}

// StreamConfig describes a stream to be created.
type StreamConfig struct {
	Name     string   `json:"name"`
	Subjects []string `json:"subjects,omitempty"`
}

// StreamInfo is the server's view of a stream.
type StreamInfo struct {
	Config  StreamConfig `json:"config"`
	Created time.Time    `json:"created"`
}

// PubAck is returned by a successful synchronous Publish.
type PubAck struct {
	Stream    string `json:"stream"`
	Seq       uint64 `json:"seq"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Domain    string `json:"domain,omitempty"`
}

type apiResponse struct {
	Type  string    `json:"type,omitempty"`
	Error *APIError `json:"error,omitempty"`
}

type pubAckResponse struct {
	apiResponse
	*PubAck
}

type streamNamesResponse struct {
	apiResponse
	Streams []string `json:"streams"`
}

type streamCreateResponse struct {
	apiResponse
	*StreamInfo
}

type streamInfoResponse struct {
	apiResponse
	*StreamInfo
}

type streamPurgeResponse struct {
	apiResponse
	Success bool   `json:"success"`
	Purged  uint64 `json:"purged"`
}

type consumerResponse struct {
	apiResponse
	*ConsumerInfo
}

type createConsumerRequest struct {
	Stream string          `json:"stream_name"`
	Config *ConsumerConfig `json:"config"`
}

type streamNamesRequest struct {
	Subject string `json:"subject,omitempty"`
}

// apiSubj prepends the Ctx's configured API prefix to subj.
func (ctx *Ctx) apiSubj(subj string) string {
	if ctx.pre == _EMPTY_ {
		return subj
	}
	return ctx.pre + "." + subj
}

// apiRequestWait performs the marshal/request/decode-envelope dance
// shared by every management call.
func apiRequestWait(ctx *Ctx, subj string, req interface{}, wait time.Duration, out interface {
	apiErr() *APIError
}) error {
	var payload []byte
	var err error
	if req != nil {
		payload, err = json.Marshal(req)
		if err != nil {
			return err
		}
	}
	resp, err := ctx.nc.Request(ctx.apiSubj(subj), payload, wait)
	if err != nil {
		if err == ErrNoResponders {
			return ErrJetStreamNotEnabled
		}
		return err
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return err
	}
	if e := out.apiErr(); e != nil {
		return e
	}
	return nil
}

func (r *apiResponse) apiErr() *APIError { return r.Error }
