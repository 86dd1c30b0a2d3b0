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

import "errors"

// Sentinel errors returned by the core connection and the streaming layer.
var (
	ErrInvalidArg          = errors.New("nats: invalid argument")
	ErrInvalidTimeout      = errors.New("nats: invalid timeout")
	ErrNoMemory            = errors.New("nats: no memory")
	ErrTimeout             = errors.New("nats: timeout")
	ErrNotFound            = errors.New("nats: not found")
	ErrIllegalState        = errors.New("nats: illegal state")
	ErrNoResponders        = errors.New("nats: no responders available for request")
	ErrMissedHeartbeat     = errors.New("nats: missed heartbeat")
	ErrMismatch            = errors.New("nats: consumer sequence mismatch")
	ErrInvalidSubscription = errors.New("nats: invalid subscription")

	ErrConnectionClosed   = errors.New("nats: connection closed")
	ErrBadSubject         = errors.New("nats: bad subject")
	ErrTypeSubscription   = errors.New("nats: subscription type mismatch")
	ErrMsgNoReply         = errors.New("nats: message does not have a reply")
	ErrMsgNotBound        = errors.New("nats: message is not bound to a subscription")
	ErrNotJSMessage       = errors.New("nats: not a streaming service message")
	ErrMsgAlreadyAcked    = errors.New("nats: message was already acknowledged")
	ErrContextAndTimeout  = errors.New("nats: cannot set both context and timeout")
	ErrJetStreamNotEnabled = errors.New("nats: streaming service not enabled")
	ErrNoStreamResponse   = errors.New("nats: no response from stream")
	ErrInvalidJSAck       = errors.New("nats: invalid ack response")
	ErrStreamNameRequired = errors.New("nats: stream name is required")
	ErrNoMatchingStream   = errors.New("nats: no stream matches subject")
	ErrSubjectMismatch    = errors.New("nats: subject does not match consumer filter subject")
	ErrPullModeNotAllowed = errors.New("nats: pull mode not supported with message callback")
	ErrDirectModeRequired = errors.New("nats: direct mode requires an explicit consumer to attach to")
	ErrPullSubscribeRequired = errors.New("nats: fetch requires a pull subscription")
	ErrConsumerConfigMismatch = errors.New("nats: consumer configuration mismatch")
	ErrQueueNoHeartbeat   = errors.New("nats: queue subscriptions do not support heartbeats or flow control")
	ErrPendingLimits      = errors.New("nats: async publish is stalled, pending limit exceeded")

	ErrConsumerNameExist      = errors.New("nats: consumer name already in use")
	ErrConsumerExistingActive = errors.New("nats: consumer already has an active subscription")
)

// APIError is returned for failures reported by the streaming service
// itself, as opposed to local/transport failures. It is the typed form
// of the {code, err_code, description} envelope in every API response.
type APIError struct {
	Code        int    `json:"code"`
	ErrCode     int    `json:"err_code"`
	Description string `json:"description"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	return "nats: " + e.Description
}

// PubAckError is delivered to a PublishAsyncErrHandler when a publish
// acknowledgement could not be obtained or was negative.
type PubAckError struct {
	Msg     *Msg
	Err     error
	ErrCode int
	ErrText string
}

func (e *PubAckError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.ErrText
}

func (e *PubAckError) Unwrap() error { return e.Err }
