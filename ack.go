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

import "encoding/json"

// ackReply publishes an ack payload on m's ack subject (m.Reply) -
// the same subject for push and pull deliveries alike.
func (m *Msg) ackReply(payload []byte, sync bool) error {
	ctx, _, err := m.checkReply()
	if err != nil {
		return err
	}
	if !m.markAcked() {
		return ErrMsgAlreadyAcked
	}
	if sync {
		_, err := ctx.nc.Request(m.Reply, payload, ctx.wait)
		return err
	}
	return ctx.nc.Publish(m.Reply, payload)
}

// Ack acknowledges a message was processed successfully. Fire and
// forget: the server's response, if any, is not waited on.
func (m *Msg) Ack() error {
	return m.ackReply(AckAck, false)
}

// AckSync acknowledges a message and waits for the server to confirm it.
func (m *Msg) AckSync() error {
	return m.ackReply(AckAck, true)
}

// Nak negatively acknowledges a message, asking for immediate redelivery.
func (m *Msg) Nak() error {
	return m.ackReply(AckNak, false)
}

// Term acknowledges a message as terminally failed: the server will
// not redeliver it.
func (m *Msg) Term() error {
	return m.ackReply(AckTerm, false)
}

// InProgress tells the server the message is still being worked on,
// resetting its ack-wait timer without resolving it.
func (m *Msg) InProgress() error {
	ctx, _, err := m.checkReply()
	if err != nil {
		return err
	}
	if m.isAcked() {
		return ErrMsgAlreadyAcked
	}
	return ctx.nc.Publish(m.Reply, AckProgress)
}

// AckNextRequest acknowledges a pull-mode message and, in the same
// round trip, asks the server for the next batch of messages: a
// combined "+NXT" payload carrying the requested batch size, published
// to the message's ack subject instead of a separate Fetch/Poll call.
func (m *Msg) AckNextRequest(batch int) error {
	ctx, isPull, err := m.checkReply()
	if err != nil {
		return err
	}
	if !isPull {
		return ErrTypeSubscription
	}
	if !m.markAcked() {
		return ErrMsgAlreadyAcked
	}
	body, err := json.Marshal(&pullRequest{Batch: batch})
	if err != nil {
		return err
	}
	payload := append(append([]byte{}, AckNext...), append([]byte(" "), body...)...)
	return ctx.nc.Publish(m.Reply, payload)
}
