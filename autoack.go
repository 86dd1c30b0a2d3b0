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

// autoAck wraps a user-supplied MsgHandler so it acks on the caller's
// behalf once the handler returns, unless ManualAck was requested. The
// reply subject is captured before the callback runs: if m somehow
// arrived without one, there is nothing to ack and the wrapper just
// calls through.
func autoAck(cb MsgHandler, m *Msg) {
	reply := m.Reply
	cb(m)
	if reply == _EMPTY_ {
		return
	}
	_ = m.Ack()
}
