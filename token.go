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

import "github.com/nats-io/nuid"

const _EMPTY_ = ""

// InboxPrefix begins every ephemeral reply subject the core
// connection mints, both for plain request/reply and for the
// streaming layer's per-Ctx async-publish reply inbox.
const InboxPrefix = "_INBOX."

// nextToken returns an n-character slice of a freshly drawn nuid
// token. A NUID is a 12-char randomized prefix followed by a 10-char
// sequence that increments on every draw, so the only bytes that vary
// from call to call are the trailing ones - the leading bytes are
// constant for the life of the process absent a sequence rollover.
// Reply tokens need not be cryptographically random, but they do need
// to be distinct within the Ctx's lifetime, so this always takes the
// token's suffix rather than its prefix.
func nextToken(n int) string {
	id := nuid.Next()
	if n >= len(id) {
		return id
	}
	return id[len(id)-n:]
}

// newReplyToken returns the 8-char token reply inboxes are built from.
func newReplyToken() string {
	return nextToken(8)
}
