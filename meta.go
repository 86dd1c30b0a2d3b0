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
	"strings"
	"time"
)

// MsgMetaData is the decoded form of a delivered message's ack subject.
type MsgMetaData struct {
	Domain    string // "" means no domain
	Stream    string
	Consumer  string
	Delivered uint64
	StreamSeq uint64
	ConsSeq   uint64
	Timestamp time.Time
	Pending   uint64
}

const (
	noDomainToken  = "_"
	v1FieldCount   = 7
	v2MinFields    = 9
	normalizedLen  = 9
)

// parseAckReply validates the "$JS.ACK." prefix and hands the
// remaining tokens to parseMetaTokens.
func parseAckReply(subject string) (*MsgMetaData, error) {
	tokens := strings.Split(subject, ".")
	if len(tokens) < 2 || tokens[0] != "$JS" || tokens[1] != "ACK" {
		return nil, ErrNotJSMessage
	}
	return parseMetaTokens(tokens[2:])
}

// parseMetaTokens implements the meta-data parser proper: given the
// tokens that follow "$JS.ACK.", it recognizes the two ack subject
// formats and returns the decoded fields.
//
//   - exactly 7 tokens: v1, no domain/account-hash tokens present.
//   - 9 or more tokens: v2, domain and account-hash are the first two
//     tokens; anything past the 9th is ignored.
//   - any other count is invalid.
func parseMetaTokens(tokens []string) (*MsgMetaData, error) {
	var norm [normalizedLen]string
	switch {
	case len(tokens) == v1FieldCount:
		norm[0] = noDomainToken
		norm[1] = _EMPTY_
		copy(norm[2:], tokens)
	case len(tokens) >= v2MinFields:
		copy(norm[:], tokens[:normalizedLen])
	default:
		return nil, ErrNotJSMessage
	}

	meta := &MsgMetaData{
		Stream:   norm[2],
		Consumer: norm[3],
	}
	if norm[0] != noDomainToken {
		meta.Domain = norm[0]
	}

	nums := make([]int64, 5)
	for i, tok := range norm[4:9] {
		n, ok := parseUint(tok)
		if !ok {
			return nil, ErrNotJSMessage
		}
		nums[i] = n
	}
	meta.Delivered = uint64(nums[0])
	meta.StreamSeq = uint64(nums[1])
	meta.ConsSeq = uint64(nums[2])
	meta.Timestamp = time.Unix(0, nums[3])
	meta.Pending = uint64(nums[4])
	return meta, nil
}

// parseUint parses a non-negative base-10 integer without going
// through strconv's full error machinery - matches the tight loop the
// teacher's parseNum used, extended to report success/failure instead
// of a sentinel -1 so any parse failure can be surfaced as an error.
func parseUint(d string) (int64, bool) {
	if len(d) == 0 {
		return 0, false
	}
	const asciiZero, asciiNine = '0', '9'
	var n int64
	for _, c := range d {
		if c < asciiZero || c > asciiNine {
			return 0, false
		}
		n = n*10 + int64(c-asciiZero)
	}
	return n, true
}
