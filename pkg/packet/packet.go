// Package packet defines the logical message exchanged over a framed
// connection and its JSON codec. Decoding never fails: anything that is not a
// well-formed structured packet degrades to a raw-text packet.
package packet

import (
	"encoding/json"
	"time"

	"github.com/tidwall/gjson"
)

// Action discriminates the direction/kind of a packet.
const (
	// ActionSentToServer tags client-to-server traffic. It is also the
	// reserved action for the raw-text fallback on decode failure.
	ActionSentToServer = 1

	// ActionSentToClient tags server-to-client traffic.
	ActionSentToClient = 2
)

// Packet is one logical message. Timestamps are UTC and marshal with
// nanosecond precision, so an Encode/Decode round-trip preserves them
// exactly.
type Packet struct {
	Action    int       `json:"action"`
	Data      string    `json:"data"`
	Timestamp time.Time `json:"timestamp"`
}

// New builds a packet stamped with the current UTC time.
func New(action int, data string) Packet {
	return Packet{Action: action, Data: data, Timestamp: time.Now().UTC()}
}

// Decode parses b as a structured packet. On any decode failure it
// synthesizes a raw inbound packet carrying the original text; decode failure
// is a valid path, not an error condition.
func Decode(b []byte) Packet {
	if gjson.ValidBytes(b) && gjson.ParseBytes(b).IsObject() {
		var p Packet
		if err := json.Unmarshal(b, &p); err == nil {
			return p
		}
	}
	return New(ActionSentToServer, string(b))
}

// Encode serializes p and appends the delimiter.
func Encode(p Packet, delim []byte) ([]byte, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return append(b, delim...), nil
}

// EncodeRaw bypasses structured encoding: the text is sent as-is with the
// delimiter appended. The receiving side still frames it normally.
func EncodeRaw(s string, delim []byte) []byte {
	return append([]byte(s), delim...)
}
