// Package framing turns a growing byte stream into discrete messages
// separated by a fixed delimiter sequence. It carries no transport state;
// each connection owns exactly one Buffer fed by its read loop.
package framing

import "bytes"

// Buffer accumulates bytes across socket reads until at least one complete
// message (terminated by the delimiter) is present. Remaining bytes after the
// last delimiter are retained for the next read. Growth is bounded only by
// memory; callers needing a cap must enforce it before Feed.
type Buffer struct {
	data []byte
}

// Feed appends a completed socket read to the accumulation buffer.
func (b *Buffer) Feed(p []byte) {
	b.data = append(b.data, p...)
}

// Len reports the number of buffered, not-yet-extracted bytes.
func (b *Buffer) Len() int {
	return len(b.data)
}

// Next pops the earliest complete message. The returned slice is a copy; it
// does not alias the internal buffer. ok is false when no delimiter is
// buffered. Zero-length segments (back-to-back delimiters) are consumed but
// reported with an empty message; Extract is the caller-facing path that
// skips them.
func (b *Buffer) Next(delim []byte) (msg []byte, ok bool) {
	if len(delim) == 0 {
		return nil, false
	}
	i := bytes.Index(b.data, delim)
	if i < 0 {
		return nil, false
	}
	msg = append([]byte(nil), b.data[:i]...)
	b.data = b.data[i+len(delim):]
	return msg, true
}

// Extract drains every complete message currently buffered, in arrival order.
// Empty segments produce no message. Matching is byte-exact; no trimming.
func (b *Buffer) Extract(delim []byte) [][]byte {
	var msgs [][]byte
	for {
		msg, ok := b.Next(delim)
		if !ok {
			return msgs
		}
		if len(msg) == 0 {
			continue
		}
		msgs = append(msgs, msg)
	}
}
