// Package sidecar implements the wire protocol client for the speech-model
// sidecar service.
//
// The sidecar speaks tagged binary frames over a WebSocket: every message is
// a single leading tag byte followed by the payload. There is no length
// prefix; WebSocket message boundaries delimit frames. The sidecar initiates
// a handshake by sending an empty [TagHandshake] frame once it is ready;
// the client sends no handshake request of its own (session parameters
// travel as query parameters of the connection URL).
package sidecar

import (
	"errors"
	"fmt"
)

// Tag is the 1-byte discriminator prefixed to every sidecar frame.
type Tag byte

// Known frame tags. Any other value is reserved: counted and ignored by the
// dispatcher, never fatal.
const (
	// TagHandshake marks the readiness handshake and subsequent keepalives.
	TagHandshake Tag = 0x00

	// TagAudio carries raw container bytes (Ogg-framed codec data).
	TagAudio Tag = 0x01

	// TagText carries UTF-8 transcript text.
	TagText Tag = 0x02
)

// Known reports whether t is a tag this client understands.
func (t Tag) Known() bool {
	switch t {
	case TagHandshake, TagAudio, TagText:
		return true
	}
	return false
}

// String returns the tag's protocol name, or "unknown(0xNN)" for reserved values.
func (t Tag) String() string {
	switch t {
	case TagHandshake:
		return "handshake"
	case TagAudio:
		return "audio"
	case TagText:
		return "text"
	}
	return fmt.Sprintf("unknown(0x%02x)", byte(t))
}

// Frame is one unit exchanged with the sidecar.
type Frame struct {
	Tag     Tag
	Payload []byte
}

// ErrMalformedFrame reports a transport message too short to carry a tag.
// Callers absorb it locally (count and continue); it never indicates a dead
// connection.
var ErrMalformedFrame = errors.New("sidecar: malformed frame: missing tag byte")

// encodeFrame prepends the tag byte to payload, producing one transport message.
func encodeFrame(tag Tag, payload []byte) []byte {
	msg := make([]byte, 1+len(payload))
	msg[0] = byte(tag)
	copy(msg[1:], payload)
	return msg
}

// decodeFrame splits a transport message into tag and payload.
func decodeFrame(msg []byte) (Frame, error) {
	if len(msg) == 0 {
		return Frame{}, ErrMalformedFrame
	}
	return Frame{Tag: Tag(msg[0]), Payload: msg[1:]}, nil
}
