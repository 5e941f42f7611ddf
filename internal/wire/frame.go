// Package wire implements the subset of RFC 6455 the gateway speaks:
// single-frame text and control messages, server-side (no masking on
// egress, mandatory unmasking on ingress) plus the HTTP upgrade handshake.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Opcodes used by the gateway. Continuation (0x0) is recognized only to be
// rejected.
const (
	OpContinuation byte = 0x0
	OpText         byte = 0x1
	OpClose        byte = 0x8
	OpPing         byte = 0x9
	OpPong         byte = 0xA
)

// Close status codes written in close frames.
const (
	StatusNormalClosure   uint16 = 1000
	StatusGoingAway       uint16 = 1001
	StatusProtocolError   uint16 = 1002
	StatusUnsupportedData uint16 = 1003
)

// MaxPayload bounds a single inbound frame. Anything larger is treated as a
// protocol error rather than an allocation request.
const MaxPayload = 1 << 31

var (
	ErrPayloadTooLarge = errors.New("wire: frame payload exceeds maximum size")
	ErrFragmented      = errors.New("wire: fragmented frames are not supported")
	ErrControlTooLarge = errors.New("wire: control frame payload exceeds 125 bytes")
)

// Frame is a decoded inbound message. Payload is owned by the caller and
// consumed exactly once by dispatch.
type Frame struct {
	Fin     bool
	Opcode  byte
	Payload []byte
}

// ReadFrame reads exactly one frame from r.
//
// Layout per RFC 6455 §5.2: two header bytes carry FIN, opcode, MASK and a
// 7-bit length; lengths 126 and 127 extend to 16 and 64 big-endian bits.
// Masked payloads are unmasked in place with p[i] ^= key[i%4]. A short read
// anywhere fails the frame.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, fmt.Errorf("wire: read frame header: %w", err)
	}

	f := Frame{
		Fin:    hdr[0]&0x80 != 0,
		Opcode: hdr[0] & 0x0F,
	}
	masked := hdr[1]&0x80 != 0
	length := uint64(hdr[1] & 0x7F)

	switch length {
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return Frame{}, fmt.Errorf("wire: read extended length: %w", err)
		}
		length = uint64(binary.BigEndian.Uint16(ext[:]))
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return Frame{}, fmt.Errorf("wire: read extended length: %w", err)
		}
		length = binary.BigEndian.Uint64(ext[:])
	}

	if length > MaxPayload {
		return Frame{}, ErrPayloadTooLarge
	}
	if !f.Fin || f.Opcode == OpContinuation {
		return Frame{}, ErrFragmented
	}

	var key [4]byte
	if masked {
		if _, err := io.ReadFull(r, key[:]); err != nil {
			return Frame{}, fmt.Errorf("wire: read mask key: %w", err)
		}
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, fmt.Errorf("wire: read payload: %w", err)
	}
	if masked {
		for i := range payload {
			payload[i] ^= key[i&3]
		}
	}

	f.Payload = payload
	return f, nil
}

// appendHeader writes FIN=1, the opcode and the 7/16/64-bit length encoding
// for an unmasked server frame.
func appendHeader(dst []byte, opcode byte, n int) []byte {
	b0 := byte(0x80) | (opcode & 0x0F)
	switch {
	case n <= 125:
		dst = append(dst, b0, byte(n))
	case n <= 0xFFFF:
		dst = append(dst, b0, 126, 0, 0)
		binary.BigEndian.PutUint16(dst[len(dst)-2:], uint16(n))
	default:
		dst = append(dst, b0, 127, 0, 0, 0, 0, 0, 0, 0, 0)
		binary.BigEndian.PutUint64(dst[len(dst)-8:], uint64(n))
	}
	return dst
}

// BuildTextFrame renders payload as a single unmasked text frame. The
// returned buffer is safe to hand to any number of writers; broadcast
// renders once and reuses it across recipients.
func BuildTextFrame(payload []byte) []byte {
	buf := make([]byte, 0, len(payload)+10)
	buf = appendHeader(buf, OpText, len(payload))
	return append(buf, payload...)
}

// BuildControlFrame renders a close/ping/pong frame. Control payloads are
// capped at 125 bytes and always single-frame.
func BuildControlFrame(opcode byte, payload []byte) ([]byte, error) {
	if len(payload) > 125 {
		return nil, ErrControlTooLarge
	}
	buf := make([]byte, 0, len(payload)+2)
	buf = appendHeader(buf, opcode, len(payload))
	return append(buf, payload...), nil
}

// BuildCloseFrame renders a close frame carrying a big-endian status code
// and an optional reason, truncated to fit the control frame limit.
func BuildCloseFrame(status uint16, reason string) []byte {
	if len(reason) > 123 {
		reason = reason[:123]
	}
	body := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(body, status)
	copy(body[2:], reason)
	frame, _ := BuildControlFrame(OpClose, body)
	return frame
}
