// Package websocket implements the RFC 6455 server side directly on raw TCP
// sockets: the upgrade handshake, frame codec, fragmentation reassembly,
// control frames, keep-alive and a two-loop connection model with
// prioritized outbound queues.
package websocket

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Opcode represents WebSocket frame opcodes per RFC 6455.
type Opcode uint8

const (
	OpcodeContinuation Opcode = 0x0
	OpcodeText         Opcode = 0x1
	OpcodeBinary       Opcode = 0x2
	OpcodeClose        Opcode = 0x8
	OpcodePing         Opcode = 0x9
	OpcodePong         Opcode = 0xA
)

// IsValid checks if the opcode is a defined WebSocket opcode.
func (o Opcode) IsValid() bool {
	switch o {
	case OpcodeContinuation, OpcodeText, OpcodeBinary,
		OpcodeClose, OpcodePing, OpcodePong:
		return true
	default:
		return false
	}
}

// IsControl checks if the opcode is a control frame opcode.
func (o Opcode) IsControl() bool {
	return o == OpcodeClose || o == OpcodePing || o == OpcodePong
}

// String returns the string representation of the opcode.
func (o Opcode) String() string {
	switch o {
	case OpcodeContinuation:
		return "CONTINUATION"
	case OpcodeText:
		return "TEXT"
	case OpcodeBinary:
		return "BINARY"
	case OpcodeClose:
		return "CLOSE"
	case OpcodePing:
		return "PING"
	case OpcodePong:
		return "PONG"
	default:
		return fmt.Sprintf("UNKNOWN(0x%x)", uint8(o))
	}
}

// Frame is a single WebSocket frame.
type Frame struct {
	Fin     bool
	Rsv     uint8 // RSV1..RSV3 as the 3 low bits
	Opcode  Opcode
	Masked  bool
	Mask    [4]byte
	Payload []byte
}

// Frame size limits.
const (
	// MaxControlPayloadSize is the RFC 6455 limit for control frames.
	MaxControlPayloadSize = 125
	// MaxFramePayloadSize is the largest payload a 16-bit extended length
	// can carry. 64-bit lengths are not supported.
	MaxFramePayloadSize = 65535
	// MaxHeaderSize is the largest header this package reads or writes.
	MaxHeaderSize = 2 + 2 + 4
)

var (
	ErrInvalidOpcode       = errors.New("invalid opcode")
	ErrFrameTooLarge       = errors.New("frame too large")
	ErrControlFrameTooLong = errors.New("control frame payload too long")
	ErrFragmentedControl   = errors.New("control frames cannot be fragmented")
	ErrReservedBitsSet     = errors.New("reserved bits set without extension")
	ErrMaskRequired        = errors.New("client frame is not masked")
	ErrUnexpectedMask      = errors.New("server frame is masked")
	ErrUnexpectedContinue  = errors.New("continuation frame without a message")
	ErrInterleavedMessage  = errors.New("new data frame before previous message finished")
	ErrMessageTooBig       = errors.New("message exceeds size limit")
	ErrConnectionClosed    = errors.New("connection closed")
	ErrSendQueueFull       = errors.New("send queue full")
)

// FrameError wraps a frame-level protocol violation.
type FrameError struct {
	Err    error
	Opcode Opcode
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("websocket: %s frame: %v", e.Opcode, e.Err)
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// Validate checks the frame against RFC 6455 rules for this implementation.
func (f *Frame) Validate() error {
	if !f.Opcode.IsValid() {
		return &FrameError{Err: ErrInvalidOpcode, Opcode: f.Opcode}
	}
	if f.Rsv != 0 {
		return &FrameError{Err: ErrReservedBitsSet, Opcode: f.Opcode}
	}
	if f.Opcode.IsControl() {
		if !f.Fin {
			return &FrameError{Err: ErrFragmentedControl, Opcode: f.Opcode}
		}
		if len(f.Payload) > MaxControlPayloadSize {
			return &FrameError{Err: ErrControlFrameTooLong, Opcode: f.Opcode}
		}
	}
	if len(f.Payload) > MaxFramePayloadSize {
		return &FrameError{Err: ErrFrameTooLarge, Opcode: f.Opcode}
	}
	return nil
}

// ReadFrame reads one frame from r. Masked payloads are unmasked in place.
// When requireMask is set, unmasked frames are rejected with ErrMaskRequired;
// otherwise masked frames are rejected with ErrUnexpectedMask.
func ReadFrame(r io.Reader, requireMask bool) (*Frame, error) {
	var header [MaxHeaderSize]byte
	if _, err := io.ReadFull(r, header[:2]); err != nil {
		return nil, err
	}

	f := &Frame{
		Fin:    header[0]&0x80 != 0,
		Rsv:    (header[0] >> 4) & 0x07,
		Opcode: Opcode(header[0] & 0x0F),
		Masked: header[1]&0x80 != 0,
	}

	if requireMask && !f.Masked {
		return nil, &FrameError{Err: ErrMaskRequired, Opcode: f.Opcode}
	}
	if !requireMask && f.Masked {
		return nil, &FrameError{Err: ErrUnexpectedMask, Opcode: f.Opcode}
	}

	length := int(header[1] & 0x7F)
	switch length {
	case 126:
		if _, err := io.ReadFull(r, header[2:4]); err != nil {
			return nil, err
		}
		length = int(binary.BigEndian.Uint16(header[2:4]))
	case 127:
		return nil, &FrameError{Err: ErrFrameTooLarge, Opcode: f.Opcode}
	}

	if f.Masked {
		if _, err := io.ReadFull(r, f.Mask[:]); err != nil {
			return nil, err
		}
	}

	// Validate before reading the payload so a bad header is not followed
	// by a large read.
	f.Payload = make([]byte, length)
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return nil, err
	}
	if f.Masked {
		maskBytes(f.Mask, f.Payload)
	}
	return f, nil
}

// AppendFrame appends the wire form of f to dst. Masked frames are masked
// with f.Mask; the payload of f is not modified.
func AppendFrame(dst []byte, f *Frame) ([]byte, error) {
	n := len(f.Payload)
	if n > MaxFramePayloadSize {
		return dst, &FrameError{Err: ErrFrameTooLarge, Opcode: f.Opcode}
	}

	b0 := byte(f.Opcode) | (f.Rsv&0x07)<<4
	if f.Fin {
		b0 |= 0x80
	}
	var b1 byte
	if f.Masked {
		b1 = 0x80
	}

	if n < 126 {
		dst = append(dst, b0, b1|byte(n))
	} else {
		dst = append(dst, b0, b1|126)
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	}

	if !f.Masked {
		return append(dst, f.Payload...), nil
	}
	dst = append(dst, f.Mask[:]...)
	start := len(dst)
	dst = append(dst, f.Payload...)
	maskBytes(f.Mask, dst[start:])
	return dst, nil
}

// EncodeFrame returns the unmasked server form of a single FIN frame.
func EncodeFrame(opcode Opcode, payload []byte) ([]byte, error) {
	return AppendFrame(make([]byte, 0, len(payload)+4), &Frame{Fin: true, Opcode: opcode, Payload: payload})
}

func maskBytes(key [4]byte, b []byte) {
	for i := range b {
		b[i] ^= key[i&3]
	}
}
