package websocket

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"math"
	"strconv"
)

var randReader io.Reader = rand.Reader

// Opcode identifies the frame type, RFC 6455 section 11.8.
type Opcode byte

// Opcodes defined in RFC 6455, section 5.2.
const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xa
)

// IsControl reports whether o is a close, ping or pong opcode.
func (o Opcode) IsControl() bool { return o&0x8 != 0 }

func (o Opcode) valid() bool {
	switch o {
	case OpContinuation, OpText, OpBinary, OpClose, OpPing, OpPong:
		return true
	}
	return false
}

func (o Opcode) String() string {
	switch o {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return "opcode(" + strconv.Itoa(int(o)) + ")"
	}
}

// Close codes defined in RFC 6455, section 7.4.1.
const (
	CloseNormalClosure           = 1000
	CloseGoingAway               = 1001
	CloseProtocolError           = 1002
	CloseUnsupportedData         = 1003
	CloseNoStatusReceived        = 1005
	CloseAbnormalClosure         = 1006
	CloseInvalidFramePayloadData = 1007
	ClosePolicyViolation         = 1008
	CloseMessageTooBig           = 1009
	CloseMandatoryExtension      = 1010
	CloseInternalServerErr       = 1011
	CloseServiceRestart          = 1012
	CloseTryAgainLater           = 1013
	CloseTLSHandshake            = 1015
)

// Frame header constants per RFC 6455, section 5.2.
const (
	maxFrameHeaderSize         = 14  // 2 bytes base + 8 bytes extended length + 4 bytes mask
	maxControlFramePayloadSize = 125 // RFC 6455, section 5.5
	maxCloseReasonSize         = maxControlFramePayloadSize - 2

	finalBit = 1 << 7
	rsv1Bit  = 1 << 6
	rsv2Bit  = 1 << 5
	rsv3Bit  = 1 << 4
	maskBit  = 1 << 7

	opcodeMask     = 0x0f
	payloadLenMask = 0x7f
	payloadLen16   = 126
	payloadLen64   = 127
)

// Role selects which side of the connection a FrameCodec speaks for.
type Role uint8

const (
	// RoleClient masks outgoing frames and rejects masked incoming frames.
	RoleClient Role = iota
	// RoleServer sends unmasked frames and requires incoming frames to be masked.
	RoleServer
)

// Frame is a single WebSocket protocol unit.
type Frame struct {
	Final   bool
	Opcode  Opcode
	Masked  bool
	MaskKey [4]byte
	Payload []byte
}

// FrameCodec encodes and decodes frames for one side of a connection.
type FrameCodec struct {
	role       Role
	maxPayload int64
}

// NewFrameCodec returns a codec for role. Decode rejects frames whose declared
// payload length exceeds maxPayload; zero means unlimited.
func NewFrameCodec(role Role, maxPayload int64) *FrameCodec {
	return &FrameCodec{role: role, maxPayload: maxPayload}
}

// Encode returns the wire form of a single frame. Client codecs mask the
// payload with a fresh random key; the caller's payload is not modified.
func (c *FrameCodec) Encode(op Opcode, payload []byte, final bool) []byte {
	return c.AppendFrame(make([]byte, 0, maxFrameHeaderSize+len(payload)), op, payload, final)
}

// AppendFrame appends the wire form of a frame to dst.
func (c *FrameCodec) AppendFrame(dst []byte, op Opcode, payload []byte, final bool) []byte {
	b0 := byte(op) & opcodeMask
	if final {
		b0 |= finalBit
	}

	var b1 byte
	if c.role == RoleClient {
		b1 = maskBit
	}

	n := len(payload)
	switch {
	case n < payloadLen16:
		dst = append(dst, b0, b1|byte(n))
	case n <= math.MaxUint16:
		dst = append(dst, b0, b1|payloadLen16)
		dst = binary.BigEndian.AppendUint16(dst, uint16(n))
	default:
		dst = append(dst, b0, b1|payloadLen64)
		dst = binary.BigEndian.AppendUint64(dst, uint64(n))
	}

	if c.role != RoleClient {
		return append(dst, payload...)
	}

	var key [4]byte
	_, _ = io.ReadFull(randReader, key[:])
	dst = append(dst, key[:]...)
	start := len(dst)
	dst = append(dst, payload...)
	maskBytes(key[:], 0, dst[start:])
	return dst
}

// Decode parses one frame from the start of buf. It returns the frame and the
// number of bytes consumed. When buf holds only part of a frame, Decode
// returns n == 0 and a nil error; the caller keeps the bytes and retries once
// more data has arrived.
func (c *FrameCodec) Decode(buf []byte) (f Frame, n int, err error) {
	if len(buf) < 2 {
		return Frame{}, 0, nil
	}

	b0, b1 := buf[0], buf[1]
	if b0&(rsv1Bit|rsv2Bit|rsv3Bit) != 0 {
		return Frame{}, 0, ErrReservedBits
	}

	f.Final = b0&finalBit != 0
	f.Opcode = Opcode(b0 & opcodeMask)
	f.Masked = b1&maskBit != 0

	if !f.Opcode.valid() {
		return Frame{}, 0, ErrInvalidOpcode
	}

	switch {
	case c.role == RoleClient && f.Masked:
		return Frame{}, 0, ErrMaskedFrame
	case c.role == RoleServer && !f.Masked:
		return Frame{}, 0, ErrUnmaskedFrame
	}

	length := uint64(b1 & payloadLenMask)
	if f.Opcode.IsControl() {
		if !f.Final {
			return Frame{}, 0, ErrFragmentedControlFrame
		}
		if length > maxControlFramePayloadSize {
			return Frame{}, 0, ErrControlFramePayloadTooBig
		}
	}

	pos := 2
	switch length {
	case payloadLen16:
		if len(buf) < pos+2 {
			return Frame{}, 0, nil
		}
		length = uint64(binary.BigEndian.Uint16(buf[pos:]))
		pos += 2
		if length < payloadLen16 {
			return Frame{}, 0, ErrNonMinimalLength
		}
	case payloadLen64:
		if len(buf) < pos+8 {
			return Frame{}, 0, nil
		}
		length = binary.BigEndian.Uint64(buf[pos:])
		pos += 8
		if length>>63 != 0 {
			return Frame{}, 0, ErrInvalidLength
		}
		if length <= math.MaxUint16 {
			return Frame{}, 0, ErrNonMinimalLength
		}
	}

	if c.maxPayload > 0 && length > uint64(c.maxPayload) {
		return Frame{}, 0, ErrMessageTooBig
	}

	if f.Masked {
		if len(buf) < pos+4 {
			return Frame{}, 0, nil
		}
		copy(f.MaskKey[:], buf[pos:pos+4])
		pos += 4
	}

	if uint64(len(buf)-pos) < length {
		return Frame{}, 0, nil
	}

	end := pos + int(length)
	f.Payload = make([]byte, length)
	copy(f.Payload, buf[pos:end])
	if f.Masked {
		maskBytes(f.MaskKey[:], 0, f.Payload)
	}

	return f, end, nil
}

// Decoder turns a byte stream into frames. Bytes that do not yet form a
// complete frame are kept until the next Write.
type Decoder struct {
	codec *FrameCodec
	buf   []byte
	off   int
}

// NewDecoder returns a Decoder backed by codec.
func NewDecoder(codec *FrameCodec) *Decoder {
	return &Decoder{codec: codec}
}

// Write buffers p. It never fails.
func (d *Decoder) Write(p []byte) (int, error) {
	if d.off > 0 {
		d.buf = append(d.buf[:0], d.buf[d.off:]...)
		d.off = 0
	}
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Next returns the next complete frame. ok is false when more data is needed.
func (d *Decoder) Next() (f Frame, ok bool, err error) {
	f, n, err := d.codec.Decode(d.buf[d.off:])
	if err != nil || n == 0 {
		return Frame{}, false, err
	}
	d.off += n
	return f, true, nil
}

// Buffered returns the number of bytes waiting for a complete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.off
}

// maskBytes applies XOR masking to data per RFC 6455, section 5.3.
// The mask is a 4-byte value, applied cyclically to each byte of the payload.
func maskBytes(mask []byte, pos int, data []byte) int {
	for i := range data {
		data[i] ^= mask[(pos+i)%4]
	}
	return (pos + len(data)) % 4
}
