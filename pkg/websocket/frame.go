package websocket

import (
	"encoding/binary"
	"math"
)

// Based on https://datatracker.ietf.org/doc/html/rfc6455#section-5.2.
type frameHeader struct {
	fin           bool
	rsv           [3]bool
	opcode        opcode
	masked        bool
	maskingKey    [4]byte
	payloadLength uint64
}

// parseStatus is the result of attempting to parse a frame header out of a
// byte slice that may not yet contain a complete header.
type parseStatus int

const (
	// parseNeedMore means the input is truncated before the header (and,
	// separately, the caller must also check the payload is fully
	// buffered before treating the frame as complete).
	parseNeedMore parseStatus = iota
	// parseInvalid means the bytes present can never form a valid header:
	// non-zero reserved bits, an unrecognized opcode, or a control frame
	// that is fragmented or declares more than 125 payload bytes.
	parseInvalid
	// parseOK means header fields are populated and headerLen is the
	// number of bytes the header itself occupies (excluding payload).
	parseOK
)

// parseFrameHeader attempts to parse one frame header from the front of
// buf. It never reads past what a complete header needs; the caller is
// responsible for separately verifying that headerLen+payloadLength bytes
// are available before treating the frame as fully received (spec.md §4.1:
// "the caller checks separately that payload_start_offset + payloadLength
// <= input_length; otherwise the frame is NeedMore").
func parseFrameHeader(buf []byte) (h frameHeader, headerLen int, status parseStatus) {
	if len(buf) < 2 {
		return h, 0, parseNeedMore
	}

	b0 := buf[0]
	h.fin = b0&0x80 != 0
	h.rsv[0] = b0&0x40 != 0
	h.rsv[1] = b0&0x20 != 0
	h.rsv[2] = b0&0x10 != 0
	h.opcode = opcode(b0 & 0x0F)
	if h.rsv[0] || h.rsv[1] || h.rsv[2] {
		return h, 0, parseInvalid
	}
	if !h.opcode.isKnown() {
		return h, 0, parseInvalid
	}

	b1 := buf[1]
	h.masked = b1&0x80 != 0
	length := b1 & 0x7F

	if h.opcode.isControl() && (!h.fin || length > 125) {
		return h, 0, parseInvalid
	}

	pos := 2
	switch {
	case length <= 125:
		h.payloadLength = uint64(length)
	case length == 126:
		if len(buf) < pos+2 {
			return h, 0, parseNeedMore
		}
		h.payloadLength = uint64(binary.BigEndian.Uint16(buf[pos : pos+2]))
		pos += 2
	default: // length == 127
		if len(buf) < pos+8 {
			return h, 0, parseNeedMore
		}
		h.payloadLength = binary.BigEndian.Uint64(buf[pos : pos+8])
		pos += 8
	}

	if h.masked {
		if len(buf) < pos+4 {
			return h, 0, parseNeedMore
		}
		copy(h.maskingKey[:], buf[pos:pos+4])
		pos += 4
	}

	return h, pos, parseOK
}

// encodeFrameHeader writes the 2-to-14-byte header for a frame carrying
// payloadLength bytes. When masked is true the 4-byte mask is appended
// after the length field, as required for client-to-server frames.
func encodeFrameHeader(op opcode, fin bool, masked bool, mask [4]byte, payloadLength uint64) []byte {
	header := make([]byte, 2, 14)

	if fin {
		header[0] = 0x80
	}
	header[0] |= byte(op)

	switch {
	case payloadLength <= 125:
		header[1] = byte(payloadLength)
	case payloadLength <= math.MaxUint16:
		header[1] = 126
		ext := make([]byte, 2)
		binary.BigEndian.PutUint16(ext, uint16(payloadLength))
		header = append(header, ext...)
	default:
		header[1] = 127
		ext := make([]byte, 8)
		binary.BigEndian.PutUint64(ext, payloadLength)
		header = append(header, ext...)
	}

	if masked {
		header[1] |= 0x80
		header = append(header, mask[:]...)
	}

	return header
}

// maskBytes XORs src into dst using mask, treating mask as a repeating
// 4-byte keystream starting at index 0. Masking is its own inverse: XORing
// an already-masked payload with the same key and starting offset recovers
// the original bytes.
func maskBytes(dst, src []byte, mask [4]byte) {
	for i := range src {
		dst[i] = src[i] ^ mask[i%4]
	}
}

// encodeFrame builds a complete frame (header + possibly-masked payload)
// for the given opcode and payload. The caller supplies a mask whenever
// masked is true; encodeFrame does not generate one itself so that callers
// can reuse a single freshly-generated mask for both the header and the
// payload XOR.
func encodeFrame(op opcode, fin bool, masked bool, mask [4]byte, payload []byte) []byte {
	out := encodeFrameHeader(op, fin, masked, mask, uint64(len(payload)))
	if len(payload) == 0 {
		return out
	}
	body := make([]byte, len(payload))
	if masked {
		maskBytes(body, payload, mask)
	} else {
		copy(body, payload)
	}
	return append(out, body...)
}
