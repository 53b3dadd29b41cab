// Package hdlc implements the byte-stuffed framing used on mote serial links.
//
// A frame is a flag byte, the payload with every flag and escape byte
// replaced by the escape byte followed by the original XOR the mask, and a
// closing flag byte.
package hdlc

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Framing constants shared with the mote firmware.
const (
	Flag       byte = 0x7E
	Escape     byte = 0x7D
	EscapeMask byte = 0x20
)

// FCSLen is the length of the frame check sequence appended by Codec.
const FCSLen = 2

var (
	// ErrFraming is returned for any frame that cannot be unstuffed.
	ErrFraming = errors.New("hdlc: framing error")

	// ErrChecksum is returned when the frame check sequence does not match.
	// It wraps ErrFraming.
	ErrChecksum = fmt.Errorf("%w: frame check sequence mismatch", ErrFraming)
)

// Encode wraps payload in flags, escaping flag and escape bytes.
func Encode(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+len(payload)/8+2)
	out = append(out, Flag)
	for _, b := range payload {
		if b == Flag || b == Escape {
			out = append(out, Escape, b^EscapeMask)
			continue
		}
		out = append(out, b)
	}
	return append(out, Flag)
}

// Decode reverses Encode. The frame must start and end with a flag; an
// unescaped flag inside the frame or an escape byte with nothing after it
// is rejected. No partial payload is returned on error.
func Decode(frame []byte) ([]byte, error) {
	if len(frame) < 2 {
		return nil, fmt.Errorf("%w: frame too short (%d bytes)", ErrFraming, len(frame))
	}
	if frame[0] != Flag {
		return nil, fmt.Errorf("%w: missing opening flag", ErrFraming)
	}
	if frame[len(frame)-1] != Flag {
		return nil, fmt.Errorf("%w: missing closing flag", ErrFraming)
	}

	body := frame[1 : len(frame)-1]
	out := make([]byte, 0, len(body))
	for i := 0; i < len(body); i++ {
		b := body[i]
		switch b {
		case Flag:
			return nil, fmt.Errorf("%w: unescaped flag at offset %d", ErrFraming, i+1)
		case Escape:
			if i+1 >= len(body) {
				return nil, fmt.Errorf("%w: dangling escape at offset %d", ErrFraming, i+1)
			}
			next := body[i+1]
			if next == Flag {
				return nil, fmt.Errorf("%w: unescaped flag at offset %d", ErrFraming, i+2)
			}
			out = append(out, next^EscapeMask)
			i++
		default:
			out = append(out, b)
		}
	}
	return out, nil
}

// Codec frames payloads, optionally protected by a CRC-16 frame check
// sequence sent high byte first before the closing flag.
type Codec struct {
	FCS bool
}

// Encode frames payload, appending the check sequence when enabled.
func (c Codec) Encode(payload []byte) []byte {
	if !c.FCS {
		return Encode(payload)
	}
	buf := make([]byte, len(payload), len(payload)+FCSLen)
	copy(buf, payload)
	buf = binary.BigEndian.AppendUint16(buf, Checksum(payload))
	return Encode(buf)
}

// Decode unframes frame and, when enabled, verifies and strips the check
// sequence.
func (c Codec) Decode(frame []byte) ([]byte, error) {
	payload, err := Decode(frame)
	if err != nil || !c.FCS {
		return payload, err
	}
	if len(payload) < FCSLen {
		return nil, fmt.Errorf("%w: %d bytes cannot hold a check sequence", ErrFraming, len(payload))
	}

	body := payload[:len(payload)-FCSLen]
	got := binary.BigEndian.Uint16(payload[len(payload)-FCSLen:])
	if want := Checksum(body); got != want {
		return nil, fmt.Errorf("%w: got 0x%04X, want 0x%04X", ErrChecksum, got, want)
	}
	return body, nil
}
