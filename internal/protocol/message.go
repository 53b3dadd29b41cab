package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortMessage is returned for payloads shorter than the message header.
var ErrShortMessage = errors.New("protocol: message shorter than header")

// Command is a START or STOP instruction for the gateway mote.
//
// Wire layout (7 bytes):
//
//	Code     [1 byte]
//	Reserved [2 bytes] - zero
//	Tag      [1 byte]  - MAC protocol
//	Nodes    [1 byte]  - nodes taking part
//	Duration [2 bytes] - milliseconds, big-endian
type Command struct {
	Code     byte
	Tag      byte
	Nodes    uint8
	Duration uint16
}

// Encode serializes the command.
func (c Command) Encode() []byte {
	buf := make([]byte, CommandLen)
	buf[0] = c.Code
	buf[3] = c.Tag
	buf[4] = c.Nodes
	binary.BigEndian.PutUint16(buf[5:7], c.Duration)
	return buf
}

// StartCommand builds the START payload.
func StartCommand(tag byte, nodes uint8, durationMs uint16) []byte {
	return Command{Code: CmdStart, Tag: tag, Nodes: nodes, Duration: durationMs}.Encode()
}

// StopCommand builds the STOP payload.
func StopCommand(tag byte, nodes uint8, durationMs uint16) []byte {
	return Command{Code: CmdStop, Tag: tag, Nodes: nodes, Duration: durationMs}.Encode()
}

// ParseCommand decodes a START or STOP payload.
func ParseCommand(b []byte) (Command, error) {
	if len(b) < CommandLen {
		return Command{}, fmt.Errorf("%w: command is %d bytes, want %d", ErrShortMessage, len(b), CommandLen)
	}
	return Command{
		Code:     b[0],
		Tag:      b[3],
		Nodes:    b[4],
		Duration: binary.BigEndian.Uint16(b[5:7]),
	}, nil
}

// Message is an inbound payload from a mote.
type Message struct {
	Command byte
	Address byte
	Payload []byte
}

// ParseMessage splits an inbound payload into command, address and the
// bytes after the reserved header byte. Payload aliases b.
func ParseMessage(b []byte) (Message, error) {
	if len(b) < HeaderLen {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrShortMessage, len(b))
	}
	return Message{
		Command: b[0],
		Address: b[1],
		Payload: b[HeaderLen:],
	}, nil
}

// Tag returns the MAC tag leading a data payload.
func (m Message) Tag() (byte, bool) {
	if len(m.Payload) == 0 {
		return 0, false
	}
	return m.Payload[0], true
}

// Record returns the data record following the MAC tag.
func (m Message) Record() []byte {
	if len(m.Payload) == 0 {
		return nil
	}
	return m.Payload[1:]
}

// DataMessage builds an inbound data payload as a mote would send it.
func DataMessage(address, tag byte, record []byte) []byte {
	buf := make([]byte, 0, HeaderLen+1+len(record))
	buf = append(buf, CmdData, address, 0x00, tag)
	return append(buf, record...)
}

// ResetMessage builds the end-of-experiment payload.
func ResetMessage(address byte) []byte {
	return []byte{CmdReset, address, 0x00}
}
