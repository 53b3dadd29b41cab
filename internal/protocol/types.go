// Package protocol defines the command and message layout exchanged with
// the gateway mote inside HDLC frames.
package protocol

// Command codes. The first payload byte of every message is one of these.
const (
	CmdStart byte = 'A' // gateway: start an experiment
	CmdStop  byte = 'O' // gateway: stop the running experiment
	CmdData  byte = 'D' // mote: one data record
	CmdReset byte = 'R' // mote: experiment finished
)

// MAC protocol tags carried in commands and data records.
const (
	TagNone byte = 0x00
	TagFSA  byte = 0x01
	TagDQ   byte = 0x02
)

// HeaderLen is the command, address and reserved prefix of every message.
const HeaderLen = 3

// CommandLen is the full length of a START or STOP command.
const CommandLen = 7

// MaxDuration is the largest experiment duration the command can carry.
const MaxDuration = 0xFFFF

// CommandName returns a readable name for a command code.
func CommandName(cmd byte) string {
	switch cmd {
	case CmdStart:
		return "START"
	case CmdStop:
		return "STOP"
	case CmdData:
		return "DATA"
	case CmdReset:
		return "RESET"
	default:
		return "UNKNOWN"
	}
}

// TagName returns a readable name for a MAC tag.
func TagName(tag byte) string {
	switch tag {
	case TagNone:
		return "NONE"
	case TagFSA:
		return "FSA"
	case TagDQ:
		return "DQ"
	default:
		return "UNKNOWN"
	}
}
