package link

import (
	"github.com/postalsys/opendq/internal/hdlc"
)

// MaxFrameLen bounds the bytes buffered for a single frame. A longer run
// without a closing flag is handed back as-is and fails decoding.
const MaxFrameLen = 1024

// AcquireState is the frame acquisition state.
type AcquireState int

const (
	AcquireIdle AcquireState = iota
	AcquireReceiving
)

// String returns the string representation of the state.
func (s AcquireState) String() string {
	switch s {
	case AcquireIdle:
		return "IDLE"
	case AcquireReceiving:
		return "RECEIVING"
	default:
		return "UNKNOWN"
	}
}

// Acquirer slices a byte stream into candidate frames.
//
// A frame starts when the previous byte was a flag and the current one is
// not; the flag is kept as the first byte. It ends at the next flag, which
// is appended and also counts as the previous byte, so two frames sharing a
// delimiter are both recovered.
type Acquirer struct {
	state    AcquireState
	last     byte
	haveLast bool
	buf      []byte
}

// Feed consumes one byte. When it completes a frame, the whole frame
// including both flags is returned with ok set.
func (a *Acquirer) Feed(b byte) (frame []byte, ok bool) {
	switch a.state {
	case AcquireIdle:
		if a.haveLast && a.last == hdlc.Flag && b != hdlc.Flag {
			a.state = AcquireReceiving
			a.buf = append(make([]byte, 0, 64), hdlc.Flag, b)
		}
	case AcquireReceiving:
		a.buf = append(a.buf, b)
		if b == hdlc.Flag || len(a.buf) >= MaxFrameLen {
			frame = a.buf
			a.buf = nil
			a.state = AcquireIdle
			ok = true
		}
	}

	a.last = b
	a.haveLast = true
	return frame, ok
}

// State returns the current acquisition state.
func (a *Acquirer) State() AcquireState {
	return a.state
}

// Receiving reports whether a frame is partially buffered.
func (a *Acquirer) Receiving() bool {
	return a.state == AcquireReceiving
}

// Reset discards any partial frame.
func (a *Acquirer) Reset() {
	a.state = AcquireIdle
	a.buf = nil
	a.last = 0
	a.haveLast = false
}
