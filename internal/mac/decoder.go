package mac

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Record lengths on the wire, after the MAC tag.
const (
	FSARecordLen         = 5
	FSAExtendedRecordLen = 6
	DQRecordLen          = 30
)

// ErrPayloadLength is returned when a record does not have the layout's size.
var ErrPayloadLength = errors.New("mac: payload length mismatch")

// Decoder turns a raw record into a typed Record.
type Decoder interface {
	Variant() Variant
	Decode(ts time.Time, payload []byte) (Record, error)
}

// NewDecoder returns the decoder for variant. A nil rssi selects
// TwosComplement.
func NewDecoder(variant Variant, rssi RSSITransform) (Decoder, error) {
	switch variant {
	case VariantFSA:
		return NewFSADecoder(rssi), nil
	case VariantDQ:
		return NewDQDecoder(rssi), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownVariant, variant)
	}
}

// FSADecoder decodes FSA records.
//
// Layout (little-endian):
//
//	Slot     [1 byte]
//	State    [1 byte]
//	Address  [2 bytes]
//	RSSI     [1 byte]
//	TxTotal  [1 byte] - optional
type FSADecoder struct {
	rssi RSSITransform
}

// NewFSADecoder creates an FSA decoder.
func NewFSADecoder(rssi RSSITransform) *FSADecoder {
	if rssi == nil {
		rssi = TwosComplement()
	}
	return &FSADecoder{rssi: rssi}
}

func (d *FSADecoder) Variant() Variant { return VariantFSA }

func (d *FSADecoder) Decode(ts time.Time, p []byte) (Record, error) {
	if len(p) != FSARecordLen && len(p) != FSAExtendedRecordLen {
		return nil, fmt.Errorf("%w: FSA record is %d bytes, want %d or %d",
			ErrPayloadLength, len(p), FSARecordLen, FSAExtendedRecordLen)
	}

	rec := &FSARecord{
		Time:        ts,
		Slot:        p[0],
		DataState:   ParseDataState(p[1]),
		DataAddress: binary.LittleEndian.Uint16(p[2:4]),
		DataRSSI:    d.rssi(p[4]),
	}
	if len(p) == FSAExtendedRecordLen {
		rec.TxTotal = p[5]
		rec.HasTxTotal = true
	}
	return rec, nil
}

// DQDecoder decodes DQ records.
//
// Layout (little-endian, 30 bytes):
//
//	ARP states 1-3   [3 x 1 byte]
//	Data state       [1 byte]
//	ARP RSSI 1-3     [3 x 1 byte]
//	ARP total        [1 byte]
//	CRQ/DTQ wait     [2 x 1 byte]  - not reported
//	ARP randoms 1-3  [3 x 2 bytes]
//	Data address     [2 bytes]
//	CRQ local/global [2 x 2 bytes]
//	PCRQ local       [2 bytes]     - not reported
//	DTQ local/global [2 x 2 bytes]
//	PDTQ local       [2 bytes]     - not reported
type DQDecoder struct {
	rssi RSSITransform
}

// NewDQDecoder creates a DQ decoder.
func NewDQDecoder(rssi RSSITransform) *DQDecoder {
	if rssi == nil {
		rssi = TwosComplement()
	}
	return &DQDecoder{rssi: rssi}
}

func (d *DQDecoder) Variant() Variant { return VariantDQ }

func (d *DQDecoder) Decode(ts time.Time, p []byte) (Record, error) {
	if len(p) != DQRecordLen {
		return nil, fmt.Errorf("%w: DQ record is %d bytes, want %d", ErrPayloadLength, len(p), DQRecordLen)
	}

	u16 := func(off int) uint16 { return binary.LittleEndian.Uint16(p[off : off+2]) }

	rec := &DQRecord{
		Time:        ts,
		DataState:   ParseDataState(p[3]),
		DataARP:     p[7],
		DataAddress: u16(16),
		CRQ:         u16(20),
		DTQ:         u16(26),
	}
	for i := range rec.ARP {
		rec.ARP[i] = ARPSlot{
			State:  ParseARPState(p[i]),
			RSSI:   d.rssi(p[4+i]),
			Random: u16(10 + 2*i),
		}
	}
	return rec, nil
}
