package mac

import (
	"fmt"
	"strings"
)

// RSSITransform converts the raw RSSI byte reported by the radio to dBm.
type RSSITransform func(raw byte) int

// RSSI transform names accepted by ParseRSSITransform.
const (
	RSSITwosComplement = "twos_complement"
	RSSIOffset         = "offset"
)

// TwosComplement reads the byte as a signed 8-bit value.
func TwosComplement() RSSITransform {
	return func(raw byte) int { return int(int8(raw)) }
}

// Offset subtracts a fixed offset from the unsigned byte, as radios that
// report RSSI relative to a floor expect.
func Offset(offset int) RSSITransform {
	return func(raw byte) int { return int(raw) - offset }
}

// ParseRSSITransform builds a transform from its configuration name.
// An empty mode selects TwosComplement.
func ParseRSSITransform(mode string, offset int) (RSSITransform, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", RSSITwosComplement:
		return TwosComplement(), nil
	case RSSIOffset:
		return Offset(offset), nil
	default:
		return nil, fmt.Errorf("mac: unknown rssi mode %q", mode)
	}
}
