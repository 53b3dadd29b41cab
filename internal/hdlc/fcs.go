package hdlc

import "github.com/sigurn/crc16"

// CRC-16/X-25: reflected CCITT polynomial, as computed by the firmware.
var fcsTable = crc16.MakeTable(crc16.CRC16_X_25)

// Checksum returns the frame check sequence of data.
func Checksum(data []byte) uint16 {
	return crc16.Checksum(data, fcsTable)
}
