package protocol

import "github.com/sigurn/crc8"

// crcTable is the Dallas/Maxim table from application note 27.
var crcTable = crc8.MakeTable(crc8.CRC8_MAXIM)

// CRC8 computes the 8-bit checksum used for frames and data blocks.
func CRC8(data []byte) byte {
	return crc8.Checksum(data, crcTable)
}
