package protocol

import "github.com/sigurn/crc8"

// crc7Table computes CRC-7/MMC shifted into the upper seven bits of a byte.
var crc7Table = crc8.MakeTable(crc8.Params{
	Poly:   0x12,
	Init:   0x00,
	RefIn:  false,
	RefOut: false,
	XorOut: 0x00,
	Check:  0xEA,
	Name:   "CRC-7/MMC<<1",
})

// CRC7 returns the 7-bit SD command/response CRC of data.
func CRC7(data []byte) uint8 {
	return crc8.Checksum(data, crc7Table) >> 1
}

// CRC7Byte returns the CRC7 in its on-wire form with the end bit set.
func CRC7Byte(data []byte) uint8 {
	return CRC7(data)<<1 | 0x01
}

// CRC16 calculates the CCITT checksum used by bridge frames
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		b = b ^ uint8(crc&0xFF)
		b = b ^ (b << 4)
		b16 := uint16(b)
		crc = (b16<<8 | crc>>8) ^ (b16 >> 4) ^ (b16 << 3)
	}
	return crc
}
