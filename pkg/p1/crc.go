package p1

import (
	"github.com/sigurn/crc16"
)

// CRC16_ARC is the checksum used by DSMR 4+ and eMUCS meters.
var crcTable = crc16.MakeTable(crc16.CRC16_ARC)

// Checksum computes the telegram checksum over data.
func Checksum(data []byte) uint16 {
	return crc16.Checksum(data, crcTable)
}

// FrameChecksum computes the checksum the meter sends for payload, which
// covers the payload followed by the trailer character.
func FrameChecksum(payload string, trailer byte) uint16 {
	crc := crc16.Init(crcTable)
	crc = crc16.Update(crc, []byte(payload), crcTable)
	crc = crc16.Update(crc, []byte{trailer}, crcTable)
	return crc16.Complete(crc, crcTable)
}

// Validator checks frame checksums. With Required unset every frame passes,
// for meters that do not send a usable checksum.
type Validator struct {
	Required bool
	Trailer  byte
}

func (v Validator) Validate(payload string, expected uint16) bool {
	if !v.Required {
		return true
	}
	return FrameChecksum(payload, v.Trailer) == expected
}

// ValidateCandidate also rejects tokens that are not hex.
func (v Validator) ValidateCandidate(c Candidate) bool {
	if !v.Required {
		return true
	}
	return c.TokenValid && v.Validate(c.Payload, c.ExpectedCRC)
}
