package emmc

import (
	"encoding/binary"
	"strings"
)

// field extracts bits [msb:lsb] of a 128-bit register whose word 0 holds
// bits [127:96].
func field(reg [4]uint32, msb, lsb int) uint32 {
	var v uint32
	for i := msb; i >= lsb; i-- {
		v = v<<1 | reg[3-i/32]>>(i%32)&1
	}
	return v
}

// CID is the decoded card identification register.
type CID struct {
	ManufacturerID   uint8
	DeviceType       uint8 // 0 removable, 1 BGA, 2 POP
	OEMID            uint8
	ProductName      string
	ProductRevision  uint8 // BCD major.minor
	SerialNumber     uint32
	ManufactureMonth uint8
	ManufactureYear  int
}

// DecodeCID decodes a raw CID. The year base depends on the EXT_CSD
// revision the card reports.
func DecodeCID(raw [4]uint32, extRev uint8) CID {
	var name strings.Builder
	for msb := 103; msb > 55; msb -= 8 {
		if c := byte(field(raw, msb, msb-7)); c != 0 {
			name.WriteByte(c)
		}
	}

	year := int(field(raw, 11, 8))
	if extRev > 4 && year <= 12 {
		year += 2013
	} else {
		year += 1997
	}

	return CID{
		ManufacturerID:   uint8(field(raw, 127, 120)),
		DeviceType:       uint8(field(raw, 113, 112)),
		OEMID:            uint8(field(raw, 111, 104)),
		ProductName:      strings.TrimSpace(name.String()),
		ProductRevision:  uint8(field(raw, 55, 48)),
		SerialNumber:     field(raw, 47, 16),
		ManufactureMonth: uint8(field(raw, 15, 12)),
		ManufactureYear:  year,
	}
}

// CSD is the decoded card-specific data register.
type CSD struct {
	Structure        uint8
	SpecVersion      uint8
	TAAC             uint8
	NSAC             uint8
	TranSpeed        uint8
	CommandClasses   uint16
	ReadBlockLength  uint8 // log2 bytes
	DeviceSize       uint16
	DeviceSizeMult   uint8
	WriteBlockLength uint8 // log2 bytes
	PermWriteProtect bool
	TempWriteProtect bool
}

// DecodeCSD decodes a raw CSD.
func DecodeCSD(raw [4]uint32) CSD {
	return CSD{
		Structure:        uint8(field(raw, 127, 126)),
		SpecVersion:      uint8(field(raw, 125, 122)),
		TAAC:             uint8(field(raw, 119, 112)),
		NSAC:             uint8(field(raw, 111, 104)),
		TranSpeed:        uint8(field(raw, 103, 96)),
		CommandClasses:   uint16(field(raw, 95, 84)),
		ReadBlockLength:  uint8(field(raw, 83, 80)),
		DeviceSize:       uint16(field(raw, 73, 62)),
		DeviceSizeMult:   uint8(field(raw, 49, 47)),
		WriteBlockLength: uint8(field(raw, 25, 22)),
		PermWriteProtect: field(raw, 13, 13) != 0,
		TempWriteProtect: field(raw, 12, 12) != 0,
	}
}

// Blocks returns the capacity in 512-byte blocks described by C_SIZE.
// It is only valid for byte-addressed cards of at most 2 GiB.
func (c CSD) Blocks() uint64 {
	if c.DeviceSize == 0xFFF {
		return 0
	}
	bytes := uint64(c.DeviceSize+1) << (c.DeviceSizeMult + 2) << c.ReadBlockLength
	return bytes / BlockSize
}

// ExtCSD is the 512-byte extended card-specific data register.
type ExtCSD [BlockSize]byte

// SectorCount returns SEC_COUNT, the capacity of a sector-addressed card.
func (e *ExtCSD) SectorCount() uint32 {
	return binary.LittleEndian.Uint32(e[extCSDSecCount:])
}

// DeviceType returns the DEVICE_TYPE timing support bits.
func (e *ExtCSD) DeviceType() uint8 {
	return e[extCSDDeviceType]
}

// Revision returns EXT_CSD_REV.
func (e *ExtCSD) Revision() uint8 {
	return e[extCSDRev]
}

// HSTiming returns HS_TIMING.
func (e *ExtCSD) HSTiming() uint8 {
	return e[extCSDHSTiming]
}

// BusWidth returns the BUS_WIDTH byte last written by SWITCH.
func (e *ExtCSD) BusWidth() uint8 {
	return e[extCSDBusWidth]
}

// HighSpeedSupported reports 52 MHz high-speed timing support.
func (e *ExtCSD) HighSpeedSupported() bool {
	return e.DeviceType()&deviceTypeHS52 != 0
}

// DDRSupported reports 52 MHz dual data rate support at any I/O voltage.
func (e *ExtCSD) DDRSupported() bool {
	return e.DeviceType()&(deviceTypeDDR52|deviceTypeDDR52LV) != 0
}

// EraseGroupSize returns the erase unit in 512-byte blocks when
// high-capacity erase groups are enabled, 0 otherwise.
func (e *ExtCSD) EraseGroupSize() uint32 {
	if e[extCSDEraseGroupDef]&1 == 0 {
		return 0
	}
	return uint32(e[extCSDHCEraseGrpSize]) * 1024
}
