package msc

import "encoding/binary"

var le = binary.LittleEndian

// CommandBlockWrapper is the 31-byte command packet that opens every
// Bulk-Only Transport exchange.
type CommandBlockWrapper struct {
	Signature          uint32
	Tag                uint32 // echoed in the matching CSW
	DataTransferLength uint32 // bytes the initiator expects to move
	Flags              uint8  // CBWFlagDataIn selects device-to-host
	LUN                uint8
	CBLength           uint8
	CB                 [16]byte // SCSI CDB, zero padded
}

// ParseCBW decodes data into out. It reports false for a short packet or
// a bad signature, in which case out must not be used.
func ParseCBW(data []byte, out *CommandBlockWrapper) bool {
	if len(data) < CBWSize || le.Uint32(data) != CBWSignature {
		return false
	}
	*out = CommandBlockWrapper{
		Signature:          CBWSignature,
		Tag:                le.Uint32(data[4:]),
		DataTransferLength: le.Uint32(data[8:]),
		Flags:              data[12],
		LUN:                data[13] & 0x0F,
		CBLength:           data[14] & 0x1F,
	}
	copy(out.CB[:], data[15:CBWSize])
	return true
}

// NewCBW builds the wrapper an initiator sends for cdb. length 0 means
// no data phase; in is ignored then.
func NewCBW(tag, length uint32, in bool, cdb []byte) *CommandBlockWrapper {
	cbw := &CommandBlockWrapper{
		Signature:          CBWSignature,
		Tag:                tag,
		DataTransferLength: length,
		CBLength:           uint8(min(len(cdb), 16)),
	}
	if in && length > 0 {
		cbw.Flags = CBWFlagDataIn
	}
	copy(cbw.CB[:], cdb)
	return cbw
}

// MarshalTo encodes the wrapper and returns CBWSize, or 0 when buf is
// too small.
func (cbw *CommandBlockWrapper) MarshalTo(buf []byte) int {
	if len(buf) < CBWSize {
		return 0
	}
	le.PutUint32(buf, cbw.Signature)
	le.PutUint32(buf[4:], cbw.Tag)
	le.PutUint32(buf[8:], cbw.DataTransferLength)
	buf[12], buf[13], buf[14] = cbw.Flags, cbw.LUN&0x0F, cbw.CBLength&0x1F
	copy(buf[15:CBWSize], cbw.CB[:])
	return CBWSize
}

func (cbw *CommandBlockWrapper) IsDataIn() bool  { return cbw.Flags&CBWFlagDataIn != 0 }
func (cbw *CommandBlockWrapper) IsDataOut() bool { return !cbw.IsDataIn() }

// CommandStatusWrapper closes an exchange with its status and the number
// of announced bytes that were not moved.
type CommandStatusWrapper struct {
	Signature   uint32
	Tag         uint32
	DataResidue uint32
	Status      uint8 // CSWStatusPassed, CSWStatusFailed or CSWStatusPhaseError
}

func NewCSW(tag, residue uint32, status uint8) *CommandStatusWrapper {
	return &CommandStatusWrapper{Signature: CSWSignature, Tag: tag, DataResidue: residue, Status: status}
}

// MarshalTo encodes the wrapper and returns CSWSize, or 0 when buf is
// too small.
func (csw *CommandStatusWrapper) MarshalTo(buf []byte) int {
	if len(buf) < CSWSize {
		return 0
	}
	le.PutUint32(buf, csw.Signature)
	le.PutUint32(buf[4:], csw.Tag)
	le.PutUint32(buf[8:], csw.DataResidue)
	buf[12] = csw.Status
	return CSWSize
}

// ParseCSW is the initiator-side decoder; see ParseCBW.
func ParseCSW(data []byte, out *CommandStatusWrapper) bool {
	if len(data) < CSWSize || le.Uint32(data) != CSWSignature {
		return false
	}
	*out = CommandStatusWrapper{
		Signature:   CSWSignature,
		Tag:         le.Uint32(data[4:]),
		DataResidue: le.Uint32(data[8:]),
		Status:      data[12],
	}
	return true
}
