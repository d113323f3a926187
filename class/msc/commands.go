package msc

import (
	"bytes"
	"context"

	"github.com/ardnew/softmmc/pkg"
)

var (
	senseNone          = Sense{}
	senseNotPresent    = Sense{Key: SenseNotReady, ASC: ASCMediumNotPresent}
	senseInvalidOpcode = Sense{Key: SenseIllegalRequest, ASC: ASCInvalidCommand}
	senseInvalidField  = Sense{Key: SenseIllegalRequest, ASC: ASCInvalidFieldInCDB}
	senseOutOfRange    = Sense{Key: SenseIllegalRequest, ASC: ASCLBAOutOfRange}
	senseProtected     = Sense{Key: SenseDataProtect, ASC: ASCWriteProtected}
	senseHardware      = Sense{Key: SenseHardwareError, ASC: ASCInternalTargetError}
	senseMiscompare    = Sense{Key: SenseMiscompare, ASC: ASCMiscompare}
)

// handleSCSICommand processes a SCSI command from CBW.
// Returns command status and data residue.
func (m *MSC) handleSCSICommand(ctx context.Context, cbw *CommandBlockWrapper) (status uint8, residue uint32) {
	opcode := cbw.CB[0]

	if cbw.LUN > m.maxLUN {
		return m.fail(cbw, senseInvalidField)
	}

	switch opcode {
	case SCSITestUnitReady:
		return m.handleTestUnitReady(cbw)

	case SCSIRequestSense:
		return m.handleRequestSense(ctx, cbw)

	case SCSIInquiry:
		return m.handleInquiry(ctx, cbw)

	case SCSIReadCapacity10:
		return m.handleReadCapacity(ctx, cbw, false)

	case SCSIRead10:
		lba := uint64(parseU32BE(cbw.CB[:], 2))
		blocks := uint32(parseU16BE(cbw.CB[:], 7))
		return m.handleRead(ctx, cbw, lba, blocks)

	case SCSIRead16:
		return m.handleRead(ctx, cbw, parseU64BE(cbw.CB[:], 2), parseU32BE(cbw.CB[:], 10))

	case SCSIWrite10:
		lba := uint64(parseU32BE(cbw.CB[:], 2))
		blocks := uint32(parseU16BE(cbw.CB[:], 7))
		return m.handleWrite(ctx, cbw, lba, blocks)

	case SCSIWrite16:
		return m.handleWrite(ctx, cbw, parseU64BE(cbw.CB[:], 2), parseU32BE(cbw.CB[:], 10))

	case SCSIVerify10:
		return m.handleVerify10(ctx, cbw)

	case SCSIModeSense6:
		return m.handleModeSense6(ctx, cbw)

	case SCSIPreventAllowRemoval:
		pkg.LogDebug(pkg.ComponentMSC, "PREVENT/ALLOW MEDIUM REMOVAL",
			"prevent", cbw.CB[4]&0x01)
		m.sense = senseNone
		return CSWStatusGood, 0

	case SCSIStartStopUnit:
		return m.handleStartStopUnit(cbw)

	case SCSISynchronizeCache10:
		return m.handleSynchronizeCache10(cbw)

	case SCSIReadFormatCapacities:
		return m.handleReadFormatCapacities(ctx, cbw)

	case SCSIServiceActionIn16:
		if cbw.CB[1]&0x1F == ServiceActionReadCapacity16 {
			return m.handleReadCapacity(ctx, cbw, true)
		}
		fallthrough

	default:
		pkg.LogWarn(pkg.ComponentMSC, "unsupported SCSI command",
			"opcode", opcode)
		return m.fail(cbw, senseInvalidOpcode)
	}
}

// handleTestUnitReady processes TEST UNIT READY command.
func (m *MSC) handleTestUnitReady(cbw *CommandBlockWrapper) (uint8, uint32) {
	if !m.storage.IsPresent() {
		return m.fail(cbw, senseNotPresent)
	}
	m.sense = senseNone
	return CSWStatusGood, 0
}

// handleRequestSense processes REQUEST SENSE command. Reporting the sense
// data clears it.
func (m *MSC) handleRequestSense(ctx context.Context, cbw *CommandBlockWrapper) (uint8, uint32) {
	n := m.sense.MarshalTo(m.senseBuf[:])
	if alloc := int(cbw.CB[4]); alloc < n {
		n = alloc
	}

	if err := m.sendData(ctx, cbw, m.senseBuf[:n]); err != nil {
		return m.fail(cbw, senseHardware)
	}

	m.sense = senseNone
	return CSWStatusGood, cbw.DataTransferLength - m.sent
}

// handleInquiry processes INQUIRY command.
func (m *MSC) handleInquiry(ctx context.Context, cbw *CommandBlockWrapper) (uint8, uint32) {
	if cbw.CB[1]&0x01 != 0 {
		return m.fail(cbw, senseInvalidField) // no vital product data pages
	}

	n := m.inquiry.MarshalTo(m.dataBuf[:])
	if alloc := int(parseU16BE(cbw.CB[:], 3)); alloc < n {
		n = alloc
	}

	if err := m.sendData(ctx, cbw, m.dataBuf[:n]); err != nil {
		return m.fail(cbw, senseHardware)
	}
	return CSWStatusGood, cbw.DataTransferLength - m.sent
}

// handleReadCapacity processes READ CAPACITY (10) and, with long set,
// READ CAPACITY (16).
func (m *MSC) handleReadCapacity(ctx context.Context, cbw *CommandBlockWrapper, long bool) (uint8, uint32) {
	if !m.storage.IsPresent() {
		return m.fail(cbw, senseNotPresent)
	}

	capacity := Capacity{
		LastLBA:     m.storage.BlockCount() - 1,
		BlockLength: m.storage.BlockSize(),
	}

	var n int
	if long {
		n = capacity.MarshalTo16(m.dataBuf[:])
		if alloc := int(parseU32BE(cbw.CB[:], 10)); alloc < n {
			n = alloc
		}
	} else {
		n = capacity.MarshalTo10(m.dataBuf[:])
	}

	if err := m.sendData(ctx, cbw, m.dataBuf[:n]); err != nil {
		return m.fail(cbw, senseHardware)
	}
	return CSWStatusGood, cbw.DataTransferLength - m.sent
}

// checkRange validates a block request against the medium and the
// announced transfer length.
func (m *MSC) checkRange(cbw *CommandBlockWrapper, lba uint64, blocks uint32) *Sense {
	if !m.storage.IsPresent() {
		return &senseNotPresent
	}
	if end := lba + uint64(blocks); end < lba || end > m.storage.BlockCount() {
		return &senseOutOfRange
	}
	if uint64(blocks)*uint64(m.storage.BlockSize()) > uint64(cbw.DataTransferLength) {
		return &senseInvalidField
	}
	return nil
}

// handleRead processes READ (10) and READ (16). The transfer is split into
// MaxTransferSize requests to the storage backend.
func (m *MSC) handleRead(ctx context.Context, cbw *CommandBlockWrapper, lba uint64, blocks uint32) (uint8, uint32) {
	if blocks == 0 {
		return CSWStatusGood, cbw.DataTransferLength
	}
	if !cbw.IsDataIn() {
		return CSWStatusPhaseError, cbw.DataTransferLength
	}
	if s := m.checkRange(cbw, lba, blocks); s != nil {
		return m.fail(cbw, *s)
	}

	pkg.LogDebug(pkg.ComponentMSC, "READ",
		"lba", lba,
		"blocks", blocks)

	blockSize := m.storage.BlockSize()
	per := uint32(MaxTransferSize) / blockSize
	for done := uint32(0); done < blocks; {
		n := min(blocks-done, per)
		buf := m.dataBuf[:n*blockSize]

		if _, err := m.storage.Read(lba+uint64(done), n, buf); err != nil {
			pkg.LogWarn(pkg.ComponentMSC, "read error",
				"lba", lba+uint64(done),
				"error", err)
			return m.fail(cbw, senseFor(err, ASCUnrecoveredRead))
		}
		if err := m.sendData(ctx, cbw, buf); err != nil {
			return m.fail(cbw, senseHardware)
		}
		done += n
	}

	m.sense = senseNone
	return CSWStatusGood, cbw.DataTransferLength - m.sent
}

// handleWrite processes WRITE (10) and WRITE (16).
func (m *MSC) handleWrite(ctx context.Context, cbw *CommandBlockWrapper, lba uint64, blocks uint32) (uint8, uint32) {
	if blocks == 0 {
		return CSWStatusGood, cbw.DataTransferLength
	}
	if !cbw.IsDataOut() {
		return CSWStatusPhaseError, cbw.DataTransferLength
	}
	if m.storage.IsReadOnly() {
		return m.fail(cbw, senseProtected)
	}
	if s := m.checkRange(cbw, lba, blocks); s != nil {
		return m.fail(cbw, *s)
	}

	pkg.LogDebug(pkg.ComponentMSC, "WRITE",
		"lba", lba,
		"blocks", blocks)

	blockSize := m.storage.BlockSize()
	per := uint32(MaxTransferSize) / blockSize
	written := uint32(0)
	for written < blocks {
		n := min(blocks-written, per)
		buf := m.dataBuf[:n*blockSize]

		if err := m.receiveData(ctx, cbw, buf); err != nil {
			return m.fail(cbw, senseHardware)
		}
		if _, err := m.storage.Write(lba+uint64(written), n, buf); err != nil {
			pkg.LogWarn(pkg.ComponentMSC, "write error",
				"lba", lba+uint64(written),
				"error", err)
			s, residue := m.fail(cbw, senseFor(err, ASCWriteError))
			return s, residue - written*blockSize
		}
		written += n
	}

	m.sense = senseNone
	return CSWStatusGood, cbw.DataTransferLength - written*blockSize
}

// handleVerify10 processes VERIFY (10). Without BYTCHK the blocks are
// read back from the medium; with it they are compared against the
// data-out phase.
func (m *MSC) handleVerify10(ctx context.Context, cbw *CommandBlockWrapper) (uint8, uint32) {
	lba := uint64(parseU32BE(cbw.CB[:], 2))
	blocks := uint32(parseU16BE(cbw.CB[:], 7))
	byteCheck := cbw.CB[1]&0x02 != 0

	if blocks == 0 {
		return CSWStatusGood, cbw.DataTransferLength
	}
	if !m.storage.IsPresent() {
		return m.fail(cbw, senseNotPresent)
	}
	if lba+uint64(blocks) > m.storage.BlockCount() {
		return m.fail(cbw, senseOutOfRange)
	}
	blockSize := m.storage.BlockSize()
	if byteCheck && (cbw.IsDataIn() || uint64(blocks)*uint64(blockSize) > uint64(cbw.DataTransferLength)) {
		return CSWStatusPhaseError, cbw.DataTransferLength
	}

	// medium in the first half of dataBuf, initiator data in the second
	half := MaxTransferSize / 2
	per := uint32(half) / blockSize
	for done := uint32(0); done < blocks; {
		n := min(blocks-done, per)
		size := n * blockSize
		medium := m.dataBuf[:size]

		if _, err := m.storage.Read(lba+uint64(done), n, medium); err != nil {
			return m.fail(cbw, senseFor(err, ASCUnrecoveredRead))
		}
		if byteCheck {
			host := m.dataBuf[half : half+int(size)]
			if err := m.receiveData(ctx, cbw, host); err != nil {
				return m.fail(cbw, senseHardware)
			}
			if !bytes.Equal(medium, host) {
				pkg.LogInfo(pkg.ComponentMSC, "VERIFY miscompare",
					"lba", lba+uint64(done),
					"blocks", n)
				return m.fail(cbw, senseMiscompare)
			}
		}
		done += n
	}

	m.sense = senseNone
	return CSWStatusGood, cbw.DataTransferLength - m.received
}

// handleModeSense6 processes MODE SENSE (6) command.
func (m *MSC) handleModeSense6(ctx context.Context, cbw *CommandBlockWrapper) (uint8, uint32) {
	header := ModeSense6Header{WriteProtected: m.storage.IsReadOnly()}
	n := header.MarshalTo(m.dataBuf[:])
	if alloc := int(cbw.CB[4]); alloc < n {
		n = alloc
	}

	if err := m.sendData(ctx, cbw, m.dataBuf[:n]); err != nil {
		return m.fail(cbw, senseHardware)
	}
	return CSWStatusGood, cbw.DataTransferLength - m.sent
}

// handleStartStopUnit processes START/STOP UNIT command. Only ejection of
// removable media has an effect.
func (m *MSC) handleStartStopUnit(cbw *CommandBlockWrapper) (uint8, uint32) {
	start := cbw.CB[4]&0x01 != 0
	loej := cbw.CB[4]&0x02 != 0

	pkg.LogDebug(pkg.ComponentMSC, "START/STOP UNIT",
		"start", start,
		"loej", loej)

	if loej && !start {
		if !m.storage.IsRemovable() {
			return m.fail(cbw, senseInvalidField)
		}
		if err := m.storage.Eject(); err != nil {
			pkg.LogWarn(pkg.ComponentMSC, "eject failed", "error", err)
			return m.fail(cbw, senseHardware)
		}
	}

	m.sense = senseNone
	return CSWStatusGood, 0
}

// handleSynchronizeCache10 processes SYNCHRONIZE CACHE (10) command.
func (m *MSC) handleSynchronizeCache10(cbw *CommandBlockWrapper) (uint8, uint32) {
	if err := m.storage.Sync(); err != nil {
		return m.fail(cbw, senseFor(err, ASCWriteError))
	}
	m.sense = senseNone
	return CSWStatusGood, 0
}

// handleReadFormatCapacities processes READ FORMAT CAPACITIES command.
func (m *MSC) handleReadFormatCapacities(ctx context.Context, cbw *CommandBlockWrapper) (uint8, uint32) {
	if !m.storage.IsPresent() {
		return m.fail(cbw, senseNotPresent)
	}

	capacity := FormatCapacity{
		Blocks:      uint32(min(m.storage.BlockCount(), 0xFFFFFFFF)),
		BlockLength: m.storage.BlockSize(),
	}
	n := capacity.MarshalTo(m.dataBuf[:])
	if alloc := int(parseU16BE(cbw.CB[:], 7)); alloc < n {
		n = alloc
	}

	if err := m.sendData(ctx, cbw, m.dataBuf[:n]); err != nil {
		return m.fail(cbw, senseHardware)
	}
	return CSWStatusGood, cbw.DataTransferLength - m.sent
}
