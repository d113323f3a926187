package msc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/ardnew/softmmc/pkg"
)

// Config identifies the logical unit to initiators.
type Config struct {
	VendorID  string // up to 8 characters
	ProductID string // up to 16 characters
	Revision  string // up to 4 characters
	MaxLUN    uint8  // highest logical unit number, 0-15
}

// MSC serves SCSI commands over Bulk-Only Transport from a Storage
// backend.
type MSC struct {
	storage   Storage
	transport Transport

	// Device information
	inquiry InquiryResponse
	maxLUN  uint8

	// Current command state
	currentCBW CommandBlockWrapper
	sent       uint32 // valid bytes sent in the data-in phase
	received   uint32 // bytes consumed from the data-out phase

	// Sense data (for REQUEST SENSE)
	sense Sense

	// Buffers (zero-allocation pattern)
	cbwBuf   [CBWSize]byte
	cswBuf   [CSWSize]byte
	dataBuf  [MaxTransferSize]byte
	senseBuf [SenseSize]byte

	mutex sync.Mutex
}

// New creates a new MSC class driver with the given storage backend and
// transport.
func New(storage Storage, transport Transport, config Config) (*MSC, error) {
	if storage == nil || transport == nil {
		return nil, fmt.Errorf("msc: %w", pkg.ErrInvalidParameter)
	}
	if config.MaxLUN > 15 {
		return nil, fmt.Errorf("msc: max LUN %d: %w", config.MaxLUN, pkg.ErrInvalidParameter)
	}
	if config.Revision == "" {
		config.Revision = "1.0"
	}

	m := &MSC{
		storage:   storage,
		transport: transport,
		maxLUN:    config.MaxLUN,
	}
	m.inquiry = *NewInquiryResponse(storage.IsRemovable(),
		config.VendorID, config.ProductID, config.Revision)
	return m, nil
}

// Reset performs a Bulk-Only Mass Storage Reset, clearing sense data.
func (m *MSC) Reset() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentMSC, "reset requested")
	m.sense = Sense{}
}

// MaxLUN answers the Get Max LUN request.
func (m *MSC) MaxLUN() uint8 {
	return m.maxLUN
}

// Sense returns the sense data the next REQUEST SENSE would report.
func (m *MSC) Sense() Sense {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.sense
}

// Run is the main processing loop for MSC.
// It reads CBWs, processes SCSI commands, and sends CSWs until ctx is
// cancelled or the transport closes.
func (m *MSC) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := m.processCBW(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, pkg.ErrClosed) {
				return err
			}
			pkg.LogWarn(pkg.ComponentMSC, "CBW processing error",
				"error", err)
		}
	}
}

// processCBW reads a Command Block Wrapper, executes it and completes
// both the data and status phases.
func (m *MSC) processCBW(ctx context.Context) error {
	n, err := m.transport.Receive(ctx, m.cbwBuf[:])
	if err != nil {
		return err
	}

	if n != CBWSize {
		pkg.LogWarn(pkg.ComponentMSC, "invalid CBW size",
			"expected", CBWSize,
			"got", n)
		return pkg.ErrInvalidRequest
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if !ParseCBW(m.cbwBuf[:], &m.currentCBW) {
		pkg.LogWarn(pkg.ComponentMSC, "invalid CBW signature")
		return pkg.ErrInvalidRequest
	}

	cbw := &m.currentCBW
	pkg.LogDebug(pkg.ComponentMSC, "CBW received",
		"tag", cbw.Tag,
		"dataLen", cbw.DataTransferLength,
		"flags", cbw.Flags,
		"lun", cbw.LUN,
		"opcode", cbw.CB[0])

	m.sent, m.received = 0, 0
	status, residue := m.handleSCSICommand(ctx, cbw)

	if err := m.finishData(ctx, cbw, status); err != nil {
		return err
	}
	return m.sendCSW(ctx, cbw.Tag, status, residue)
}

// finishData completes a data phase the command left short. Failed
// data-in commands are padded to the expected length and unread data-out
// is discarded, so the initiator always finds the CSW next.
func (m *MSC) finishData(ctx context.Context, cbw *CommandBlockWrapper, status uint8) error {
	expected := cbw.DataTransferLength
	switch {
	case expected == 0:
		return nil

	case cbw.IsDataIn():
		if m.sent >= expected {
			return nil
		}
		if status == CSWStatusGood {
			if m.sent%MaxPacketSize != 0 {
				return nil // already ended by a short packet
			}
			_, err := m.transport.Send(ctx, nil)
			return err
		}
		clear(m.dataBuf[:])
		for remain := expected - m.sent; remain > 0; {
			n := min(remain, uint32(len(m.dataBuf)))
			if _, err := m.transport.Send(ctx, m.dataBuf[:n]); err != nil {
				return err
			}
			remain -= n
		}

	default:
		for m.received < expected {
			n := min(expected-m.received, uint32(len(m.dataBuf)))
			got, err := m.transport.Receive(ctx, m.dataBuf[:n])
			if err != nil {
				return err
			}
			m.received += uint32(got)
			if uint32(got) < n {
				break // initiator sent less than it announced
			}
		}
	}
	return nil
}

// sendCSW sends a Command Status Wrapper.
func (m *MSC) sendCSW(ctx context.Context, tag uint32, status uint8, residue uint32) error {
	csw := NewCSW(tag, residue, status)
	n := csw.MarshalTo(m.cswBuf[:])

	if _, err := m.transport.Send(ctx, m.cswBuf[:n]); err != nil {
		return err
	}

	pkg.LogDebug(pkg.ComponentMSC, "CSW sent",
		"tag", tag,
		"residue", residue,
		"status", status)
	return nil
}

// sendData sends data to the initiator, truncated to what the CBW
// announced.
func (m *MSC) sendData(ctx context.Context, cbw *CommandBlockWrapper, data []byte) error {
	n := min(uint32(len(data)), cbw.DataTransferLength-m.sent)
	if n == 0 {
		return nil
	}
	if !cbw.IsDataIn() {
		return pkg.ErrInvalidRequest
	}
	if _, err := m.transport.Send(ctx, data[:n]); err != nil {
		return err
	}
	m.sent += n
	return nil
}

// receiveData fills buf from the data-out phase.
func (m *MSC) receiveData(ctx context.Context, cbw *CommandBlockWrapper, buf []byte) error {
	if !cbw.IsDataOut() || uint32(len(buf)) > cbw.DataTransferLength-m.received {
		return pkg.ErrInvalidRequest
	}
	n, err := m.transport.Receive(ctx, buf)
	m.received += uint32(n)
	if err != nil {
		return err
	}
	if n < len(buf) {
		return fmt.Errorf("data-out ended after %d of %d bytes: %w",
			n, len(buf), pkg.ErrInvalidRequest)
	}
	return nil
}

// fail records sense data and returns a failed status. The residue counts
// everything but the valid data already sent.
func (m *MSC) fail(cbw *CommandBlockWrapper, s Sense) (uint8, uint32) {
	m.sense = s
	return CSWStatusFailed, cbw.DataTransferLength - m.sent
}

// senseFor maps a storage error onto sense data. Media failures report
// medium as the additional sense code.
func senseFor(err error, medium uint8) Sense {
	switch pkg.ResultOf(err) {
	case pkg.ResultParameter:
		return Sense{Key: SenseIllegalRequest, ASC: ASCLBAOutOfRange}
	case pkg.ResultWriteProtected:
		return Sense{Key: SenseDataProtect, ASC: ASCWriteProtected}
	case pkg.ResultNotReady:
		return Sense{Key: SenseNotReady, ASC: ASCMediumNotPresent}
	default:
		return Sense{Key: SenseMediumError, ASC: medium}
	}
}

// parseU16BE parses a big-endian uint16 from data at offset.
func parseU16BE(data []byte, offset int) uint16 {
	if offset+2 > len(data) {
		return 0
	}
	return binary.BigEndian.Uint16(data[offset:])
}

// parseU32BE parses a big-endian uint32 from data at offset.
func parseU32BE(data []byte, offset int) uint32 {
	if offset+4 > len(data) {
		return 0
	}
	return binary.BigEndian.Uint32(data[offset:])
}

// parseU64BE parses a big-endian uint64 from data at offset.
func parseU64BE(data []byte, offset int) uint64 {
	if offset+8 > len(data) {
		return 0
	}
	return binary.BigEndian.Uint64(data[offset:])
}
