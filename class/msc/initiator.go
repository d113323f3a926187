package msc

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ardnew/softmmc/pkg"
)

// CommandError reports a SCSI command that completed with a failed or
// phase-error status. Sense holds the data fetched by the automatic
// REQUEST SENSE that follows a failure.
type CommandError struct {
	Opcode uint8
	Status uint8
	Sense  Sense
}

func (e *CommandError) Error() string {
	if e.Status == CSWStatusPhaseError {
		return fmt.Sprintf("scsi command 0x%02X: phase error", e.Opcode)
	}
	return fmt.Sprintf("scsi command 0x%02X failed: sense key 0x%X asc 0x%02X ascq 0x%02X",
		e.Opcode, e.Sense.Key, e.Sense.ASC, e.Sense.ASCQ)
}

// Result maps the sense data onto a disk result.
func (e *CommandError) Result() pkg.DiskResult {
	switch e.Sense.Key {
	case SenseNotReady:
		return pkg.ResultNotReady
	case SenseDataProtect:
		return pkg.ResultWriteProtected
	case SenseIllegalRequest:
		return pkg.ResultParameter
	default:
		return pkg.ResultError
	}
}

// Initiator issues SCSI commands over Bulk-Only Transport. It is safe for
// concurrent use; commands are serialized.
type Initiator struct {
	transport Transport
	lun       uint8

	tag    uint32
	cbwBuf [CBWSize]byte
	cswBuf [CSWSize]byte
	mutex  sync.Mutex
}

// NewInitiator creates an initiator addressing lun through transport.
func NewInitiator(transport Transport, lun uint8) *Initiator {
	return &Initiator{transport: transport, lun: lun}
}

// Command runs one CBW/data/CSW exchange. in selects the direction of
// data, which may be empty. It returns the data residue reported by the
// device.
func (i *Initiator) Command(ctx context.Context, cdb []byte, in bool, data []byte) (uint32, error) {
	i.mutex.Lock()
	defer i.mutex.Unlock()

	residue, err := i.command(ctx, cdb, in, data)
	if cerr, ok := err.(*CommandError); ok && cerr.Status == CSWStatusFailed {
		if s, serr := i.requestSense(ctx); serr == nil {
			cerr.Sense = s
		}
	}
	return residue, err
}

func (i *Initiator) command(ctx context.Context, cdb []byte, in bool, data []byte) (uint32, error) {
	i.tag++
	cbw := NewCBW(i.tag, uint32(len(data)), in, cdb)
	cbw.LUN = i.lun
	n := cbw.MarshalTo(i.cbwBuf[:])

	if _, err := i.transport.Send(ctx, i.cbwBuf[:n]); err != nil {
		return 0, fmt.Errorf("send CBW: %w", err)
	}

	if len(data) > 0 {
		var err error
		if in {
			_, err = i.transport.Receive(ctx, data)
		} else {
			_, err = i.transport.Send(ctx, data)
		}
		if err != nil {
			return 0, fmt.Errorf("data phase: %w", err)
		}
	}

	got, err := i.transport.Receive(ctx, i.cswBuf[:])
	if err != nil {
		return 0, fmt.Errorf("receive CSW: %w", err)
	}

	var csw CommandStatusWrapper
	if got != CSWSize || !ParseCSW(i.cswBuf[:], &csw) {
		return 0, fmt.Errorf("malformed CSW: %w", pkg.ErrInvalidRequest)
	}
	if csw.Tag != cbw.Tag {
		return 0, fmt.Errorf("CSW tag %d, want %d: %w", csw.Tag, cbw.Tag, pkg.ErrInvalidRequest)
	}

	pkg.LogDebug(pkg.ComponentMSC, "CSW received",
		"tag", csw.Tag,
		"status", csw.Status,
		"residue", csw.DataResidue)

	if csw.Status != CSWStatusGood {
		return csw.DataResidue, &CommandError{Opcode: cdb[0], Status: csw.Status}
	}
	return csw.DataResidue, nil
}

func (i *Initiator) requestSense(ctx context.Context) (Sense, error) {
	var buf [SenseSize]byte
	cdb := [6]byte{SCSIRequestSense, 0, 0, 0, SenseSize, 0}
	if _, err := i.command(ctx, cdb[:], true, buf[:]); err != nil {
		return Sense{}, err
	}
	var s Sense
	if !s.UnmarshalFrom(buf[:]) {
		return Sense{}, pkg.ErrInvalidRequest
	}
	return s, nil
}

// RequestSense fetches and clears the current sense data.
func (i *Initiator) RequestSense(ctx context.Context) (Sense, error) {
	i.mutex.Lock()
	defer i.mutex.Unlock()
	return i.requestSense(ctx)
}

// TestUnitReady reports whether the medium is ready.
func (i *Initiator) TestUnitReady(ctx context.Context) error {
	cdb := [6]byte{SCSITestUnitReady}
	_, err := i.Command(ctx, cdb[:], false, nil)
	return err
}

// Inquiry fetches standard INQUIRY data.
func (i *Initiator) Inquiry(ctx context.Context) (*InquiryResponse, error) {
	var buf [InquiryStandardSize]byte
	cdb := [6]byte{SCSIInquiry, 0, 0, 0, InquiryStandardSize, 0}
	if _, err := i.Command(ctx, cdb[:], true, buf[:]); err != nil {
		return nil, err
	}
	r := &InquiryResponse{}
	r.UnmarshalFrom(buf[:])
	return r, nil
}

// ReadCapacity returns the last LBA and block length of the medium.
func (i *Initiator) ReadCapacity(ctx context.Context) (Capacity, error) {
	var buf [8]byte
	cdb := [10]byte{SCSIReadCapacity10}
	if _, err := i.Command(ctx, cdb[:], true, buf[:]); err != nil {
		return Capacity{}, err
	}
	var c Capacity
	c.UnmarshalFrom10(buf[:])
	return c, nil
}

// ModeSense reports whether the medium is write protected.
func (i *Initiator) ModeSense(ctx context.Context) (writeProtected bool, err error) {
	var buf [4]byte
	cdb := [6]byte{SCSIModeSense6, 0, 0x3F, 0, 4, 0}
	if _, err := i.Command(ctx, cdb[:], true, buf[:]); err != nil {
		return false, err
	}
	return buf[2]&0x80 != 0, nil
}

// blockCDB builds a 10-byte CDB addressing blocks at lba.
func blockCDB(opcode uint8, flags uint8, lba uint32, blocks uint16) [10]byte {
	var cdb [10]byte
	cdb[0] = opcode
	cdb[1] = flags
	binary.BigEndian.PutUint32(cdb[2:6], lba)
	binary.BigEndian.PutUint16(cdb[7:9], blocks)
	return cdb
}

// Read10 reads blocks starting at lba into buf, which must hold exactly
// the requested blocks.
func (i *Initiator) Read10(ctx context.Context, lba uint32, blocks uint16, buf []byte) error {
	cdb := blockCDB(SCSIRead10, 0, lba, blocks)
	_, err := i.Command(ctx, cdb[:], true, buf)
	return err
}

// Write10 writes blocks from data starting at lba.
func (i *Initiator) Write10(ctx context.Context, lba uint32, blocks uint16, data []byte) error {
	cdb := blockCDB(SCSIWrite10, 0, lba, blocks)
	_, err := i.Command(ctx, cdb[:], false, data)
	return err
}

// Verify10 asks the device to verify blocks. With data, the blocks are
// compared byte for byte against it.
func (i *Initiator) Verify10(ctx context.Context, lba uint32, blocks uint16, data []byte) error {
	var flags uint8
	if data != nil {
		flags = 0x02 // BYTCHK
	}
	cdb := blockCDB(SCSIVerify10, flags, lba, blocks)
	_, err := i.Command(ctx, cdb[:], false, data)
	return err
}

// SynchronizeCache flushes the device's cache.
func (i *Initiator) SynchronizeCache(ctx context.Context) error {
	cdb := [10]byte{SCSISynchronizeCache10}
	_, err := i.Command(ctx, cdb[:], false, nil)
	return err
}

// Eject asks the device to unload the medium.
func (i *Initiator) Eject(ctx context.Context) error {
	cdb := [6]byte{SCSIStartStopUnit, 0, 0, 0, 0x02, 0}
	_, err := i.Command(ctx, cdb[:], false, nil)
	return err
}
