package emmc

import (
	"context"
	"encoding/binary"

	"github.com/ardnew/softmmc/emmc/hal"
	"github.com/ardnew/softmmc/pkg"
)

// dataPath moves the data phase of a command between the host FIFO and
// the caller's buffer.
type dataPath interface {
	// alignment is the buffer address granularity the path requires.
	alignment() int

	// transfer moves len(buf) bytes and returns once the host reports the
	// end of data or an error.
	transfer(ctx context.Context, d *Driver, dir hal.Direction, buf []byte) error
}

// dataDone are the flags ending a data phase.
const dataDone = hal.StatusDataEnd | hal.DataErrorFlags

// bulkPath hands the buffer to the host's bulk transfer engine.
type bulkPath struct {
	engine hal.BulkTransfer
}

func (p bulkPath) alignment() int {
	return p.engine.Alignment()
}

func (p bulkPath) transfer(ctx context.Context, d *Driver, dir hal.Direction, buf []byte) error {
	if err := p.engine.StartBulk(dir, buf); err != nil {
		pkg.LogDebug(pkg.ComponentTransfer, "bulk start failed", "error", err)
		return ErrBulkTransfer
	}
	defer p.engine.StopBulk()

	w := d.deadline(ctx, d.config.DataTimeout)
	for {
		st := d.host.Status()
		if st.Has(dataDone) {
			return classifyData(st)
		}
		if p.engine.BulkFailed() {
			return ErrBulkTransfer
		}
		if w.expired() {
			return ErrDataTimeout
		}
	}
}

// polledPath moves the FIFO a burst at a time on the half-full and
// half-empty flags.
type polledPath struct{}

func (polledPath) alignment() int {
	return 1
}

func (polledPath) transfer(ctx context.Context, d *Driver, dir hal.Direction, buf []byte) error {
	w := d.deadline(ctx, d.config.DataTimeout)
	pos := 0

	if dir == hal.HostToCard {
		for {
			st := d.host.Status()
			if st.Has(dataDone) {
				return classifyData(st)
			}
			if st.Has(hal.StatusTxFIFOHalfEmpty) && pos < len(buf) {
				for i := 0; i < hal.FIFOBurst && pos < len(buf); i++ {
					d.host.WriteFIFO(binary.LittleEndian.Uint32(buf[pos:]))
					pos += 4
				}
				continue
			}
			if w.expired() {
				return ErrDataTimeout
			}
		}
	}

	var st hal.Status
	for {
		st = d.host.Status()
		if st.Has(dataDone) {
			break
		}
		if st.Has(hal.StatusRxFIFOHalfFull) && pos < len(buf) {
			for i := 0; i < hal.FIFOBurst && pos < len(buf); i++ {
				binary.LittleEndian.PutUint32(buf[pos:], d.host.ReadFIFO())
				pos += 4
			}
			continue
		}
		if w.expired() {
			return ErrDataTimeout
		}
	}
	if err := classifyData(st); err != nil {
		return err
	}

	// words left in the FIFO after the data counter reached zero
	for pos < len(buf) && d.host.Status().Has(hal.StatusRxDataAvailable) {
		binary.LittleEndian.PutUint32(buf[pos:], d.host.ReadFIFO())
		pos += 4
	}
	return nil
}
