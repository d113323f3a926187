package emmc

import (
	"context"
	"unsafe"

	"github.com/ardnew/softmmc/emmc/hal"
	"github.com/ardnew/softmmc/pkg"
)

// MaxTransferBlocks is the largest block count a single Read or Write
// accepts, bounded by the host's data length register.
const MaxTransferBlocks = hal.MaxDataLength / BlockSize

// Read reads count blocks starting at block into buf.
func (d *Driver) Read(ctx context.Context, buf []byte, block, count uint32) error {
	return d.blockIO(ctx, hal.CardToHost, buf, block, count)
}

// Write writes count blocks from buf starting at block.
func (d *Driver) Write(ctx context.Context, buf []byte, block, count uint32) error {
	return d.blockIO(ctx, hal.HostToCard, buf, block, count)
}

// Erase erases the blocks first through last inclusive. The card rounds
// the range to erase groups.
func (d *Driver) Erase(ctx context.Context, first, last uint32) error {
	if last < first {
		return ErrParameterInvalid
	}
	if !d.initialized {
		return ErrOperationImproper
	}
	start, err := d.address(first)
	if err != nil {
		return err
	}
	end, err := d.address(last)
	if err != nil {
		return err
	}

	if err := d.refreshState(ctx, d.rca); err != nil {
		return err
	}
	if d.state.Locked {
		return ErrLockedState
	}

	for _, cmd := range [...]command{
		{cmdEraseGroupStart, start, respR1},
		{cmdEraseGroupEnd, end, respR1},
		{cmdErase, 0, respR1b},
	} {
		if err := d.issue(ctx, cmd); err != nil {
			return err
		}
	}
	if err := d.waitState(ctx, d.rca, notBusy); err != nil {
		return err
	}
	pkg.LogDebug(pkg.ComponentTransfer, "erased", "first", first, "last", last)
	return nil
}

// validate checks a transfer request without touching the host.
func (d *Driver) validate(buf []byte, count uint32) error {
	if count == 0 || len(buf) == 0 {
		return ErrParameterInvalid
	}
	size := uint64(count) * BlockSize
	if size > hal.MaxDataLength || uint64(len(buf)) < size {
		return ErrParameterInvalid
	}
	if align := d.path.alignment(); align > 1 {
		if uintptr(unsafe.Pointer(unsafe.SliceData(buf)))%uintptr(align) != 0 {
			return ErrParameterInvalid
		}
	}
	return nil
}

func (d *Driver) blockIO(ctx context.Context, dir hal.Direction, buf []byte, block, count uint32) error {
	if err := d.validate(buf, count); err != nil {
		return err
	}
	if !d.initialized {
		return ErrOperationImproper
	}
	arg, err := d.address(block)
	if err != nil {
		return err
	}

	if err := d.refreshState(ctx, d.rca); err != nil {
		return err
	}
	if d.state.Locked {
		return ErrLockedState
	}

	multi := count > 1
	cmd := command{arg: arg, resp: respR1}

	switch {
	case dir == hal.CardToHost && multi:
		cmd.index = cmdReadMultiBlock
	case dir == hal.CardToHost:
		cmd.index = cmdReadSingleBlock
	case multi:
		cmd.index = cmdWriteMultiBlock
	default:
		cmd.index = cmdWriteSingleBlock
	}

	if dir == hal.HostToCard {
		if !d.state.ReadyForData {
			ready := func(s CardState) bool { return s.ReadyForData }
			if err := d.waitState(ctx, d.rca, ready); err != nil {
				return err
			}
		}
		if multi {
			if err := d.issue(ctx, command{cmdSetBlockCount, count, respR1}); err != nil {
				return err
			}
		}
	}

	return d.transfer(ctx, dir, buf[:count*BlockSize], cmd, count)
}

// transfer runs one data command: program the data path, issue cmd, move
// the data and wait for the card to finish.
func (d *Driver) transfer(ctx context.Context, dir hal.Direction, buf []byte, cmd command, count uint32) error {
	defer d.host.ClearStatus(hal.StaticDataFlags)

	d.host.ConfigureData(hal.DataConfig{
		Timeout:   d.dataTimeout(),
		Length:    uint32(len(buf)),
		BlockSize: BlockSize,
		Direction: dir,
	})

	err := d.issue(ctx, cmd)
	if err == nil {
		err = d.path.transfer(ctx, d, dir, buf)
	}

	// an open-ended read runs until stopped, whatever happened above
	if cmd.index == cmdReadMultiBlock {
		if stopErr := d.issue(ctx, command{cmdStopTransmission, 0, respR1b}); err == nil {
			err = stopErr
		}
	}

	if err != nil {
		pkg.LogDebug(pkg.ComponentTransfer, "transfer failed",
			"cmd", cmd.index, "dir", dir, "blocks", count, "error", err)
		return err
	}

	if dir == hal.HostToCard {
		if err := d.waitState(ctx, d.rca, notBusy); err != nil {
			return err
		}
	}

	pkg.LogDebug(pkg.ComponentTransfer, "transfer", "cmd", cmd.index, "dir", dir, "blocks", count)
	return nil
}
