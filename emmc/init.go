package emmc

import (
	"context"
	"fmt"

	"github.com/ardnew/softmmc/emmc/hal"
	"github.com/ardnew/softmmc/pkg"
)

// Init powers the card and brings it from idle to the transfer state at
// the fastest timing and the configured bus mode both sides support.
// Any failure aborts the sequence; the caller may retry.
func (d *Driver) Init(ctx context.Context) error {
	d.initialized = false
	d.rca = 0
	d.id = Identity{}
	d.state = CardState{}

	err := d.initialize(ctx)
	if err != nil {
		pkg.LogError(pkg.ComponentCard, "init failed", "error", err)
		return err
	}

	d.initialized = true
	info := d.Info()
	pkg.LogInfo(pkg.ComponentCard, "card ready",
		"product", info.CID.ProductName,
		"blocks", info.Blocks,
		"width", info.BusWidth,
		"rate", info.DataRate,
		"frequency", info.Frequency)
	return nil
}

func (d *Driver) initialize(ctx context.Context) error {
	bus := hal.BusConfig{
		Width:   hal.BusWidth1,
		Rate:    hal.SDR,
		Divider: divider(d.host.KernelClock(), d.config.InitFrequency),
	}
	if err := d.host.SetBus(bus); err != nil {
		return fmt.Errorf("set host bus: %w", err)
	}
	if err := d.host.PowerOn(ctx); err != nil {
		return fmt.Errorf("power on: %w", err)
	}
	d.host.ClearStatus(hal.StaticFlags)

	if err := d.issue(ctx, command{cmdGoIdleState, 0, respNone}); err != nil {
		return err
	}

	if err := d.powerUp(ctx); err != nil {
		return err
	}

	if err := d.issue(ctx, command{cmdAllSendCID, 0, respR2}); err != nil {
		return err
	}
	d.id.CID = d.longResponse()

	rca := d.config.RCA
	if err := d.issue(ctx, command{cmdSetRelativeAddr, uint32(rca) << 16, respR1}); err != nil {
		return err
	}
	d.rca = rca

	if err := d.issue(ctx, command{cmdSendCSD, uint32(rca) << 16, respR2}); err != nil {
		return err
	}
	d.id.CSD = d.longResponse()

	if err := d.Select(ctx, rca); err != nil {
		return err
	}

	if err := d.fetchExtCSD(ctx); err != nil {
		return err
	}

	if d.id.ExtCSD.HighSpeedSupported() {
		if err := d.switchHighSpeed(ctx); err != nil {
			return err
		}
	} else if err := d.setClock(d.config.DefaultFrequency); err != nil {
		return err
	}

	rate := d.config.DataRate
	if rate == hal.DDR && !d.id.ExtCSD.DDRSupported() {
		pkg.LogWarn(pkg.ComponentBus, "card lacks DDR52, using SDR")
		rate = hal.SDR
	}
	if err := d.SetBusMode(ctx, d.config.BusWidth, rate); err != nil {
		return err
	}

	// BUS_WIDTH and HS_TIMING changed
	return d.fetchExtCSD(ctx)
}

// powerUp polls SEND_OP_COND until the card leaves busy.
func (d *Driver) powerUp(ctx context.Context) error {
	for i := 0; i < d.config.OpCondRetries; i++ {
		if err := d.issue(ctx, command{cmdSendOpCond, opCondArgument, respR3}); err != nil {
			return err
		}
		ocr := d.response(0)
		if ocr&ocrVoltageWindow == 0 {
			return ErrVoltageRange
		}
		if ocr&ocrPowerUp != 0 {
			d.id.OCR = ocr
			d.highCapacity = ocr&ocrAccessMask == ocrSectorAccess
			pkg.LogDebug(pkg.ComponentCard, "powered up", "ocr", ocr, "polls", i+1)
			return nil
		}
		if err := ctx.Err(); err != nil {
			return ErrGeneric
		}
	}
	return ErrGeneric
}

// fetchExtCSD reads the 512-byte EXT_CSD register through the data path.
func (d *Driver) fetchExtCSD(ctx context.Context) error {
	buf := make([]byte, BlockSize)
	if err := d.transfer(ctx, hal.CardToHost, buf, command{cmdSendExtCSD, 0, respR1}, 1); err != nil {
		return err
	}
	copy(d.id.ExtCSD[:], buf)
	return nil
}
