package emmc

import (
	"context"
	"fmt"

	"periph.io/x/conn/v3/physic"

	"github.com/ardnew/softmmc/emmc/hal"
	"github.com/ardnew/softmmc/pkg"
)

// busModeArg returns the SWITCH argument writing BUS_WIDTH for the pair.
func busModeArg(width hal.BusWidth, rate hal.DataRate) (uint32, bool) {
	switch {
	case width == hal.BusWidth1 && rate == hal.SDR:
		return switchBusWidth1, true
	case width == hal.BusWidth4 && rate == hal.SDR:
		return switchBusWidth4, true
	case width == hal.BusWidth8 && rate == hal.SDR:
		return switchBusWidth8, true
	case width == hal.BusWidth4 && rate == hal.DDR:
		return switchBusWidth4DDR, true
	case width == hal.BusWidth8 && rate == hal.DDR:
		return switchBusWidth8DDR, true
	}
	return 0, false
}

// SetBusMode switches the card and the host to the given bus width and
// data rate. Only 1/SDR, 4/SDR, 8/SDR, 4/DDR and 8/DDR are valid.
func (d *Driver) SetBusMode(ctx context.Context, width hal.BusWidth, rate hal.DataRate) error {
	arg, ok := busModeArg(width, rate)
	if !ok {
		return ErrParameterInvalid
	}
	if d.rca == 0 {
		return ErrOperationImproper
	}

	if err := d.refreshState(ctx, d.rca); err != nil {
		return err
	}
	if d.state.Locked {
		return ErrLockedState
	}
	if err := d.issue(ctx, command{cmdSwitch, arg, respR1b}); err != nil {
		return err
	}

	prev := d.host.Bus()
	bus := prev
	bus.Width = width
	bus.Rate = rate
	bus.Drive = hal.DriveDefault
	bus.RxClock = hal.RxClockInput
	if width == hal.BusWidth8 || rate == hal.DDR {
		bus.Drive = hal.DriveHigh
		bus.RxClock = hal.RxClockFeedback
	}
	if rate == hal.DDR {
		bus.Edge = hal.EdgeRising
	}
	if err := d.host.SetBus(bus); err != nil {
		return fmt.Errorf("set host bus: %w", err)
	}
	d.host.ClearStatus(hal.StaticFlags)

	if err := d.waitState(ctx, d.rca, notBusy); err != nil {
		// the card kept its old BUS_WIDTH
		if rerr := d.host.SetBus(prev); rerr != nil {
			pkg.LogWarn(pkg.ComponentBus, "restore host bus failed", "error", rerr)
		}
		d.host.ClearStatus(hal.StaticFlags)
		return err
	}

	pkg.LogInfo(pkg.ComponentBus, "bus mode", "width", width, "rate", rate)
	return nil
}

// setClock reprograms the host divider for target.
func (d *Driver) setClock(target physic.Frequency) error {
	bus := d.host.Bus()
	bus.Divider = divider(d.host.KernelClock(), target)
	if err := d.host.SetBus(bus); err != nil {
		return fmt.Errorf("set host clock: %w", err)
	}
	pkg.LogDebug(pkg.ComponentBus, "bus clock",
		"target", target, "actual", busFrequency(d.host.KernelClock(), bus.Divider))
	return nil
}

// switchHighSpeed sets HS_TIMING and raises the bus clock.
func (d *Driver) switchHighSpeed(ctx context.Context) error {
	if err := d.issue(ctx, command{cmdSwitch, switchHighSpeed, respR1b}); err != nil {
		return err
	}
	if err := d.waitState(ctx, d.rca, notBusy); err != nil {
		return err
	}
	return d.setClock(d.config.HighSpeedFrequency)
}
