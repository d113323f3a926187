package emmc

import (
	"context"

	"github.com/ardnew/softmmc/emmc/hal"
	"github.com/ardnew/softmmc/pkg"
)

// responseType is the response a command expects.
type responseType uint8

const (
	respNone responseType = iota
	respR1
	respR1b // R1 with busy on DAT0
	respR2
	respR3
)

func (r responseType) shape() hal.ResponseShape {
	switch r {
	case respNone:
		return hal.ResponseNone
	case respR2:
		return hal.ResponseLong
	default:
		return hal.ResponseShort
	}
}

// hasStatus reports whether the response carries an R1 card status.
func (r responseType) hasStatus() bool {
	return r == respR1 || r == respR1b
}

// command is a single command descriptor.
type command struct {
	index uint8
	arg   uint32
	resp  responseType
}

// issue sends cmd and waits for the command path to finish. Static command
// flags are consumed before it returns. For R1 and R1b responses the
// echoed index is checked and the card status classified.
func (d *Driver) issue(ctx context.Context, cmd command) error {
	pkg.LogDebug(pkg.ComponentCommand, "send", "cmd", cmd.index, "arg", cmd.arg)

	d.host.SendCommand(hal.Command{
		Index:    cmd.index,
		Argument: cmd.arg,
		Response: cmd.resp.shape(),
	})

	w := d.deadline(ctx, d.config.CommandTimeout)

	if cmd.resp == respNone {
		_, ok := d.waitStatus(w, hal.StatusCommandSent)
		d.host.ClearStatus(hal.StaticCommandFlags)
		if !ok {
			return d.commandFailed(cmd, ErrCommandTimeout)
		}
		return nil
	}

	st, ok := d.waitStatus(w, hal.StatusCommandCRCFail|hal.StatusCommandTimeout|hal.StatusCommandResponse)
	switch {
	case !ok:
		d.host.ClearStatus(hal.StaticCommandFlags)
		return d.commandFailed(cmd, ErrCommandTimeout)
	case st.Has(hal.StatusCommandTimeout):
		d.host.ClearStatus(hal.StatusCommandTimeout)
		return d.commandFailed(cmd, ErrCommandTimeout)
	case st.Has(hal.StatusCommandCRCFail) && cmd.resp != respR3:
		d.host.ClearStatus(hal.StatusCommandCRCFail)
		return d.commandFailed(cmd, ErrCommandCRC)
	}

	d.host.ClearStatus(hal.StaticCommandFlags)

	if !cmd.resp.hasStatus() {
		return nil
	}
	if echoed := d.host.ResponseCommand(); echoed != cmd.index {
		pkg.LogDebug(pkg.ComponentCommand, "response index mismatch", "cmd", cmd.index, "echoed", echoed)
		return ErrIllegalCommand
	}
	status := d.host.Response(0)
	if err := ClassifyR1(status); err != nil {
		pkg.LogDebug(pkg.ComponentCommand, "card status error", "cmd", cmd.index, "status", status, "error", err)
		return err
	}
	return nil
}

func (d *Driver) commandFailed(cmd command, err error) error {
	pkg.LogDebug(pkg.ComponentCommand, "command failed", "cmd", cmd.index, "error", err)
	return err
}

// response returns response word i of the last command.
func (d *Driver) response(i int) uint32 {
	return d.host.Response(i)
}

// longResponse returns the four words of the last R2 response, bits
// [127:96] first.
func (d *Driver) longResponse() [4]uint32 {
	return [4]uint32{d.response(0), d.response(1), d.response(2), d.response(3)}
}
