package emmc

import (
	"context"

	"github.com/ardnew/softmmc/pkg"
)

// State is the card's operating state, bits 12:9 of the card status.
type State uint8

// Card states.
const (
	StateIdle State = iota
	StateReady
	StateIdent
	StateStandby
	StateTransfer
	StateData
	StateReceive
	StateProgram
	StateDisconnect
	StateBusTest
	StateSleep
)

var stateNames = [...]string{
	StateIdle:       "idle",
	StateReady:      "ready",
	StateIdent:      "ident",
	StateStandby:    "stby",
	StateTransfer:   "tran",
	StateData:       "data",
	StateReceive:    "rcv",
	StateProgram:    "prg",
	StateDisconnect: "dis",
	StateBusTest:    "btst",
	StateSleep:      "slp",
}

// String returns the JEDEC abbreviation of the state.
func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "reserved"
}

// CardState is the card status observed by the most recent status query.
type CardState struct {
	State        State
	Locked       bool
	ReadyForData bool
}

func decodeStatus(status uint32) CardState {
	return CardState{
		State:        State(status >> r1StateShift & r1StateMask),
		Locked:       status&r1CardIsLocked != 0,
		ReadyForData: status&r1ReadyForData != 0,
	}
}

// refreshState issues SEND_STATUS to the card at rca and caches the result.
func (d *Driver) refreshState(ctx context.Context, rca uint16) error {
	if err := d.issue(ctx, command{cmdSendStatus, uint32(rca) << 16, respR1}); err != nil {
		return err
	}
	d.state = decodeStatus(d.response(0))
	return nil
}

// CardState queries and returns the card status.
func (d *Driver) CardState(ctx context.Context) (CardState, error) {
	if d.rca == 0 {
		return CardState{}, ErrOperationImproper
	}
	if err := d.refreshState(ctx, d.rca); err != nil {
		return d.state, err
	}
	return d.state, nil
}

// waitState polls the card status until done accepts it. Exhausting the
// busy timeout yields ErrGeneric.
func (d *Driver) waitState(ctx context.Context, rca uint16, done func(CardState) bool) error {
	w := d.deadline(ctx, d.config.BusyTimeout)
	for {
		if err := d.refreshState(ctx, rca); err != nil {
			return err
		}
		if done(d.state) {
			return nil
		}
		if w.expired() {
			pkg.LogWarn(pkg.ComponentCard, "card busy", "state", d.state.State)
			return ErrGeneric
		}
	}
}

func notBusy(s CardState) bool {
	return s.State != StateProgram && s.State != StateReceive
}

// Select selects the card with the given relative address, or deselects
// all cards when rca is zero.
func (d *Driver) Select(ctx context.Context, rca uint16) error {
	if rca == 0 {
		if err := d.issue(ctx, command{cmdSelectCard, 0, respNone}); err != nil {
			return err
		}
		d.state.State = StateStandby
		return nil
	}

	if err := d.refreshState(ctx, rca); err != nil {
		return err
	}
	if d.state.Locked {
		return ErrLockedState
	}
	if err := d.issue(ctx, command{cmdSelectCard, uint32(rca) << 16, respR1b}); err != nil {
		return err
	}
	err := d.waitState(ctx, rca, func(s CardState) bool {
		return s.State == StateTransfer || s.State == StateProgram
	})
	if err != nil {
		return err
	}
	pkg.LogDebug(pkg.ComponentCard, "selected", "rca", rca, "state", d.state.State)
	return nil
}
