package emmc

import (
	"context"
	"math"
	"time"

	"periph.io/x/conn/v3/physic"

	"github.com/ardnew/softmmc/emmc/hal"
)

// Clock is the monotonic time source bounding every wait.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// maxDivider is the largest value of the 10-bit clock divider field.
const maxDivider = 0x3FF

// divider returns the smallest divider whose bus clock does not exceed
// target. Zero selects the undivided kernel clock.
func divider(kernel, target physic.Frequency) uint16 {
	if target <= 0 || kernel <= target {
		return 0
	}
	div := (kernel + 2*target - 1) / (2 * target)
	if div > maxDivider {
		div = maxDivider
	}
	return uint16(div)
}

// busFrequency returns the bus clock produced by div.
func busFrequency(kernel physic.Frequency, div uint16) physic.Frequency {
	if div == 0 {
		return kernel
	}
	return kernel / physic.Frequency(2*uint32(div))
}

// deadline bounds a busy wait by both a duration on the driver clock and
// a context.
type deadline struct {
	ctx   context.Context
	clock Clock
	until time.Time
}

func (d *Driver) deadline(ctx context.Context, timeout time.Duration) deadline {
	return deadline{ctx: ctx, clock: d.clock, until: d.clock.Now().Add(timeout)}
}

// expired reports whether the wait must give up.
func (w deadline) expired() bool {
	if w.ctx.Err() != nil {
		return true
	}
	return !w.clock.Now().Before(w.until)
}

// waitStatus polls the host status until a flag in mask is set. It returns
// the last status read and whether a flag was observed.
func (d *Driver) waitStatus(w deadline, mask hal.Status) (hal.Status, bool) {
	for {
		st := d.host.Status()
		if st.Has(mask) {
			return st, true
		}
		if w.expired() {
			return st, false
		}
	}
}

// dataTimeout converts the configured data timeout to bus clock periods for
// the data timer register.
func (d *Driver) dataTimeout() uint32 {
	bus := d.host.Bus()
	hz := int64(busFrequency(d.host.KernelClock(), bus.Divider) / physic.Hertz)
	periods := hz * int64(d.config.DataTimeout/time.Millisecond) / 1000
	if periods > math.MaxUint32 || periods < 0 {
		return math.MaxUint32
	}
	return uint32(periods)
}
