package emmc

import (
	"context"
	"fmt"
	"time"

	"periph.io/x/conn/v3/physic"

	"github.com/ardnew/softmmc/emmc/hal"
	"github.com/ardnew/softmmc/pkg"
)

// DataPath selects how data moves between the FIFO and memory.
type DataPath uint8

// Data paths.
const (
	DataPathBulk   DataPath = iota // descriptor-driven bulk transfer engine
	DataPathPolled                 // CPU drains and fills the FIFO
)

// String returns the data path name.
func (p DataPath) String() string {
	switch p {
	case DataPathBulk:
		return "bulk"
	case DataPathPolled:
		return "polled"
	default:
		return "unknown"
	}
}

// Default configuration values.
const (
	DefaultInitFrequency      = 400 * physic.KiloHertz
	DefaultDefaultFrequency   = 26 * physic.MegaHertz
	DefaultHighSpeedFrequency = 52 * physic.MegaHertz
	DefaultCommandTimeout     = 100 * time.Millisecond
	DefaultDataTimeout        = time.Second
	DefaultBusyTimeout        = 2 * time.Second
	DefaultOpCondRetries      = 0xFFFF
)

// Config holds driver settings. Zero fields take the defaults noted.
type Config struct {
	BusWidth hal.BusWidth // bus width negotiated by Init (default 4)
	DataRate hal.DataRate // data rate negotiated by Init (default SDR)
	DataPath DataPath     // data path strategy (default bulk)

	InitFrequency      physic.Frequency // identification clock (default 400 kHz)
	DefaultFrequency   physic.Frequency // backwards-compatible timing (default 26 MHz)
	HighSpeedFrequency physic.Frequency // HS_TIMING clock (default 52 MHz)

	CommandTimeout time.Duration // command response wait (default 100 ms)
	DataTimeout    time.Duration // data phase wait (default 1 s)
	BusyTimeout    time.Duration // program/busy wait (default 2 s)

	// OpCondRetries bounds SEND_OP_COND polling (default 0xFFFF).
	OpCondRetries int

	// RCA is the relative address assigned to the card (default 2).
	RCA uint16

	// Clock is the time source for every wait (default the system clock).
	Clock Clock
}

func (c *Config) setDefaults() {
	if c.BusWidth == 0 {
		c.BusWidth = hal.BusWidth4
	}
	if c.InitFrequency == 0 {
		c.InitFrequency = DefaultInitFrequency
	}
	if c.DefaultFrequency == 0 {
		c.DefaultFrequency = DefaultDefaultFrequency
	}
	if c.HighSpeedFrequency == 0 {
		c.HighSpeedFrequency = DefaultHighSpeedFrequency
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = DefaultCommandTimeout
	}
	if c.DataTimeout == 0 {
		c.DataTimeout = DefaultDataTimeout
	}
	if c.BusyTimeout == 0 {
		c.BusyTimeout = DefaultBusyTimeout
	}
	if c.OpCondRetries == 0 {
		c.OpCondRetries = DefaultOpCondRetries
	}
	if c.RCA == 0 {
		c.RCA = DefaultRCA
	}
	if c.Clock == nil {
		c.Clock = systemClock{}
	}
}

// Identity holds the card registers read during initialization.
type Identity struct {
	OCR    uint32
	CID    [4]uint32 // word 0 holds bits [127:96]
	CSD    [4]uint32 // word 0 holds bits [127:96]
	ExtCSD ExtCSD
}

// CardInfo summarizes the initialized card.
type CardInfo struct {
	Blocks       uint64
	BlockSize    uint32
	RCA          uint16
	HighCapacity bool // sector addressing
	BusWidth     hal.BusWidth
	DataRate     hal.DataRate
	Frequency    physic.Frequency
	CID          CID
}

// Driver runs the eMMC protocol over a host controller. A Driver is owned
// by a single goroutine; concurrent callers must serialize access.
type Driver struct {
	host   hal.HostController
	path   dataPath
	config Config
	clock  Clock

	id           Identity
	state        CardState
	rca          uint16
	highCapacity bool
	initialized  bool
}

// New creates a driver for host. Requesting the bulk data path on a host
// without a bulk transfer engine fails with ErrFunctionUnsupported.
func New(host hal.HostController, config Config) (*Driver, error) {
	if host == nil {
		return nil, fmt.Errorf("nil host: %w", pkg.ErrInvalidParameter)
	}
	config.setDefaults()

	switch config.BusWidth {
	case hal.BusWidth1, hal.BusWidth4, hal.BusWidth8:
	default:
		return nil, ErrParameterInvalid
	}

	var path dataPath
	switch config.DataPath {
	case DataPathBulk:
		engine, ok := host.(hal.BulkTransfer)
		if !ok {
			return nil, ErrFunctionUnsupported
		}
		path = bulkPath{engine: engine}
	case DataPathPolled:
		path = polledPath{}
	default:
		return nil, ErrParameterInvalid
	}

	return &Driver{
		host:   host,
		path:   path,
		config: config,
		clock:  config.Clock,
	}, nil
}

// Initialized reports whether Init completed.
func (d *Driver) Initialized() bool {
	return d.initialized
}

// Identity returns the card registers read by Init.
func (d *Driver) Identity() Identity {
	return d.id
}

// Info summarizes the card. It is only meaningful after Init.
func (d *Driver) Info() CardInfo {
	bus := d.host.Bus()
	info := CardInfo{
		BlockSize:    BlockSize,
		RCA:          d.rca,
		HighCapacity: d.highCapacity,
		BusWidth:     bus.Width,
		DataRate:     bus.Rate,
		Frequency:    busFrequency(d.host.KernelClock(), bus.Divider),
		CID:          DecodeCID(d.id.CID, d.id.ExtCSD.Revision()),
	}
	if d.highCapacity {
		info.Blocks = uint64(d.id.ExtCSD.SectorCount())
	} else {
		info.Blocks = DecodeCSD(d.id.CSD).Blocks()
	}
	return info
}

// Shutdown returns the card to idle and removes power. Init must run again
// before further use.
func (d *Driver) Shutdown(ctx context.Context) error {
	if d.initialized {
		if err := d.issue(ctx, command{cmdGoIdleState, 0, respNone}); err != nil {
			pkg.LogWarn(pkg.ComponentCard, "go idle failed", "error", err)
		}
	}
	d.initialized = false
	d.rca = 0
	d.state = CardState{}
	if err := d.host.PowerOff(); err != nil {
		return fmt.Errorf("power off: %w", err)
	}
	pkg.LogInfo(pkg.ComponentCard, "shutdown")
	return nil
}

// address converts a block address to the card's command argument.
func (d *Driver) address(block uint32) (uint32, error) {
	if d.highCapacity {
		return block, nil
	}
	if block >= 1<<23 {
		return 0, ErrParameterInvalid
	}
	return block * BlockSize, nil
}
