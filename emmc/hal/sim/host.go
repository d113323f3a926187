package sim

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"periph.io/x/conn/v3/physic"

	"github.com/ardnew/softmmc/emmc/hal"
	"github.com/ardnew/softmmc/pkg"
)

// Defaults for HostConfig.
const (
	DefaultKernelClock = 200 * physic.MegaHertz
	DefaultFIFODepth   = 32
	DefaultAlignment   = 4
)

// HostConfig describes the simulated controller.
type HostConfig struct {
	KernelClock physic.Frequency // bus clock divider input
	FIFODepth   int              // data FIFO depth in words
	Alignment   int              // bulk transfer buffer alignment in bytes
}

// Host simulates a memory-card host controller wired to one Card. It
// implements hal.HostController and hal.BulkTransfer.
//
// The data path advances one FIFO burst per Status call once the response
// of the data command has been consumed, so a consumer that stops polling
// stalls the transfer the same way a real controller with flow control
// would.
type Host struct {
	card   *Card
	config HostConfig

	powered bool
	bus     hal.BusConfig
	status  hal.Status

	respIndex uint8
	resp      [4]uint32

	data  hal.DataConfig
	phase *phase
	stage []byte // bytes of the current data phase
	moved int    // bytes moved between card and FIFO
	fifo  []uint32
	done  bool

	bulkArmed  bool
	bulkDir    hal.Direction
	bulkBuf    []byte
	bulkFailed bool

	faults   []Fault
	trace    []hal.Command
	accesses int

	mutex sync.Mutex
}

// NewHost creates a host controller wired to card.
func NewHost(card *Card, config HostConfig) *Host {
	if config.KernelClock == 0 {
		config.KernelClock = DefaultKernelClock
	}
	if config.FIFODepth < hal.FIFOBurst {
		config.FIFODepth = DefaultFIFODepth
	}
	if config.Alignment == 0 {
		config.Alignment = DefaultAlignment
	}
	return &Host{
		card:   card,
		config: config,
		fifo:   make([]uint32, 0, config.FIFODepth),
	}
}

// New creates a host wired to a fresh card over a memory medium of the
// given number of blocks.
func New(blocks uint32) (*Host, *MemoryMedium) {
	medium := NewMemoryMedium(blocks)
	return NewHost(NewCard(medium, CardConfig{}), HostConfig{}), medium
}

// Card returns the card wired to the host.
func (h *Host) Card() *Card {
	return h.card
}

// WithoutBulk returns the host with only the HostController method set
// exposed, as a controller lacking a bulk transfer engine.
func (h *Host) WithoutBulk() hal.HostController {
	return struct{ hal.HostController }{h}
}

// Inject queues a one-shot fault.
func (h *Host) Inject(f Fault) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.faults = append(h.faults, f)
}

// Commands returns a copy of every command sent since the last ResetTrace.
func (h *Host) Commands() []hal.Command {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return append([]hal.Command(nil), h.trace...)
}

// Count returns how many times the command with the given index was sent.
func (h *Host) Count(index uint8) int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	n := 0
	for _, cmd := range h.trace {
		if cmd.Index == index {
			n++
		}
	}
	return n
}

// Accesses returns the number of HostController calls since the last
// ResetTrace.
func (h *Host) Accesses() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.accesses
}

// ResetTrace clears the command trace and access counter.
func (h *Host) ResetTrace() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.trace = h.trace[:0]
	h.accesses = 0
}

// PowerOn implements hal.HostController.
func (h *Host) PowerOn(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.accesses++

	h.powered = true
	h.status = 0
	h.resetData()
	h.card.powerCycle()
	pkg.LogDebug(pkg.ComponentHAL, "power on", "divider", h.bus.Divider)
	return nil
}

// PowerOff implements hal.HostController.
func (h *Host) PowerOff() error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.accesses++

	h.powered = false
	h.resetData()
	pkg.LogDebug(pkg.ComponentHAL, "power off")
	return nil
}

// KernelClock implements hal.HostController.
func (h *Host) KernelClock() physic.Frequency {
	return h.config.KernelClock
}

// SetBus implements hal.HostController.
func (h *Host) SetBus(cfg hal.BusConfig) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.accesses++

	switch cfg.Width {
	case hal.BusWidth1, hal.BusWidth4, hal.BusWidth8:
	default:
		return fmt.Errorf("bus width %d: %w", cfg.Width, pkg.ErrInvalidParameter)
	}
	if cfg.Rate == hal.DDR && cfg.Width == hal.BusWidth1 {
		return fmt.Errorf("DDR on 1-bit bus: %w", pkg.ErrNotSupported)
	}
	h.bus = cfg
	return nil
}

// Bus implements hal.HostController.
func (h *Host) Bus() hal.BusConfig {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.accesses++
	return h.bus
}

// SendCommand implements hal.HostController.
func (h *Host) SendCommand(cmd hal.Command) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.accesses++
	h.trace = append(h.trace, cmd)

	if !h.powered {
		h.status |= hal.StatusCommandTimeout
		return
	}

	fault := h.takeFault(cmd.Index, false)
	switch fault.Kind {
	case FaultCommandHang:
		return
	case FaultCommandTimeout:
		h.status |= hal.StatusCommandTimeout
		return
	}

	if cmd.Index == 12 {
		h.resetData()
	}

	resp, ph := h.card.execute(cmd)
	if ph != nil {
		ph.fault = h.takeFault(cmd.Index, true).Kind
		h.startPhase(ph)
	}

	if cmd.Response == hal.ResponseNone {
		h.status |= hal.StatusCommandSent
		return
	}
	if resp.silent {
		h.status |= hal.StatusCommandTimeout
		return
	}

	h.resp = resp.words
	h.respIndex = cmd.Index
	if cmd.Response == hal.ResponseLong || resp.noCRC {
		h.respIndex = 0x3F
	}

	switch {
	case resp.noCRC, fault.Kind == FaultCommandCRC:
		h.status |= hal.StatusCommandCRCFail
	default:
		h.status |= hal.StatusCommandResponse
	}
	switch fault.Kind {
	case FaultIndexMismatch:
		h.respIndex ^= 0x01
	case FaultStatus:
		h.resp[0] |= fault.Status
	}
}

// ResponseCommand implements hal.HostController.
func (h *Host) ResponseCommand() uint8 {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.accesses++
	return h.respIndex
}

// Response implements hal.HostController.
func (h *Host) Response(i int) uint32 {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.accesses++
	return h.resp[i&3]
}

// ConfigureData implements hal.HostController.
func (h *Host) ConfigureData(cfg hal.DataConfig) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.accesses++
	h.resetData()
	h.data = cfg
}

// ReadFIFO implements hal.HostController.
func (h *Host) ReadFIFO() uint32 {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.accesses++
	if len(h.fifo) == 0 {
		return 0
	}
	w := h.fifo[0]
	h.fifo = append(h.fifo[:0], h.fifo[1:]...)
	return w
}

// WriteFIFO implements hal.HostController.
func (h *Host) WriteFIFO(word uint32) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.accesses++
	if len(h.fifo) < h.config.FIFODepth {
		h.fifo = append(h.fifo, word)
	}
}

// Status implements hal.HostController. Each call advances the data path.
func (h *Host) Status() hal.Status {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.accesses++
	h.step()
	return h.status | h.live()
}

// ClearStatus implements hal.HostController.
func (h *Host) ClearStatus(mask hal.Status) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.accesses++
	h.status &^= mask & hal.StaticFlags
}

// Alignment implements hal.BulkTransfer.
func (h *Host) Alignment() int {
	return h.config.Alignment
}

// StartBulk implements hal.BulkTransfer.
func (h *Host) StartBulk(dir hal.Direction, buf []byte) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.accesses++

	if len(buf) == 0 || len(buf)%4 != 0 {
		return fmt.Errorf("bulk buffer of %d bytes: %w", len(buf), pkg.ErrInvalidParameter)
	}
	h.bulkArmed = true
	h.bulkDir = dir
	h.bulkBuf = buf
	h.bulkFailed = false
	return nil
}

// BulkFailed implements hal.BulkTransfer.
func (h *Host) BulkFailed() bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.accesses++
	return h.bulkFailed
}

// StopBulk implements hal.BulkTransfer.
func (h *Host) StopBulk() {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.accesses++
	h.bulkArmed = false
	h.bulkBuf = nil
}

// takeFault removes and returns the first queued fault matching index.
func (h *Host) takeFault(index uint8, data bool) Fault {
	for i, f := range h.faults {
		if f.Kind.data() == data && f.matches(index) {
			h.faults = append(h.faults[:i], h.faults[i+1:]...)
			return f
		}
	}
	return Fault{}
}

func (h *Host) resetData() {
	h.phase = nil
	h.stage = nil
	h.moved = 0
	h.fifo = h.fifo[:0]
	h.done = false
}

func (h *Host) startPhase(ph *phase) {
	h.phase = ph
	h.stage = nil
	h.moved = 0
	h.fifo = h.fifo[:0]
	h.done = false
}

// live returns the flags that track the hardware rather than latch.
func (h *Host) live() hal.Status {
	var st hal.Status
	depth := h.config.FIFODepth
	n := len(h.fifo)

	active := h.phase != nil && !h.done
	read := h.phase == nil || h.phase.dir == hal.CardToHost

	if read {
		if active {
			st |= hal.StatusRxActive
		}
		if n >= hal.FIFOBurst {
			st |= hal.StatusRxFIFOHalfFull
		}
		if n == depth {
			st |= hal.StatusRxFIFOFull
		}
		if n == 0 {
			st |= hal.StatusRxFIFOEmpty
		} else {
			st |= hal.StatusRxDataAvailable
		}
		return st
	}

	if active {
		st |= hal.StatusTxActive
		if depth-n >= hal.FIFOBurst {
			st |= hal.StatusTxFIFOHalfEmpty
		}
	}
	if n == depth {
		st |= hal.StatusTxFIFOFull
	}
	if n == 0 {
		st |= hal.StatusTxFIFOEmpty
	} else {
		st |= hal.StatusTxDataAvailable
	}
	return st
}

// step advances the data phase by one burst.
func (h *Host) step() {
	ph := h.phase
	if ph == nil || h.done || h.data.Length == 0 {
		return
	}
	// data follows the response
	if h.status.Has(hal.StaticCommandFlags) {
		return
	}

	total := int(h.data.Length)
	if ph.limit > 0 && int64(total) > ph.limit {
		total = int(ph.limit)
	}

	if ph.fault != FaultNone && h.inject(ph) {
		return
	}

	if h.stage == nil {
		h.stage = make([]byte, total)
		if ph.dir == hal.CardToHost {
			if err := h.card.readData(ph, 0, h.stage); err != nil {
				pkg.LogDebug(pkg.ComponentHAL, "read beyond medium", "offset", ph.offset, "error", err)
				h.abort(hal.StatusDataTimeout)
				return
			}
		}
	}

	if h.bulkArmed {
		h.stepBulk(ph, total)
		return
	}

	if ph.dir == hal.CardToHost {
		for i := 0; i < hal.FIFOBurst && h.moved < total && len(h.fifo) < h.config.FIFODepth; i++ {
			h.fifo = append(h.fifo, binary.LittleEndian.Uint32(h.stage[h.moved:]))
			h.moved += 4
		}
	} else {
		for i := 0; i < hal.FIFOBurst && len(h.fifo) > 0 && h.moved < total; i++ {
			binary.LittleEndian.PutUint32(h.stage[h.moved:], h.fifo[0])
			h.fifo = append(h.fifo[:0], h.fifo[1:]...)
			h.moved += 4
		}
	}

	if h.moved >= total {
		h.complete(ph)
	}
}

func (h *Host) stepBulk(ph *phase, total int) {
	if h.bulkDir != ph.dir || len(h.bulkBuf) < total {
		h.bulkFailed = true
		return
	}
	if ph.dir == hal.CardToHost {
		copy(h.bulkBuf, h.stage)
	} else {
		copy(h.stage, h.bulkBuf[:total])
	}
	h.moved = total
	h.complete(ph)
}

func (h *Host) complete(ph *phase) {
	if ph.dir == hal.HostToCard {
		if err := h.card.writeData(ph, 0, h.stage); err != nil {
			pkg.LogDebug(pkg.ComponentHAL, "write beyond medium", "offset", ph.offset, "error", err)
			h.abort(hal.StatusDataTimeout)
			return
		}
	}
	h.done = true
	h.status |= hal.StatusDataEnd | hal.StatusDataBlockEnd
	h.card.finish(ph, true)
}

// inject applies the data fault of ph. It reports whether the phase ended.
func (h *Host) inject(ph *phase) bool {
	switch ph.fault {
	case FaultDataHang:
		return true
	case FaultBulk:
		if !h.bulkArmed {
			return false
		}
		h.bulkFailed = true
		h.done = true
		h.card.finish(ph, false)
		return true
	case FaultDataCRC:
		h.abort(hal.StatusDataCRCFail)
	case FaultDataTimeout:
		h.abort(hal.StatusDataTimeout)
	case FaultRxOverrun:
		h.abort(hal.StatusRxOverrun)
	case FaultTxUnderrun:
		h.abort(hal.StatusTxUnderrun)
	case FaultStartBit:
		h.abort(hal.StatusStartBitError)
	default:
		return false
	}
	return true
}

func (h *Host) abort(flag hal.Status) {
	h.status |= flag
	h.done = true
	h.fifo = h.fifo[:0]
	if h.phase != nil {
		h.card.finish(h.phase, false)
	}
}
