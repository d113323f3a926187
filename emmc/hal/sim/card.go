package sim

import (
	"encoding/binary"
	"sync"

	"github.com/ardnew/softmmc/emmc/hal"
	"github.com/ardnew/softmmc/pkg"
)

// BlockSize is the fixed data block size of the simulated card.
const BlockSize = 512

// State is the card state as reported in bits 12:9 of the card status.
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

// Card status bits the model raises.
const (
	statusOutOfRange     = 1 << 31
	statusAddressError   = 1 << 30
	statusEraseSeqError  = 1 << 28
	statusWPViolation    = 1 << 26
	statusCardLocked     = 1 << 25
	statusIllegalCommand = 1 << 22
	statusReadyForData   = 1 << 8
	statusSwitchError    = 1 << 7
)

// OCR bits.
const (
	ocrPowerUp      = 1 << 31
	ocrSectorAccess = 2 << 29
	ocrVoltage      = 0x00FF8080
)

// EXT_CSD byte offsets the model maintains.
const (
	extCSDSecCount       = 212
	extCSDHCEraseGrpSize = 224
	extCSDDeviceType     = 196
	extCSDStructure      = 194
	extCSDRev            = 192
	extCSDHSTiming       = 185
	extCSDBusWidth       = 183
	extCSDEraseGroupDef  = 175
)

// Device type bits advertised by default: HS26, HS52 and both DDR52 variants.
const DefaultDeviceType = 0x0F

// CardConfig describes the simulated card.
type CardConfig struct {
	// ByteAddressing makes the card report byte access mode in its OCR.
	// Byte-addressed cards are limited to 2 GiB.
	ByteAddressing bool

	// PowerUpPolls is the number of SEND_OP_COND polls answered with the
	// power-up bit clear. Default 2.
	PowerUpPolls int

	// BusyPolls is the number of SEND_STATUS polls a program cycle lasts.
	// Default 1.
	BusyPolls int

	// DeviceType is the EXT_CSD DEVICE_TYPE byte. Default DefaultDeviceType.
	DeviceType byte

	// Voltage is the OCR voltage window. Default 0x00FF8080.
	Voltage uint32

	// Serial is the product serial number in the CID.
	Serial uint32
}

// response is the card's answer to one command.
type response struct {
	words  [4]uint32
	silent bool // card did not answer
	noCRC  bool // R3 carries no CRC
}

// phase is the data phase that follows a data command.
type phase struct {
	dir    hal.Direction
	offset int64
	ext    bool  // EXT_CSD transfer
	limit  int64 // bytes the card will move, 0 for open-ended
	multi  bool
	fault  FaultKind
	index  uint8
}

// Card models an eMMC device behind the simulated host.
type Card struct {
	medium Medium
	config CardConfig

	state      State
	rca        uint16
	powerPolls int
	busy       int
	notReady   int    // SEND_STATUS replies with READY_FOR_DATA clear
	pending    uint32 // status bits reported with the next R1
	locked     bool
	readOnly   bool
	blockCount uint32 // SET_BLOCK_COUNT preset, 0 for open-ended
	eraseStart int64
	eraseEnd   int64

	cid    [4]uint32
	csd    [4]uint32
	extCSD [BlockSize]byte

	mutex sync.Mutex
}

// NewCard creates a card over medium.
func NewCard(medium Medium, config CardConfig) *Card {
	if config.PowerUpPolls == 0 {
		config.PowerUpPolls = 2
	}
	if config.BusyPolls == 0 {
		config.BusyPolls = 1
	}
	if config.DeviceType == 0 {
		config.DeviceType = DefaultDeviceType
	}
	if config.Voltage == 0 {
		config.Voltage = ocrVoltage
	}

	c := &Card{medium: medium, config: config}
	c.reset()
	c.buildRegisters()
	return c
}

func (c *Card) blocks() uint32 {
	return uint32(c.medium.Size() / BlockSize)
}

func (c *Card) buildRegisters() {
	blocks := c.blocks()

	setBits(&c.cid, 127, 120, 0xFE) // MID
	setBits(&c.cid, 113, 112, 0x1)  // CBX: BGA
	setBits(&c.cid, 111, 104, 0x4D) // OID
	for i, ch := range []byte("SOFTMC") {
		msb := 103 - i*8
		setBits(&c.cid, msb, msb-7, uint32(ch))
	}
	setBits(&c.cid, 55, 48, 0x10) // PRV 1.0
	setBits(&c.cid, 47, 16, c.config.Serial)
	setBits(&c.cid, 15, 12, 10) // MDT month
	setBits(&c.cid, 11, 8, 11)  // MDT year, 2013 + 11
	setBits(&c.cid, 0, 0, 1)

	setBits(&c.csd, 127, 126, 3) // version coded in EXT_CSD
	setBits(&c.csd, 125, 122, 4) // SPEC_VERS 4.x and later
	setBits(&c.csd, 119, 112, 0x27)
	setBits(&c.csd, 111, 104, 0x01)
	setBits(&c.csd, 103, 96, 0x32) // TRAN_SPEED 26 MHz
	setBits(&c.csd, 95, 84, 0x8F5)
	setBits(&c.csd, 83, 80, 9) // READ_BL_LEN 512
	setBits(&c.csd, 49, 47, 7) // C_SIZE_MULT 512
	setBits(&c.csd, 25, 22, 9) // WRITE_BL_LEN 512
	if c.config.ByteAddressing {
		setBits(&c.csd, 73, 62, blocks/512-1)
	} else {
		setBits(&c.csd, 73, 62, 0xFFF)
	}
	setBits(&c.csd, 0, 0, 1)

	secCount := blocks
	if c.config.ByteAddressing {
		secCount = 0
	}
	binary.LittleEndian.PutUint32(c.extCSD[extCSDSecCount:], secCount)
	c.extCSD[extCSDHCEraseGrpSize] = 1
	c.extCSD[extCSDDeviceType] = c.config.DeviceType
	c.extCSD[extCSDStructure] = 2
	c.extCSD[extCSDRev] = 8
	c.extCSD[504] = 1 // S_CMD_SET
}

// setBits stores v in bits [msb:lsb] of a 128-bit register whose word 0
// holds bits [127:96].
func setBits(reg *[4]uint32, msb, lsb int, v uint32) {
	for i := lsb; i <= msb; i++ {
		w := &reg[3-i/32]
		mask := uint32(1) << (i % 32)
		if v&(1<<(i-lsb)) != 0 {
			*w |= mask
		} else {
			*w &^= mask
		}
	}
}

// Medium returns the flash array behind the card.
func (c *Card) Medium() Medium {
	return c.medium
}

// State returns the current card state.
func (c *Card) State() State {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.state
}

// RCA returns the relative card address assigned by SET_RELATIVE_ADDR.
func (c *Card) RCA() uint16 {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.rca
}

// SetLocked locks or unlocks the card as a password lock would.
func (c *Card) SetLocked(locked bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.locked = locked
}

// SetReadOnly makes the card reject writes with a write-protect violation.
func (c *Card) SetReadOnly(readOnly bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.readOnly = readOnly
}

// HoldReadyForData clears READY_FOR_DATA in the next polls SEND_STATUS
// replies, whatever the state.
func (c *Card) HoldReadyForData(polls int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.notReady = polls
}

// SetBusyPolls changes how many SEND_STATUS polls later program cycles
// last. Values below 1 are raised to 1.
func (c *Card) SetBusyPolls(polls int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.config.BusyPolls = max(polls, 1)
}

// ExtCSD returns a copy of the EXT_CSD register.
func (c *Card) ExtCSD() [BlockSize]byte {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.extCSD
}

// powerCycle returns the card to its power-on state.
func (c *Card) powerCycle() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.reset()
	c.extCSD[extCSDHSTiming] = 0
	c.extCSD[extCSDBusWidth] = 0
}

func (c *Card) reset() {
	c.state = StateIdle
	c.rca = 0
	c.powerPolls = c.config.PowerUpPolls
	c.busy = 0
	c.notReady = 0
	c.pending = 0
	c.blockCount = 0
	c.eraseStart, c.eraseEnd = -1, -1
}

// status builds an R1 status word for state s and clears the reported
// error bits.
func (c *Card) status(s State) uint32 {
	st := c.pending | uint32(s)<<9
	if c.locked {
		st |= statusCardLocked
	}
	if s != StateProgram && s != StateReceive {
		st |= statusReadyForData
	}
	c.pending = 0
	return st
}

func (c *Card) r1(s State, extra uint32) response {
	return response{words: [4]uint32{c.status(s) | extra}}
}

func (c *Card) illegal() (response, *phase) {
	c.pending |= statusIllegalCommand
	return response{silent: true}, nil
}

// address converts a command argument to a byte offset.
func (c *Card) address(arg uint32) int64 {
	if c.config.ByteAddressing {
		return int64(arg)
	}
	return int64(arg) * BlockSize
}

// inRange reports whether n bytes from off fit the medium.
func (c *Card) inRange(off, n int64) bool {
	return off >= 0 && off+n <= c.medium.Size()
}

// execute runs one command against the card state machine.
func (c *Card) execute(cmd hal.Command) (response, *phase) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	prev := c.state
	addressed := uint16(cmd.Argument>>16) == c.rca

	switch cmd.Index {
	case 0: // GO_IDLE_STATE
		c.reset()
		return response{silent: true}, nil

	case 1: // SEND_OP_COND
		if prev != StateIdle && prev != StateReady {
			return c.illegal()
		}
		ocr := c.config.Voltage
		if !c.config.ByteAddressing {
			ocr |= ocrSectorAccess
		}
		if c.powerPolls > 0 {
			c.powerPolls--
			return response{words: [4]uint32{ocr}, noCRC: true}, nil
		}
		if cmd.Argument&c.config.Voltage == 0 {
			c.state = StateIdle
			return response{words: [4]uint32{ocr}, noCRC: true}, nil
		}
		c.state = StateReady
		return response{words: [4]uint32{ocr | ocrPowerUp}, noCRC: true}, nil

	case 2: // ALL_SEND_CID
		if prev != StateReady {
			return c.illegal()
		}
		c.state = StateIdent
		return response{words: c.cid}, nil

	case 3: // SET_RELATIVE_ADDR
		if prev != StateIdent || cmd.Argument>>16 == 0 {
			return c.illegal()
		}
		c.rca = uint16(cmd.Argument >> 16)
		c.state = StateStandby
		return c.r1(prev, 0), nil

	case 9: // SEND_CSD
		if prev != StateStandby || !addressed {
			return c.illegal()
		}
		return response{words: c.csd}, nil

	case 7: // SELECT/DESELECT_CARD
		if !addressed || cmd.Argument>>16 == 0 {
			switch prev {
			case StateTransfer, StateData:
				c.state = StateStandby
			case StateProgram:
				c.state = StateDisconnect
			}
			return response{silent: true}, nil
		}
		switch prev {
		case StateStandby:
			c.state = StateTransfer
		case StateDisconnect:
			c.state = StateProgram
		default:
			return c.illegal()
		}
		return c.r1(prev, 0), nil

	case 13: // SEND_STATUS
		if !addressed || prev <= StateIdent {
			return c.illegal()
		}
		resp := c.r1(prev, 0)
		if c.notReady > 0 {
			c.notReady--
			resp.words[0] &^= statusReadyForData
		}
		if prev == StateProgram {
			if c.busy--; c.busy <= 0 {
				c.state = StateTransfer
			}
		}
		return resp, nil

	case 6: // SWITCH
		if prev != StateTransfer || c.locked {
			return c.illegal()
		}
		// errors in the new value surface in the next status
		resp := c.r1(prev, 0)
		c.switchByte(cmd.Argument)
		c.state = StateProgram
		c.busy = c.config.BusyPolls
		return resp, nil

	case 8: // SEND_EXT_CSD
		if prev != StateTransfer {
			return c.illegal()
		}
		c.state = StateData
		return c.r1(prev, 0), &phase{dir: hal.CardToHost, ext: true, limit: BlockSize, index: cmd.Index}

	case 12: // STOP_TRANSMISSION
		switch prev {
		case StateData:
			c.state = StateTransfer
		case StateReceive:
			c.state = StateProgram
			c.busy = c.config.BusyPolls
		case StateTransfer:
			// transfer already ended, nothing to stop
		default:
			return c.illegal()
		}
		c.blockCount = 0
		return c.r1(prev, 0), nil

	case 23: // SET_BLOCK_COUNT
		if prev != StateTransfer {
			return c.illegal()
		}
		c.blockCount = cmd.Argument & 0xFFFF
		return c.r1(prev, 0), nil

	case 17, 18, 24, 25: // READ/WRITE_(MULTIPLE_)BLOCK
		return c.dataCommand(cmd, prev)

	case 35, 36: // ERASE_GROUP_START/END
		if prev != StateTransfer || c.locked {
			return c.illegal()
		}
		off := c.address(cmd.Argument)
		if !c.inRange(off, BlockSize) {
			return c.r1(prev, statusOutOfRange), nil
		}
		if cmd.Index == 35 {
			c.eraseStart = off
		} else {
			c.eraseEnd = off
		}
		return c.r1(prev, 0), nil

	case 38: // ERASE
		if prev != StateTransfer || c.locked {
			return c.illegal()
		}
		if c.eraseStart < 0 || c.eraseEnd < c.eraseStart {
			c.eraseStart, c.eraseEnd = -1, -1
			return c.r1(prev, statusEraseSeqError), nil
		}
		if c.readOnly {
			return c.r1(prev, statusWPViolation), nil
		}
		zero := make([]byte, BlockSize)
		for off := c.eraseStart; off <= c.eraseEnd; off += BlockSize {
			if _, err := c.medium.WriteAt(zero, off); err != nil {
				pkg.LogWarn(pkg.ComponentHAL, "erase failed", "offset", off, "error", err)
			}
		}
		c.eraseStart, c.eraseEnd = -1, -1
		c.state = StateProgram
		c.busy = c.config.BusyPolls
		return c.r1(prev, 0), nil
	}

	return c.illegal()
}

func (c *Card) dataCommand(cmd hal.Command, prev State) (response, *phase) {
	if prev != StateTransfer || c.locked {
		return c.illegal()
	}

	write := cmd.Index == 24 || cmd.Index == 25
	multi := cmd.Index == 18 || cmd.Index == 25

	var limit int64 = BlockSize
	if multi {
		limit = int64(c.blockCount) * BlockSize
	}
	c.blockCount = 0

	off := c.address(cmd.Argument)
	if !c.config.ByteAddressing && cmd.Argument >= c.blocks() {
		return c.r1(prev, statusOutOfRange), nil
	}
	if c.config.ByteAddressing && off%BlockSize != 0 {
		return c.r1(prev, statusAddressError), nil
	}
	if !c.inRange(off, max(limit, BlockSize)) {
		return c.r1(prev, statusOutOfRange), nil
	}
	if write && c.readOnly {
		return c.r1(prev, statusWPViolation), nil
	}

	p := &phase{offset: off, limit: limit, multi: multi, index: cmd.Index}
	if write {
		p.dir = hal.HostToCard
		c.state = StateReceive
	} else {
		p.dir = hal.CardToHost
		c.state = StateData
	}
	return c.r1(prev, 0), p
}

// switchByte applies a SWITCH write-byte access to EXT_CSD.
func (c *Card) switchByte(arg uint32) {
	access := arg >> 24 & 0x3
	index := arg >> 16 & 0xFF
	value := byte(arg >> 8)

	valid := access == 3
	switch index {
	case extCSDBusWidth:
		valid = valid && (value <= 2 || value == 5 || value == 6)
		if value >= 5 && c.config.DeviceType&0x0C == 0 {
			valid = false
		}
	case extCSDHSTiming:
		valid = valid && value <= 1
		if value == 1 && c.config.DeviceType&0x02 == 0 {
			valid = false
		}
	case extCSDEraseGroupDef:
		valid = valid && value <= 1
	default:
		valid = false
	}

	if !valid {
		c.pending |= statusSwitchError
		return
	}
	c.extCSD[index] = value
}

// readData fills p with the bytes the phase supplies starting at pos.
func (c *Card) readData(ph *phase, pos int64, p []byte) error {
	if ph.ext {
		c.mutex.Lock()
		copy(p, c.extCSD[pos:])
		c.mutex.Unlock()
		return nil
	}
	_, err := c.medium.ReadAt(p, ph.offset+pos)
	return err
}

// writeData commits host data to the medium.
func (c *Card) writeData(ph *phase, pos int64, p []byte) error {
	_, err := c.medium.WriteAt(p, ph.offset+pos)
	return err
}

// finish moves the card out of the data phase.
func (c *Card) finish(ph *phase, ok bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	switch {
	case !ok:
		if ph.multi && ph.dir == hal.CardToHost {
			return // still sending until STOP_TRANSMISSION
		}
		c.state = StateTransfer
	case ph.dir == hal.CardToHost:
		if !ph.multi || ph.limit > 0 {
			c.state = StateTransfer
		}
	default:
		if !ph.multi || ph.limit > 0 {
			c.state = StateProgram
			c.busy = c.config.BusyPolls
		}
	}
}
