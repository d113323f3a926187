package hal

import (
	"context"
	"strings"

	"periph.io/x/conn/v3/physic"
)

// MaxDataLength is the largest byte count the data-length register holds
// (25 bits).
const MaxDataLength = 0x01FFFFFF

// FIFOBurst is the number of 32-bit words moved per half-full or half-empty
// FIFO event.
const FIFOBurst = 8

// ResponseShape selects how the host waits for and latches a command response.
type ResponseShape uint8

// Response shapes.
const (
	ResponseNone  ResponseShape = iota // no response, wait for command-sent
	ResponseShort                      // 32-bit response (R1, R1b, R3)
	ResponseLong                       // 128-bit response (R2)
)

// String returns the response shape name.
func (r ResponseShape) String() string {
	switch r {
	case ResponseNone:
		return "none"
	case ResponseShort:
		return "short"
	case ResponseLong:
		return "long"
	default:
		return "unknown"
	}
}

// Command is one command written to the command path of the host.
type Command struct {
	Index    uint8         // Command index (0-63)
	Argument uint32        // Command argument
	Response ResponseShape // Expected response shape
}

// Direction is the direction of a data transfer.
type Direction uint8

// Transfer directions.
const (
	CardToHost Direction = iota // read
	HostToCard                  // write
)

// String returns the direction name.
func (d Direction) String() string {
	if d == HostToCard {
		return "write"
	}
	return "read"
}

// DataConfig programs the data path ahead of a data command.
type DataConfig struct {
	Timeout   uint32    // Data timeout in bus clock periods
	Length    uint32    // Total byte count, at most MaxDataLength
	BlockSize uint32    // Block size in bytes
	Direction Direction // Transfer direction
}

// Blocks returns the number of blocks described by the configuration.
func (c DataConfig) Blocks() uint32 {
	if c.BlockSize == 0 {
		return 0
	}
	return c.Length / c.BlockSize
}

// Status is the host status register. Flags latch until cleared with
// [HostController.ClearStatus], except the FIFO and activity flags which
// track the live state of the hardware.
type Status uint32

// Status flags.
const (
	StatusCommandCRCFail  Status = 1 << iota // response received, CRC check failed
	StatusDataCRCFail                        // data block received or sent, CRC check failed
	StatusCommandTimeout                     // no response within the command timeout
	StatusDataTimeout                        // data timeout
	StatusTxUnderrun                         // transmit FIFO underrun
	StatusRxOverrun                          // receive FIFO overrun
	StatusCommandResponse                    // response received, CRC check passed
	StatusCommandSent                        // command sent, no response required
	StatusDataEnd                            // data counter reached zero
	StatusStartBitError                      // start bit not detected on all data lines
	StatusDataBlockEnd                       // data block sent or received, CRC check passed
	StatusCommandActive                      // command transfer in progress
	StatusTxActive                           // data transmit in progress
	StatusRxActive                           // data receive in progress
	StatusTxFIFOHalfEmpty                    // at least FIFOBurst words can be written
	StatusRxFIFOHalfFull                     // at least FIFOBurst words can be read
	StatusTxFIFOFull                         // transmit FIFO full
	StatusRxFIFOFull                         // receive FIFO full
	StatusTxFIFOEmpty                        // transmit FIFO empty
	StatusRxFIFOEmpty                        // receive FIFO empty
	StatusTxDataAvailable                    // data available in transmit FIFO
	StatusRxDataAvailable                    // data available in receive FIFO
)

// Static flag groups. These are the latched flags a consumer clears.
const (
	StaticCommandFlags = StatusCommandCRCFail | StatusCommandTimeout |
		StatusCommandResponse | StatusCommandSent

	StaticDataFlags = StatusDataCRCFail | StatusDataTimeout | StatusTxUnderrun |
		StatusRxOverrun | StatusDataEnd | StatusStartBitError | StatusDataBlockEnd

	StaticFlags = StaticCommandFlags | StaticDataFlags

	// DataErrorFlags are the data path flags that terminate a transfer early.
	DataErrorFlags = StatusDataCRCFail | StatusDataTimeout | StatusTxUnderrun |
		StatusRxOverrun | StatusStartBitError
)

var statusNames = [...]string{
	"CCRCFAIL", "DCRCFAIL", "CTIMEOUT", "DTIMEOUT", "TXUNDERR", "RXOVERR",
	"CMDREND", "CMDSENT", "DATAEND", "STBITERR", "DBCKEND", "CMDACT",
	"TXACT", "RXACT", "TXFIFOHE", "RXFIFOHF", "TXFIFOF", "RXFIFOF",
	"TXFIFOE", "RXFIFOE", "TXDAVL", "RXDAVL",
}

// Has reports whether any flag in mask is set.
func (s Status) Has(mask Status) bool {
	return s&mask != 0
}

// String returns the set flags joined by '|'.
func (s Status) String() string {
	if s == 0 {
		return "0"
	}
	var b strings.Builder
	for i, name := range statusNames {
		if s&(1<<i) == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('|')
		}
		b.WriteString(name)
	}
	return b.String()
}

// BusWidth is the number of data lines in use.
type BusWidth uint8

// Bus widths.
const (
	BusWidth1 BusWidth = 1
	BusWidth4 BusWidth = 4
	BusWidth8 BusWidth = 8
)

// DataRate selects single or double data rate signalling.
type DataRate uint8

// Data rates.
const (
	SDR DataRate = iota
	DDR
)

// String returns "SDR" or "DDR".
func (r DataRate) String() string {
	if r == DDR {
		return "DDR"
	}
	return "SDR"
}

// ClockEdge selects the bus clock edge on which the host drives data.
type ClockEdge uint8

// Clock edges.
const (
	EdgeRising ClockEdge = iota
	EdgeFalling
)

// RxClock selects the clock used to sample received data.
type RxClock uint8

// Receive clock sources.
const (
	RxClockInput    RxClock = iota // sample with the bus input clock
	RxClockFeedback                // sample with the fed-back bus clock
)

// DriveStrength selects the output driver strength of the bus pins.
type DriveStrength uint8

// Drive strengths.
const (
	DriveDefault DriveStrength = iota
	DriveHigh
)

// BusConfig is the electrical and timing configuration of the card bus.
type BusConfig struct {
	Width       BusWidth
	Rate        DataRate
	Edge        ClockEdge
	RxClock     RxClock
	Drive       DriveStrength
	Divider     uint16 // f = kernel / (2 * Divider); 0 bypasses the divider
	PowerSave   bool   // gate the bus clock when idle
	FlowControl bool   // hardware flow control
}

// HostController is the narrow register-level capability the eMMC driver
// programs against. Implementations wrap one memory-card host peripheral.
//
// Methods are not safe for concurrent use; the driver is the single owner.
type HostController interface {
	// PowerOn powers the card and enables the bus clock.
	PowerOn(ctx context.Context) error

	// PowerOff stops the bus clock and removes card power.
	PowerOff() error

	// KernelClock returns the frequency feeding the bus clock divider.
	KernelClock() physic.Frequency

	// SetBus applies a bus configuration.
	SetBus(cfg BusConfig) error

	// Bus returns the active bus configuration.
	Bus() BusConfig

	// SendCommand writes the argument and command registers, starting the
	// command path state machine.
	SendCommand(cmd Command)

	// ResponseCommand returns the command index echoed in the last response.
	ResponseCommand() uint8

	// Response returns response register i (0-3). Register 0 holds bits
	// [127:96] of a long response and the whole of a short response.
	Response(i int) uint32

	// ConfigureData programs the data timer, length and control registers.
	ConfigureData(cfg DataConfig)

	// ReadFIFO pops one word from the data FIFO.
	ReadFIFO() uint32

	// WriteFIFO pushes one word to the data FIFO.
	WriteFIFO(word uint32)

	// Status returns the status register.
	Status() Status

	// ClearStatus clears the given static flags.
	ClearStatus(mask Status)
}

// BulkTransfer is implemented by hosts with a descriptor-driven transfer
// engine that moves FIFO data to or from memory without CPU intervention.
type BulkTransfer interface {
	// Alignment returns the required buffer address alignment in bytes.
	Alignment() int

	// StartBulk arms the engine for one transfer into or out of buf.
	// The transfer runs once the data path is enabled.
	StartBulk(dir Direction, buf []byte) error

	// BulkFailed reports whether the engine aborted the transfer.
	BulkFailed() bool

	// StopBulk disarms the engine.
	StopBulk()
}
