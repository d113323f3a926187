package sim

// AnyCommand makes a Fault match the next eligible command.
const AnyCommand = 0xFF

// FaultKind selects what goes wrong.
type FaultKind uint8

// Command path faults.
const (
	FaultNone           FaultKind = iota
	FaultCommandCRC               // response latched with a CRC failure
	FaultCommandTimeout           // card never sees the command
	FaultCommandHang              // controller never raises a command flag
	FaultIndexMismatch            // response echoes the wrong command index
	FaultStatus                   // Fault.Status bits ORed into the R1 response
)

// Data path faults. They apply to the data phase of the matched command.
const (
	FaultDataCRC FaultKind = iota + 16
	FaultDataTimeout
	FaultRxOverrun
	FaultTxUnderrun
	FaultStartBit
	FaultDataHang // data path never raises a flag
	FaultBulk     // bulk engine aborts
)

// String returns the fault name.
func (k FaultKind) String() string {
	switch k {
	case FaultNone:
		return "none"
	case FaultCommandCRC:
		return "command crc"
	case FaultCommandTimeout:
		return "command timeout"
	case FaultCommandHang:
		return "command hang"
	case FaultIndexMismatch:
		return "index mismatch"
	case FaultStatus:
		return "status"
	case FaultDataCRC:
		return "data crc"
	case FaultDataTimeout:
		return "data timeout"
	case FaultRxOverrun:
		return "rx overrun"
	case FaultTxUnderrun:
		return "tx underrun"
	case FaultStartBit:
		return "start bit"
	case FaultDataHang:
		return "data hang"
	case FaultBulk:
		return "bulk"
	default:
		return "unknown"
	}
}

func (k FaultKind) data() bool {
	return k >= FaultDataCRC
}

// Fault is a one-shot failure injected into the simulated host. It fires on
// the first command whose index matches Command.
type Fault struct {
	Command uint8
	Kind    FaultKind
	Status  uint32 // FaultStatus only
}

func (f Fault) matches(index uint8) bool {
	return f.Command == AnyCommand || f.Command == index
}
