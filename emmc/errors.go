package emmc

import (
	"github.com/ardnew/softmmc/emmc/hal"
	"github.com/ardnew/softmmc/pkg"
)

// Error is the closed set of failures the driver reports. A nil error
// means the operation fully completed.
type Error uint8

// Card-reported errors, decoded from the R1 card status.
const (
	ErrOutOfRange Error = iota + 1
	ErrAddress
	ErrBlockLength
	ErrEraseSequence
	ErrEraseParameter
	ErrWriteProtectViolation
	ErrCardLocked
	ErrLockUnlockFailed
	ErrIllegalCommand
	ErrCardECCFailed
	ErrController
	ErrGeneral
	ErrUnderrun
	ErrOverrun
	ErrCSDOverwrite
	ErrWriteProtectEraseSkip
	ErrEraseReset
	ErrSwitch
)

// Transport errors, raised by the host controller.
const (
	ErrCommandCRC Error = iota + 32
	ErrDataCRC
	ErrCommandTimeout
	ErrDataTimeout
	ErrTxUnderrun
	ErrRxOverrun
	ErrStartBit
)

// Driver errors.
const (
	ErrVoltageRange Error = iota + 64
	ErrParameterInvalid
	ErrOperationImproper
	ErrFunctionUnsupported
	ErrLockedState
	ErrGeneric
	ErrBulkTransfer
)

var errorText = map[Error]string{
	ErrOutOfRange:            "address out of range",
	ErrAddress:               "misaligned address",
	ErrBlockLength:           "invalid block length",
	ErrEraseSequence:         "erase sequence error",
	ErrEraseParameter:        "invalid erase group selection",
	ErrWriteProtectViolation: "write protect violation",
	ErrCardLocked:            "card locked",
	ErrLockUnlockFailed:      "lock/unlock failed",
	ErrIllegalCommand:        "illegal command",
	ErrCardECCFailed:         "card ECC failed",
	ErrController:            "card controller error",
	ErrGeneral:               "general card error",
	ErrUnderrun:              "card underrun",
	ErrOverrun:               "card overrun",
	ErrCSDOverwrite:          "CID/CSD overwrite",
	ErrWriteProtectEraseSkip: "write protected blocks skipped by erase",
	ErrEraseReset:            "erase sequence reset",
	ErrSwitch:                "switch error",
	ErrCommandCRC:            "command response CRC failed",
	ErrDataCRC:               "data CRC failed",
	ErrCommandTimeout:        "command response timeout",
	ErrDataTimeout:           "data timeout",
	ErrTxUnderrun:            "transmit FIFO underrun",
	ErrRxOverrun:             "receive FIFO overrun",
	ErrStartBit:              "start bit error",
	ErrVoltageRange:          "voltage range not supported",
	ErrParameterInvalid:      "invalid parameter",
	ErrOperationImproper:     "operation not valid in current state",
	ErrFunctionUnsupported:   "function not supported",
	ErrLockedState:           "card is locked",
	ErrGeneric:               "emmc error",
	ErrBulkTransfer:          "bulk transfer failed",
}

// Error implements the error interface.
func (e Error) Error() string {
	if s, ok := errorText[e]; ok {
		return "emmc: " + s
	}
	return "emmc: unknown error"
}

// Transport reports whether the error was raised by the host controller
// rather than the card or the driver.
func (e Error) Transport() bool {
	return e >= ErrCommandCRC && e <= ErrStartBit
}

// Result flattens the error for block consumers. It implements
// pkg.Resulter.
func (e Error) Result() pkg.DiskResult {
	switch e {
	case ErrWriteProtectViolation, ErrWriteProtectEraseSkip, ErrCardLocked, ErrLockedState:
		return pkg.ResultWriteProtected
	case ErrOutOfRange, ErrAddress, ErrBlockLength, ErrParameterInvalid:
		return pkg.ResultParameter
	case ErrOperationImproper:
		return pkg.ResultNotReady
	default:
		return pkg.ResultError
	}
}

// r1Errors lists the R1 error bits in the order they are checked. The
// first set bit decides the result.
var r1Errors = [...]struct {
	bit uint32
	err Error
}{
	{r1OutOfRange, ErrOutOfRange},
	{r1AddressError, ErrAddress},
	{r1BlockLenError, ErrBlockLength},
	{r1EraseSeqError, ErrEraseSequence},
	{r1EraseParam, ErrEraseParameter},
	{r1WPViolation, ErrWriteProtectViolation},
	{r1LockUnlockFailed, ErrLockUnlockFailed},
	{r1ComCRCError, ErrCommandCRC},
	{r1IllegalCommand, ErrIllegalCommand},
	{r1CardECCFailed, ErrCardECCFailed},
	{r1CCError, ErrController},
	{r1Error, ErrGeneral},
	{r1Underrun, ErrUnderrun},
	{r1Overrun, ErrOverrun},
	{r1CIDCSDOverwrite, ErrCSDOverwrite},
	{r1WPEraseSkip, ErrWriteProtectEraseSkip},
	{r1EraseReset, ErrEraseReset},
	{r1SwitchError, ErrSwitch},
}

// ClassifyR1 maps an R1 card status word to an error. It returns nil when
// no error bit is set. The card-locked bit is state, not an error, and is
// ignored here.
func ClassifyR1(status uint32) error {
	for _, e := range r1Errors {
		if status&e.bit != 0 {
			return e.err
		}
	}
	return nil
}

// classifyData maps data path flags to an error.
func classifyData(st hal.Status) error {
	switch {
	case st.Has(hal.StatusDataCRCFail):
		return ErrDataCRC
	case st.Has(hal.StatusDataTimeout):
		return ErrDataTimeout
	case st.Has(hal.StatusRxOverrun):
		return ErrRxOverrun
	case st.Has(hal.StatusTxUnderrun):
		return ErrTxUnderrun
	case st.Has(hal.StatusStartBitError):
		return ErrStartBit
	}
	return nil
}
