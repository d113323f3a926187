package emmc

// BlockSize is the fixed transfer block size.
const BlockSize = 512

// Command indices.
const (
	cmdGoIdleState      = 0
	cmdSendOpCond       = 1
	cmdAllSendCID       = 2
	cmdSetRelativeAddr  = 3
	cmdSwitch           = 6
	cmdSelectCard       = 7
	cmdSendExtCSD       = 8
	cmdSendCSD          = 9
	cmdStopTransmission = 12
	cmdSendStatus       = 13
	cmdReadSingleBlock  = 17
	cmdReadMultiBlock   = 18
	cmdSetBlockCount    = 23
	cmdWriteSingleBlock = 24
	cmdWriteMultiBlock  = 25
	cmdEraseGroupStart  = 35
	cmdEraseGroupEnd    = 36
	cmdErase            = 38
)

// Card status (R1) bits.
const (
	r1OutOfRange       = 1 << 31
	r1AddressError     = 1 << 30
	r1BlockLenError    = 1 << 29
	r1EraseSeqError    = 1 << 28
	r1EraseParam       = 1 << 27
	r1WPViolation      = 1 << 26
	r1CardIsLocked     = 1 << 25
	r1LockUnlockFailed = 1 << 24
	r1ComCRCError      = 1 << 23
	r1IllegalCommand   = 1 << 22
	r1CardECCFailed    = 1 << 21
	r1CCError          = 1 << 20
	r1Error            = 1 << 19
	r1Underrun         = 1 << 18
	r1Overrun          = 1 << 17
	r1CIDCSDOverwrite  = 1 << 16
	r1WPEraseSkip      = 1 << 15
	r1EraseReset       = 1 << 13
	r1ReadyForData     = 1 << 8
	r1SwitchError      = 1 << 7
	r1StateShift       = 9
	r1StateMask        = 0xF
)

// Operating conditions register.
const (
	opCondArgument   = 0xC0FF8080 // sector mode, 1.70-1.95 V and 2.7-3.6 V
	ocrPowerUp       = 1 << 31
	ocrAccessMask    = 3 << 29
	ocrSectorAccess  = 2 << 29
	ocrVoltageWindow = 0x00FF8080
)

// DefaultRCA is the relative card address assigned during identification.
const DefaultRCA = 2

// SWITCH arguments: write-byte access to EXT_CSD.
const (
	switchBusWidth1    = 0x03B70000
	switchBusWidth4    = 0x03B70100
	switchBusWidth8    = 0x03B70200
	switchBusWidth4DDR = 0x03B70500
	switchBusWidth8DDR = 0x03B70600
	switchHighSpeed    = 0x03B90100
)

// EXT_CSD byte offsets.
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

// EXT_CSD DEVICE_TYPE bits.
const (
	deviceTypeHS26    = 1 << 0
	deviceTypeHS52    = 1 << 1
	deviceTypeDDR52   = 1 << 2 // 1.8 V or 3 V I/O
	deviceTypeDDR52LV = 1 << 3 // 1.2 V I/O
)
