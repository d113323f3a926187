package msc

// Storage is the block medium behind the logical unit.
//
// Errors returned by Read, Write and Sync are turned into sense data
// through pkg.ResultOf: a parameter result becomes LBA OUT OF RANGE,
// write protection becomes DATA PROTECT, a missing card NOT READY, and
// anything else a MEDIUM ERROR.
type Storage interface {
	BlockSize() uint32
	BlockCount() uint64

	// Read fills buf with blocks starting at lba and reports how many
	// blocks were transferred. A short count always comes with an error.
	Read(lba uint64, blocks uint32, buf []byte) (uint32, error)
	// Write is the counterpart of Read.
	Write(lba uint64, blocks uint32, buf []byte) (uint32, error)
	// Sync makes prior writes durable (SYNCHRONIZE CACHE).
	Sync() error

	IsReadOnly() bool
	IsRemovable() bool
	// IsPresent reports false once the medium has been ejected.
	IsPresent() bool
	// Eject handles START STOP UNIT with LOEJ set.
	Eject() error
}
