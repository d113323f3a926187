// Package emmc implements the command/response and data-transfer engine for
// an eMMC device attached to a memory-card host controller.
//
// A [Driver] takes the card from power-on through identification to the
// transfer state, negotiates timing and bus mode, and performs single- and
// multi-block reads and writes:
//
//	drv, err := emmc.New(host, emmc.Config{BusWidth: hal.BusWidth8})
//	if err != nil {
//	    return err
//	}
//	if err := drv.Init(ctx); err != nil {
//	    return err
//	}
//	buf := make([]byte, 4*emmc.BlockSize)
//	err = drv.Read(ctx, buf, lba, 4)
//
// # Errors
//
// Every operation returns nil or one [Error] value. Card-reported errors are
// decoded from the R1 card status by [ClassifyR1] in a fixed bit order;
// transport errors come from the host status flags; driver errors report
// invalid requests and exhausted waits. Errors are never retried
// internally.
//
// # Waits
//
// All waits are busy polls of the host status bounded by a deadline on the
// configured [Clock] and by the context passed to the operation.
//
// # Data paths
//
// [DataPathBulk] hands the caller's buffer to the host's
// [hal.BulkTransfer] engine and requires a buffer aligned to its
// granularity. [DataPathPolled] moves the FIFO word by word and accepts any
// buffer.
//
// A Driver is not safe for concurrent use. Package storage serializes
// concurrent consumers.
package emmc
