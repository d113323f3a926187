// Package storage exposes an initialized eMMC driver as a block device.
//
// A [Device] is safe for concurrent use. Requests of any length are split
// into runs the driver accepts, every request is bounded by a timeout and
// its outcome is available afterwards as a [pkg.DiskResult]:
//
//	dev, err := storage.New(drv, storage.Config{CacheSectors: 64})
//	if err != nil {
//	    return err
//	}
//	if err := dev.ReadBlocks(ctx, buf, lba, 8); err != nil {
//	    log.Print(dev.Result())
//	}
//
// Device also satisfies the backend interface of package msc.
package storage
