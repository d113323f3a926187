package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ardnew/softmmc/emmc"
	"github.com/ardnew/softmmc/pkg"
)

// DefaultTimeout bounds each block request.
const DefaultTimeout = 5 * time.Second

// Config holds device settings. Zero fields take the defaults noted.
type Config struct {
	// Timeout bounds each request, including every chunk of it
	// (default DefaultTimeout).
	Timeout time.Duration

	// CacheSectors is the size of the single-sector read cache. Zero
	// disables the cache.
	CacheSectors int

	// CacheSeed drives cache slot placement.
	CacheSeed int64

	ReadOnly  bool // reject writes regardless of the card
	Removable bool // report removable media
}

// Device is a block device over an initialized eMMC driver. It serializes
// concurrent callers, splits large requests into chunks the driver accepts
// and remembers the outcome of the last request as a [pkg.DiskResult].
type Device struct {
	drv    *emmc.Driver
	config Config
	cache  *Cache

	blocks  uint64
	present bool
	last    pkg.DiskResult

	mutex sync.Mutex
}

// New creates a device over drv. The driver must already be initialized.
func New(drv *emmc.Driver, config Config) (*Device, error) {
	if drv == nil {
		return nil, fmt.Errorf("nil driver: %w", pkg.ErrInvalidParameter)
	}
	if !drv.Initialized() {
		return nil, fmt.Errorf("driver: %w", pkg.ErrNotReady)
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}

	d := &Device{
		drv:     drv,
		config:  config,
		blocks:  drv.Info().Blocks,
		present: true,
	}

	if config.CacheSectors > 0 {
		cache, err := NewCache(config.CacheSectors, emmc.BlockSize, d.loadSector, config.CacheSeed)
		if err != nil {
			return nil, err
		}
		d.cache = cache
	}

	pkg.LogInfo(pkg.ComponentStorage, "device ready",
		"blocks", d.blocks, "cache", config.CacheSectors, "readOnly", config.ReadOnly)
	return d, nil
}

// loadSector is the cache loader. ctx carries the request deadline.
func (d *Device) loadSector(ctx context.Context, sector uint64, buf []byte) error {
	return d.drv.Read(ctx, buf, uint32(sector), 1)
}

// expired marks err with pkg.ErrTimeout when the request deadline ran out.
func expired(ctx context.Context, err error) error {
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", pkg.ErrTimeout, err)
	}
	return err
}

// BlockSize returns the block size in bytes.
func (d *Device) BlockSize() uint32 {
	return emmc.BlockSize
}

// BlockCount returns the capacity in blocks.
func (d *Device) BlockCount() uint64 {
	return d.blocks
}

// Result returns the outcome of the most recent request.
func (d *Device) Result() pkg.DiskResult {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.last
}

// CacheStats returns the sector cache counters, clearing them when reset is
// true. It returns zero counters when the cache is disabled.
func (d *Device) CacheStats(reset bool) CacheStats {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if d.cache == nil {
		return CacheStats{}
	}
	return d.cache.Stats(reset)
}

// finish records the result of a request.
func (d *Device) finish(op string, lba uint64, count uint32, err error) error {
	d.last = pkg.ResultOf(err)
	if err != nil {
		pkg.LogWarn(pkg.ComponentStorage, op+" failed",
			"lba", lba, "count", count, "result", d.last, "error", err)
	}
	return err
}

// check validates a block range against the device.
func (d *Device) check(lba uint64, count uint32) error {
	if !d.present {
		return pkg.ErrNotReady
	}
	if count == 0 {
		return pkg.ErrInvalidParameter
	}
	if lba >= d.blocks || uint64(count) > d.blocks-lba {
		return fmt.Errorf("blocks %d+%d of %d: %w", lba, count, d.blocks, pkg.ErrOutOfRange)
	}
	return nil
}

// checkBuffer validates a data request against the device.
func (d *Device) checkBuffer(buf []byte, lba uint64, count uint32) error {
	if err := d.check(lba, count); err != nil {
		return err
	}
	if uint64(len(buf)) < uint64(count)*emmc.BlockSize {
		return pkg.ErrBufferTooSmall
	}
	return nil
}

// chunks calls fn for successive runs of at most emmc.MaxTransferBlocks
// blocks.
func chunks(lba uint64, count uint32, fn func(lba uint64, n uint32, off int) error) error {
	off := 0
	for count > 0 {
		n := min(count, emmc.MaxTransferBlocks)
		if err := fn(lba, n, off); err != nil {
			return err
		}
		lba += uint64(n)
		count -= n
		off += int(n) * emmc.BlockSize
	}
	return nil
}

// ReadBlocks reads count blocks starting at lba into buf.
func (d *Device) ReadBlocks(ctx context.Context, buf []byte, lba uint64, count uint32) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.finish("read", lba, count, d.read(ctx, buf, lba, count))
}

func (d *Device) read(ctx context.Context, buf []byte, lba uint64, count uint32) error {
	if err := d.checkBuffer(buf, lba, count); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	if count == 1 && d.cache != nil {
		page, err := d.cache.Load(ctx, lba)
		if err != nil {
			return expired(ctx, err)
		}
		copy(buf, page)
		return nil
	}

	return expired(ctx, chunks(lba, count, func(lba uint64, n uint32, off int) error {
		return d.drv.Read(ctx, buf[off:off+int(n)*emmc.BlockSize], uint32(lba), n)
	}))
}

// WriteBlocks writes count blocks from buf starting at lba.
func (d *Device) WriteBlocks(ctx context.Context, buf []byte, lba uint64, count uint32) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.finish("write", lba, count, d.write(ctx, buf, lba, count))
}

func (d *Device) write(ctx context.Context, buf []byte, lba uint64, count uint32) error {
	if err := d.checkBuffer(buf, lba, count); err != nil {
		return err
	}
	if d.config.ReadOnly {
		return pkg.ErrWriteProtected
	}

	ctx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()
	return expired(ctx, chunks(lba, count, func(lba uint64, n uint32, off int) error {
		data := buf[off : off+int(n)*emmc.BlockSize]
		err := d.drv.Write(ctx, data, uint32(lba), n)
		if d.cache != nil {
			for i := uint64(0); i < uint64(n); i++ {
				if err != nil {
					// the card may hold either version
					d.cache.Invalidate(lba + i)
					continue
				}
				d.cache.Update(lba+i, data[i*emmc.BlockSize:])
			}
		}
		return err
	}))
}

// EraseBlocks erases count blocks starting at lba.
func (d *Device) EraseBlocks(ctx context.Context, lba uint64, count uint32) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	err := d.check(lba, count)
	if err == nil && d.config.ReadOnly {
		err = pkg.ErrWriteProtected
	}
	if err == nil {
		ctx, cancel := context.WithTimeout(ctx, d.config.Timeout)
		defer cancel()
		err = expired(ctx, d.drv.Erase(ctx, uint32(lba), uint32(lba)+count-1))
		if d.cache != nil {
			for i := uint64(0); i < uint64(count); i++ {
				d.cache.Invalidate(lba + i)
			}
		}
	}
	return d.finish("erase", lba, count, err)
}

// Read implements the mass-storage backend interface.
func (d *Device) Read(lba uint64, blocks uint32, buf []byte) (uint32, error) {
	if err := d.ReadBlocks(context.Background(), buf, lba, blocks); err != nil {
		return 0, err
	}
	return blocks, nil
}

// Write implements the mass-storage backend interface.
func (d *Device) Write(lba uint64, blocks uint32, buf []byte) (uint32, error) {
	if err := d.WriteBlocks(context.Background(), buf, lba, blocks); err != nil {
		return 0, err
	}
	return blocks, nil
}

// Sync reports whether the device can accept requests. Writes are
// committed by the card before WriteBlocks returns.
func (d *Device) Sync() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	if !d.present {
		return pkg.ErrNotReady
	}
	return nil
}

// IsReadOnly reports whether writes are rejected.
func (d *Device) IsReadOnly() bool {
	return d.config.ReadOnly
}

// IsRemovable reports whether the media is removable.
func (d *Device) IsRemovable() bool {
	return d.config.Removable
}

// IsPresent reports whether the card is powered and usable.
func (d *Device) IsPresent() bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.present
}

// Eject shuts the card down. Further requests fail with pkg.ErrNotReady.
func (d *Device) Eject() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if !d.present {
		return nil
	}
	if d.cache != nil {
		d.cache.Reset()
	}
	d.present = false

	ctx, cancel := context.WithTimeout(context.Background(), d.config.Timeout)
	defer cancel()
	if err := d.drv.Shutdown(ctx); err != nil {
		return fmt.Errorf("eject: %w", err)
	}
	pkg.LogInfo(pkg.ComponentStorage, "ejected")
	return nil
}
