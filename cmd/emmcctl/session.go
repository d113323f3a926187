package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ardnew/softmmc/emmc"
	"github.com/ardnew/softmmc/emmc/hal"
	"github.com/ardnew/softmmc/emmc/hal/sim"
	"github.com/ardnew/softmmc/pkg"
	"github.com/ardnew/softmmc/storage"
)

const component = pkg.ComponentStorage

// options holds the persistent flags.
type options struct {
	image          string
	size           string
	width          int
	ddr            bool
	polled         bool
	byteAddressing bool
	cache          int
	timeout        time.Duration
	readOnly       bool
	verbose        bool
	logLevel       string
	jsonLog        bool
	cpuProfile     string
	memProfile     string
}

func (o *options) validate() error {
	switch o.width {
	case 1, 4, 8:
	default:
		return fmt.Errorf("--width %d: must be 1, 4 or 8", o.width)
	}
	if o.cache < 0 {
		return fmt.Errorf("--cache %d: must not be negative", o.cache)
	}
	return nil
}

func (o *options) driverConfig() emmc.Config {
	config := emmc.Config{BusWidth: hal.BusWidth(o.width)}
	if o.ddr {
		config.DataRate = hal.DDR
	}
	if o.polled {
		config.DataPath = emmc.DataPathPolled
	}
	return config
}

// session is one powered-up card over the image.
type session struct {
	medium *sim.FileMedium
	host   *sim.Host
	drv    *emmc.Driver
	dev    *storage.Device
}

// openSession opens (or creates) the image and brings the card up.
func openSession(ctx context.Context, o *options) (*session, error) {
	medium, err := openMedium(o)
	if err != nil {
		return nil, err
	}

	card := sim.NewCard(medium, sim.CardConfig{ByteAddressing: o.byteAddressing})
	host := sim.NewHost(card, sim.HostConfig{})

	drv, err := emmc.New(host, o.driverConfig())
	if err != nil {
		medium.Close()
		return nil, err
	}
	if err := drv.Init(ctx); err != nil {
		medium.Close()
		return nil, fmt.Errorf("initialize card: %w", err)
	}

	dev, err := storage.New(drv, storage.Config{
		Timeout:      o.timeout,
		CacheSectors: o.cache,
		ReadOnly:     o.readOnly,
		Removable:    true,
	})
	if err != nil {
		drv.Shutdown(ctx)
		medium.Close()
		return nil, err
	}

	pkg.LogDebug(component, "session open",
		"image", o.image,
		"blocks", dev.BlockCount())
	return &session{medium: medium, host: host, drv: drv, dev: dev}, nil
}

func openMedium(o *options) (*sim.FileMedium, error) {
	if o.size == "" {
		medium, err := sim.OpenFileMedium(o.image)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s does not exist; pass --size to create it", o.image)
		}
		return medium, err
	}

	size, err := parseSize(o.size)
	if err != nil {
		return nil, fmt.Errorf("--size: %w", err)
	}
	blocks := size / sim.BlockSize
	if blocks == 0 || blocks > 0xFFFFFFFF {
		return nil, fmt.Errorf("--size %s: %w", o.size, pkg.ErrInvalidParameter)
	}
	pkg.LogInfo(component, "creating image",
		"image", o.image,
		"blocks", blocks)
	return sim.CreateFileMedium(o.image, uint32(blocks))
}

// Close ejects the card and closes the image.
func (s *session) Close() error {
	err := s.dev.Eject()
	if cerr := s.medium.Close(); err == nil {
		err = cerr
	}
	return err
}

// parseSize parses a byte count with an optional k, m or g suffix.
func parseSize(s string) (int64, error) {
	ss := strings.TrimSpace(strings.ToLower(s))
	mult := int64(1)
	switch {
	case strings.HasSuffix(ss, "k"):
		mult = 1024
	case strings.HasSuffix(ss, "m"):
		mult = 1024 * 1024
	case strings.HasSuffix(ss, "g"):
		mult = 1024 * 1024 * 1024
	}
	if mult > 1 {
		ss = ss[:len(ss)-1]
	}
	v, err := strconv.ParseInt(ss, 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return v * mult, nil
}

// parseBlock parses a block address or count argument.
func parseBlock(name, s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("%s %q: %w", name, s, pkg.ErrInvalidParameter)
	}
	return uint32(v), nil
}

// readImageFile reads a file padded with zeros to whole blocks.
func readImageFile(path string) ([]byte, uint32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	if len(data) == 0 {
		return nil, 0, fmt.Errorf("%s is empty", path)
	}
	blocks := (len(data) + emmc.BlockSize - 1) / emmc.BlockSize
	padded := make([]byte, blocks*emmc.BlockSize)
	copy(padded, data)
	return padded, uint32(blocks), nil
}
