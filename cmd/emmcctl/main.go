// Command emmcctl drives a simulated eMMC card backed by a disk image.
//
// Every subcommand powers the card up, runs the full identification and
// bus negotiation sequence, performs its operation and shuts the card
// down again, so the image behaves like the medium of a real card.
//
// Usage:
//
//	emmcctl --image disk.img --size 64m info
//	emmcctl --image disk.img write 100 boot.bin
//	emmcctl --image disk.img read 100 8 -o out.bin
//	emmcctl --image disk.img verify 100 boot.bin
//	emmcctl --image disk.img erase 100 8
//	emmcctl --image disk.img scsi --count 64
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ardnew/softmmc/pkg"
	"github.com/ardnew/softmmc/pkg/prof"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := newRootCommand().ExecuteContext(ctx)
	prof.StopCPU() // PersistentPostRunE is skipped on failure
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "emmcctl",
		Short:         "Drive a simulated eMMC card backed by a disk image",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if opts.verbose {
				pkg.SetLogLevel(slog.LevelDebug)
			} else if opts.logLevel != "" {
				level, err := pkg.ParseLogLevel(opts.logLevel)
				if err != nil {
					return err
				}
				pkg.SetLogLevel(level)
			}
			if opts.jsonLog {
				pkg.SetLogFormat(pkg.LogFormatJSON)
			}
			if err := opts.validate(); err != nil {
				return err
			}
			if opts.cpuProfile != "" {
				return prof.StartCPU(opts.cpuProfile)
			}
			return nil
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if err := prof.StopCPU(); err != nil {
				return err
			}
			if opts.memProfile != "" {
				return prof.Write(prof.ProfileHeap, opts.memProfile)
			}
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.image, "image", "", "disk image backing the card (required)")
	flags.StringVar(&opts.size, "size", "", "create the image with this size, replacing any existing file (e.g. 512k, 64m, 1g)")
	flags.IntVar(&opts.width, "width", 4, "bus width to negotiate: 1, 4 or 8")
	flags.BoolVar(&opts.ddr, "ddr", false, "negotiate dual data rate")
	flags.BoolVar(&opts.polled, "polled", false, "move data through the FIFO instead of the bulk engine")
	flags.BoolVar(&opts.byteAddressing, "byte-addressing", false, "card reports byte access mode (images up to 2 GiB)")
	flags.IntVar(&opts.cache, "cache", 0, "sector cache slots (0 disables the cache)")
	flags.DurationVar(&opts.timeout, "timeout", 0, "per-request timeout (default 5s)")
	flags.BoolVar(&opts.readOnly, "read-only", false, "reject writes")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose (debug) logging")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn or error")
	flags.BoolVar(&opts.jsonLog, "json", false, "use JSON log format")
	flags.StringVar(&opts.cpuProfile, "cpuprofile", "", "write a CPU profile to this file")
	flags.StringVar(&opts.memProfile, "memprofile", "", "write a heap profile to this file on success")
	root.MarkPersistentFlagRequired("image")

	root.AddCommand(
		newInfoCommand(opts),
		newReadCommand(opts),
		newWriteCommand(opts),
		newEraseCommand(opts),
		newVerifyCommand(opts),
		newSCSICommand(opts),
	)
	return root
}
