package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ardnew/softmmc/class/msc"
	"github.com/ardnew/softmmc/emmc"
)

// withSession runs fn against a freshly initialized card and always shuts
// it down afterwards.
func withSession(cmd *cobra.Command, o *options, fn func(ctx context.Context, s *session) error) (err error) {
	ctx := cmd.Context()
	s, err := openSession(ctx, o)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(ctx, s)
}

func newInfoCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Initialize the card and print its identity and bus mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withSession(cmd, o, func(ctx context.Context, s *session) error {
				info := s.drv.Info()
				id := s.drv.Identity()
				state, err := s.drv.CardState(ctx)
				if err != nil {
					return err
				}

				addressing := "byte"
				if info.HighCapacity {
					addressing = "sector"
				}

				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintf(w, "image:\t%s\n", o.image)
				fmt.Fprintf(w, "capacity:\t%d blocks (%s)\n", info.Blocks, human(info.Blocks*uint64(info.BlockSize)))
				fmt.Fprintf(w, "block size:\t%d\n", info.BlockSize)
				fmt.Fprintf(w, "addressing:\t%s\n", addressing)
				fmt.Fprintf(w, "bus:\t%d-bit %v at %v\n", info.BusWidth, info.DataRate, info.Frequency)
				fmt.Fprintf(w, "rca:\t0x%04X\n", info.RCA)
				fmt.Fprintf(w, "state:\t%v\n", state.State)
				fmt.Fprintf(w, "product:\t%s rev %d.%d\n", info.CID.ProductName,
					info.CID.ProductRevision>>4, info.CID.ProductRevision&0x0F)
				fmt.Fprintf(w, "manufacturer:\t0x%02X oem 0x%02X\n", info.CID.ManufacturerID, info.CID.OEMID)
				fmt.Fprintf(w, "serial:\t0x%08X\n", info.CID.SerialNumber)
				fmt.Fprintf(w, "manufactured:\t%04d-%02d\n", info.CID.ManufactureYear, info.CID.ManufactureMonth)
				fmt.Fprintf(w, "ext_csd rev:\t%d\n", id.ExtCSD.Revision())
				fmt.Fprintf(w, "ocr:\t0x%08X\n", id.OCR)
				fmt.Fprintf(w, "commands:\t%d\n", len(s.host.Commands()))
				return w.Flush()
			})
		},
	}
}

func newReadCommand(o *options) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "read LBA COUNT",
		Short: "Read blocks to a file or as a hex dump",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			lba, err := parseBlock("LBA", args[0])
			if err != nil {
				return err
			}
			count, err := parseBlock("COUNT", args[1])
			if err != nil {
				return err
			}
			return withSession(cmd, o, func(ctx context.Context, s *session) error {
				buf := make([]byte, int(count)*emmc.BlockSize)
				if err := s.dev.ReadBlocks(ctx, buf, uint64(lba), count); err != nil {
					return fmt.Errorf("read: %w (%v)", err, s.dev.Result())
				}
				if out != "" {
					return os.WriteFile(out, buf, 0o644)
				}
				dump := hex.Dumper(cmd.OutOrStdout())
				if _, err := dump.Write(buf); err != nil {
					return err
				}
				return dump.Close()
			})
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "write the blocks to this file")
	return cmd
}

func newWriteCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "write LBA FILE",
		Short: "Write a file to consecutive blocks, zero-padding the last one",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			lba, err := parseBlock("LBA", args[0])
			if err != nil {
				return err
			}
			data, count, err := readImageFile(args[1])
			if err != nil {
				return err
			}
			return withSession(cmd, o, func(ctx context.Context, s *session) error {
				if err := s.dev.WriteBlocks(ctx, data, uint64(lba), count); err != nil {
					return fmt.Errorf("write: %w (%v)", err, s.dev.Result())
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %d blocks at %d\n", count, lba)
				return nil
			})
		},
	}
}

func newEraseCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "erase LBA COUNT",
		Short: "Erase a range of blocks",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			lba, err := parseBlock("LBA", args[0])
			if err != nil {
				return err
			}
			count, err := parseBlock("COUNT", args[1])
			if err != nil {
				return err
			}
			return withSession(cmd, o, func(ctx context.Context, s *session) error {
				if err := s.dev.EraseBlocks(ctx, uint64(lba), count); err != nil {
					return fmt.Errorf("erase: %w (%v)", err, s.dev.Result())
				}
				fmt.Fprintf(cmd.OutOrStdout(), "erased %d blocks at %d\n", count, lba)
				return nil
			})
		},
	}
}

func newVerifyCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "verify LBA FILE",
		Short: "Compare blocks against a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			lba, err := parseBlock("LBA", args[0])
			if err != nil {
				return err
			}
			want, count, err := readImageFile(args[1])
			if err != nil {
				return err
			}
			return withSession(cmd, o, func(ctx context.Context, s *session) error {
				got := make([]byte, len(want))
				if err := s.dev.ReadBlocks(ctx, got, uint64(lba), count); err != nil {
					return fmt.Errorf("read: %w (%v)", err, s.dev.Result())
				}
				for i := uint32(0); i < count; i++ {
					off := int(i) * emmc.BlockSize
					if !bytes.Equal(got[off:off+emmc.BlockSize], want[off:off+emmc.BlockSize]) {
						return fmt.Errorf("block %d differs from %s", lba+i, args[1])
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "verified %d blocks at %d\n", count, lba)
				return nil
			})
		},
	}
}

func newSCSICommand(o *options) *cobra.Command {
	var (
		lba, count uint32
		file       string
	)
	cmd := &cobra.Command{
		Use:   "scsi",
		Short: "Exercise the card through the USB mass-storage SCSI command set",
		Long: "Serve the card as a Bulk-Only Transport logical unit over an in-memory\n" +
			"pipe and drive it as an initiator: INQUIRY, READ CAPACITY, TEST UNIT\n" +
			"READY and VERIFY of a block range, optionally writing a file first.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var data []byte
			if file != "" {
				var err error
				if data, count, err = readImageFile(file); err != nil {
					return err
				}
			}
			return withSession(cmd, o, func(ctx context.Context, s *session) error {
				return runSCSI(ctx, cmd.OutOrStdout(), s, lba, count, data)
			})
		},
	}
	cmd.Flags().Uint32Var(&lba, "lba", 0, "first block of the verified range")
	cmd.Flags().Uint32Var(&count, "count", 8, "blocks to verify")
	cmd.Flags().StringVar(&file, "file", "", "write this file at --lba and verify it byte for byte")
	return cmd
}

// scsiChunk is the block count of each READ/WRITE/VERIFY (10) issued.
const scsiChunk = 128

func runSCSI(ctx context.Context, w io.Writer, s *session, lba, count uint32, data []byte) error {
	device, host := msc.NewPipe()
	unit, err := msc.New(s.dev, device, msc.Config{VendorID: "SoftMMC", ProductID: "eMMC Card"})
	if err != nil {
		return err
	}

	// the unit must be stopped before the session ejects the card
	done := make(chan struct{})
	go func() {
		defer close(done)
		unit.Run(ctx)
	}()
	defer func() {
		device.Close()
		<-done
	}()

	ini := msc.NewInitiator(host, 0)
	inq, err := ini.Inquiry(ctx)
	if err != nil {
		return fmt.Errorf("INQUIRY: %w", err)
	}
	fmt.Fprintf(w, "inquiry: %s %s %s removable=%v\n", inq.Vendor(), inq.Product(), inq.Revision(), inq.Removable)

	if err := ini.TestUnitReady(ctx); err != nil {
		return fmt.Errorf("TEST UNIT READY: %w", err)
	}
	capacity, err := ini.ReadCapacity(ctx)
	if err != nil {
		return fmt.Errorf("READ CAPACITY: %w", err)
	}
	fmt.Fprintf(w, "capacity: %d blocks of %d bytes\n", capacity.Blocks(), capacity.BlockLength)

	for done := uint32(0); done < count; {
		n := min(count-done, scsiChunk)
		var chunk []byte
		if data != nil {
			chunk = data[int(done)*emmc.BlockSize : int(done+n)*emmc.BlockSize]
			if err := ini.Write10(ctx, lba+done, uint16(n), chunk); err != nil {
				return fmt.Errorf("WRITE (10) at %d: %w", lba+done, err)
			}
		}
		if err := ini.Verify10(ctx, lba+done, uint16(n), chunk); err != nil {
			return fmt.Errorf("VERIFY (10) at %d: %w", lba+done, err)
		}
		done += n
	}
	if err := ini.SynchronizeCache(ctx); err != nil {
		return fmt.Errorf("SYNCHRONIZE CACHE: %w", err)
	}
	fmt.Fprintf(w, "verified %d blocks at %d\n", count, lba)
	return nil
}

func human(b uint64) string {
	switch {
	case b >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(b)/(1<<30))
	case b >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(b)/(1<<20))
	case b >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(b)/(1<<10))
	default:
		return fmt.Sprintf("%d B", b)
	}
}
