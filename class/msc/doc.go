// Package msc implements the SCSI transparent command set over USB Mass
// Storage Bulk-Only Transport (BOT).
//
// An [MSC] serves commands from a [Storage] backend, typically a
// storage.Device on top of the eMMC driver. An [Initiator] drives it from
// the other end of a [Transport]. [NewPipe] connects the two in memory
// with USB bulk semantics: packets of [MaxPacketSize] bytes, and a short
// packet ends a transfer.
//
// # Protocol
//
// Every command is one exchange:
//
//  1. The initiator sends a 31-byte Command Block Wrapper (CBW).
//  2. Data moves in the direction the CBW announced, if any.
//  3. The device answers with a 13-byte Command Status Wrapper (CSW).
//
// The device has no way to stall an endpoint on a pipe, so a failed
// data-in phase is padded to the announced length and unread data-out is
// discarded. The initiator then finds the CSW where it expects it. After
// a failed CSW the initiator issues REQUEST SENSE and reports the result
// as a [*CommandError].
//
// # Supported Commands
//
//   - TEST UNIT READY, REQUEST SENSE, INQUIRY
//   - READ CAPACITY (10) and (16), READ FORMAT CAPACITIES
//   - READ (10), READ (16), WRITE (10), WRITE (16)
//   - VERIFY (10), with and without BYTCHK
//   - MODE SENSE (6), START STOP UNIT, PREVENT ALLOW MEDIUM REMOVAL
//   - SYNCHRONIZE CACHE (10)
//
// # Example
//
//	dev, host := msc.NewPipe()
//	m, err := msc.New(disk, dev, msc.Config{VendorID: "SoftMMC", ProductID: "eMMC"})
//	if err != nil {
//	    return err
//	}
//	go m.Run(ctx)
//
//	ini := msc.NewInitiator(host, 0)
//	capacity, err := ini.ReadCapacity(ctx)
package msc
