// Package msc implements the USB Mass Storage Class (MSC) using the
// Bulk-Only Transport (BOT) protocol with the SCSI transparent command set.
//
// # Architecture
//
// The package consists of three parts:
//
//  1. Class - the BOT transport bound to a device.Device. It receives
//     Command Block Wrappers on the bulk OUT endpoint, moves data, and
//     answers with Command Status Wrappers on the bulk IN endpoint.
//  2. SCSI - a command processor that returns a State after every step and
//     is resumed by the transport once the data of that step has moved.
//  3. Storage - the block device, 512-byte blocks, opened at
//     SET_CONFIGURATION.
//
// Everything runs from endpoint completion callbacks, so a transfer of any
// size needs a single 512-byte buffer: READ10 reads one block ahead of the
// host and WRITE10 writes each block as it arrives.
//
// # Errors
//
// A command that fails pushes a sense entry and is answered with a failed
// CSW; the host retrieves the reason with REQUEST SENSE. The entries live
// in a ring of four slots that never refuses a push: a fourth unread entry
// brings the write position back to the read position and the ring reads
// as empty, and further entries overwrite the oldest slots. A host that
// lets errors accumulate loses them.
//
// A CBW that fails validation is not a SCSI error. The transport halts the
// IN endpoint and waits for reset recovery: a Bulk-Only Mass Storage Reset
// followed by CLEAR_FEATURE(ENDPOINT_HALT).
//
// # Storage
//
// MemoryStorage and FileStorage serve a RAM buffer or a disk image file.
// ReadOnly hides the write method of any Storage. NewFATImage formats a
// FAT32 image with github.com/diskfs/go-diskfs for FileStorage to serve.
//
// # Example
//
//	storage := msc.NewMemoryStorage(2048)
//	dev := device.New(hw, msc.New(storage))
//	if err := dev.Init(ctx); err != nil {
//		return err
//	}
//	return dev.Start()
package msc
