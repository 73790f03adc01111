package msc

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/pmausb/pkg"
)

// CommandBlockWrapper represents a Command Block Wrapper in Bulk-Only Transport.
type CommandBlockWrapper struct {
	Signature          uint32   // Must be CBWSignature (0x43425355)
	Tag                uint32   // Command block tag
	DataTransferLength uint32   // Number of bytes to transfer in data phase
	Flags              uint8    // Direction flag (bit 7: 0=Out, 1=In)
	LUN                uint8    // Logical Unit Number (bits 0-3)
	CBLength           uint8    // Command block length (1-16)
	CB                 [16]byte // Command block (SCSI CDB)
}

// ParseCBW decodes a Command Block Wrapper. It rejects anything that is not
// exactly CBWSize bytes, carries the wrong signature, addresses a LUN other
// than 0, or declares a command block length outside 1..16.
func ParseCBW(data []byte, out *CommandBlockWrapper) error {
	*out = CommandBlockWrapper{}
	if len(data) != CBWSize {
		return fmt.Errorf("%w: %d bytes", pkg.ErrInvalidCBW, len(data))
	}
	out.Signature = binary.LittleEndian.Uint32(data[0:4])
	out.Tag = binary.LittleEndian.Uint32(data[4:8])
	out.DataTransferLength = binary.LittleEndian.Uint32(data[8:12])
	out.Flags = data[12]
	out.LUN = data[13] & 0x0F
	out.CBLength = data[14] & 0x1F
	copy(out.CB[:], data[15:31])

	switch {
	case out.Signature != CBWSignature:
		return fmt.Errorf("%w: signature 0x%08X", pkg.ErrInvalidCBW, out.Signature)
	case out.LUN != 0:
		return fmt.Errorf("%w: LUN %d", pkg.ErrInvalidCBW, out.LUN)
	case out.CBLength < 1 || out.CBLength > CBMaxLength:
		return fmt.Errorf("%w: command length %d", pkg.ErrInvalidCBW, out.CBLength)
	}
	return nil
}

// MarshalTo writes the Command Block Wrapper to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (cbw *CommandBlockWrapper) MarshalTo(buf []byte) int {
	if len(buf) < CBWSize {
		return 0
	}
	binary.LittleEndian.PutUint32(buf[0:4], cbw.Signature)
	binary.LittleEndian.PutUint32(buf[4:8], cbw.Tag)
	binary.LittleEndian.PutUint32(buf[8:12], cbw.DataTransferLength)
	buf[12] = cbw.Flags
	buf[13] = cbw.LUN
	buf[14] = cbw.CBLength
	copy(buf[15:31], cbw.CB[:])
	return CBWSize
}

// IsDataIn returns true if the data phase is device-to-host (IN).
func (cbw *CommandBlockWrapper) IsDataIn() bool {
	return cbw.Flags&CBWFlagDataIn != 0
}

// NewCBW builds a CBW for the command block cb.
func NewCBW(tag, length uint32, flags uint8, cb ...byte) CommandBlockWrapper {
	cbw := CommandBlockWrapper{
		Signature:          CBWSignature,
		Tag:                tag,
		DataTransferLength: length,
		Flags:              flags,
		CBLength:           uint8(min(len(cb), CBMaxLength)),
	}
	copy(cbw.CB[:], cb)
	return cbw
}

// CommandStatusWrapper represents a Command Status Wrapper in Bulk-Only Transport.
type CommandStatusWrapper struct {
	Signature   uint32 // Must be CSWSignature (0x53425355)
	Tag         uint32 // Must match the CBW tag
	DataResidue uint32 // Difference between expected and actual data transfer
	Status      uint8  // Command status (CSWStatus*)
}

// MarshalTo writes the Command Status Wrapper to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (csw *CommandStatusWrapper) MarshalTo(buf []byte) int {
	if len(buf) < CSWSize {
		return 0
	}
	binary.LittleEndian.PutUint32(buf[0:4], csw.Signature)
	binary.LittleEndian.PutUint32(buf[4:8], csw.Tag)
	binary.LittleEndian.PutUint32(buf[8:12], csw.DataResidue)
	buf[12] = csw.Status
	return CSWSize
}

// ParseCSW decodes a Command Status Wrapper.
func ParseCSW(data []byte, out *CommandStatusWrapper) error {
	if len(data) != CSWSize {
		return fmt.Errorf("%w: CSW of %d bytes", pkg.ErrProtocol, len(data))
	}
	out.Signature = binary.LittleEndian.Uint32(data[0:4])
	out.Tag = binary.LittleEndian.Uint32(data[4:8])
	out.DataResidue = binary.LittleEndian.Uint32(data[8:12])
	out.Status = data[12]
	if out.Signature != CSWSignature {
		return fmt.Errorf("%w: CSW signature 0x%08X", pkg.ErrProtocol, out.Signature)
	}
	return nil
}
