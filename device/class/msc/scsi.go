package msc

import "encoding/binary"

// InquiryResponse represents standard INQUIRY data.
type InquiryResponse struct {
	DeviceType       uint8    // Peripheral device type
	RMB              uint8    // Removable media bit (bit 7)
	Version          uint8    // SCSI version
	ResponseFormat   uint8    // Response data format
	AdditionalLength uint8    // Additional length (n-4)
	Flags            [3]uint8 // Various flags
	VendorID         [8]byte  // Vendor identification (ASCII)
	ProductID        [16]byte // Product identification (ASCII)
	ProductRev       [4]byte  // Product revision (ASCII)
}

// MarshalTo writes the INQUIRY response to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (r *InquiryResponse) MarshalTo(buf []byte) int {
	if len(buf) < InquiryStandardSize {
		return 0
	}

	buf[0] = r.DeviceType
	buf[1] = r.RMB
	buf[2] = r.Version
	buf[3] = r.ResponseFormat
	buf[4] = r.AdditionalLength
	copy(buf[5:8], r.Flags[:])
	copy(buf[8:16], r.VendorID[:])
	copy(buf[16:32], r.ProductID[:])
	copy(buf[32:36], r.ProductRev[:])

	return InquiryStandardSize
}

// NewInquiryResponse creates a standard INQUIRY response for a removable
// direct-access device.
func NewInquiryResponse(vendor, product, revision string) InquiryResponse {
	resp := InquiryResponse{
		DeviceType:       DeviceTypeDisk,
		RMB:              InquiryRMB,
		Version:          InquiryVersionSCSI2,
		ResponseFormat:   InquiryResponseFormatSPC,
		AdditionalLength: InquiryStandardSize - 5,
	}
	padTo(resp.VendorID[:], vendor)
	padTo(resp.ProductID[:], product)
	padTo(resp.ProductRev[:], revision)
	return resp
}

// SupportedPagesTo writes the EVPD page 0x00 (supported VPD pages) to buf.
func SupportedPagesTo(buf []byte) int {
	page := [...]byte{DeviceTypeDisk, 0x00, 0x00, 3, 0x00, 0x80, 0x83}
	if len(buf) < len(page) {
		return 0
	}
	return copy(buf, page[:])
}

// ReadCapacity10Response represents READ CAPACITY (10) response.
type ReadCapacity10Response struct {
	LastLBA     uint32 // Last logical block address
	BlockLength uint32 // Block length in bytes
}

// MarshalTo writes the response to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (r *ReadCapacity10Response) MarshalTo(buf []byte) int {
	if len(buf) < ReadCapacity10Size {
		return 0
	}

	binary.BigEndian.PutUint32(buf[0:4], r.LastLBA)
	binary.BigEndian.PutUint32(buf[4:8], r.BlockLength)

	return ReadCapacity10Size
}

// RequestSenseResponse represents REQUEST SENSE response (fixed format).
type RequestSenseResponse struct {
	ResponseCode     uint8 // Response code (0x70 = current, 0x72 = descriptor)
	SenseKey         uint8 // Sense key (bits 0-3)
	AdditionalLength uint8 // Additional sense length (n-7)
	ASC              uint8 // Additional sense code
	ASCQ             uint8 // Additional sense code qualifier
}

// MarshalTo writes the response to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (r *RequestSenseResponse) MarshalTo(buf []byte) int {
	if len(buf) < RequestSenseSize {
		return 0
	}
	clear(buf[:RequestSenseSize])

	buf[0] = r.ResponseCode
	buf[2] = r.SenseKey & 0x0F
	buf[7] = r.AdditionalLength
	buf[12] = r.ASC
	buf[13] = r.ASCQ

	return RequestSenseSize
}

// NewRequestSenseResponse creates a REQUEST SENSE response.
func NewRequestSenseResponse(key, asc uint8) RequestSenseResponse {
	return RequestSenseResponse{
		ResponseCode:     0x70, // Current errors, fixed format
		SenseKey:         key & 0x0F,
		AdditionalLength: RequestSenseSize - 8,
		ASC:              asc,
	}
}

// CapacityListTo writes a READ FORMAT CAPACITIES list holding a single
// formatted-media descriptor for blocks of BlockSize bytes.
func CapacityListTo(buf []byte, blocks uint32) int {
	if len(buf) < ReadFormatCapacitiesSize {
		return 0
	}
	clear(buf[:4])
	buf[3] = 8 // capacity list length
	binary.BigEndian.PutUint32(buf[4:8], blocks)
	buf[8] = 0x02 // formatted media
	// Block length is 24-bit in bytes 9-11
	buf[9] = uint8(BlockSize >> 16)
	buf[10] = uint8(BlockSize >> 8)
	buf[11] = uint8(BlockSize & 0xFF)
	return ReadFormatCapacitiesSize
}

// padTo copies s into dst, truncating or padding with spaces.
func padTo(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = ' '
	}
}
