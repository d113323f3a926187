package msc

import (
	"bytes"
	"encoding/binary"
)

// InquiryResponse is standard INQUIRY data.
type InquiryResponse struct {
	DeviceType     uint8    // Peripheral device type
	Removable      bool     // RMB bit
	Version        uint8    // SCSI version
	ResponseFormat uint8    // Response data format
	VendorID       [8]byte  // Vendor identification (ASCII)
	ProductID      [16]byte // Product identification (ASCII)
	ProductRev     [4]byte  // Product revision (ASCII)
}

// NewInquiryResponse creates a standard INQUIRY response for a
// direct-access device.
func NewInquiryResponse(removable bool, vendor, product, revision string) *InquiryResponse {
	r := &InquiryResponse{
		DeviceType:     DeviceTypeDisk,
		Removable:      removable,
		Version:        InquiryVersionSPC4,
		ResponseFormat: InquiryResponseFormatSPC,
	}
	padCopy(r.VendorID[:], vendor)
	padCopy(r.ProductID[:], product)
	padCopy(r.ProductRev[:], revision)
	return r
}

// MarshalTo writes the INQUIRY response to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (r *InquiryResponse) MarshalTo(buf []byte) int {
	if len(buf) < InquiryStandardSize {
		return 0
	}
	clear(buf[:InquiryStandardSize])

	buf[0] = r.DeviceType
	if r.Removable {
		buf[1] = InquiryRMB
	}
	buf[2] = r.Version
	buf[3] = r.ResponseFormat
	buf[4] = InquiryStandardSize - 5
	copy(buf[8:16], r.VendorID[:])
	copy(buf[16:32], r.ProductID[:])
	copy(buf[32:36], r.ProductRev[:])

	return InquiryStandardSize
}

// UnmarshalFrom decodes INQUIRY data. Returns false if buf is too short.
func (r *InquiryResponse) UnmarshalFrom(buf []byte) bool {
	if len(buf) < InquiryStandardSize {
		return false
	}
	r.DeviceType = buf[0] & 0x1F
	r.Removable = buf[1]&InquiryRMB != 0
	r.Version = buf[2]
	r.ResponseFormat = buf[3] & 0x0F
	copy(r.VendorID[:], buf[8:16])
	copy(r.ProductID[:], buf[16:32])
	copy(r.ProductRev[:], buf[32:36])
	return true
}

// Vendor returns the vendor identification without padding.
func (r *InquiryResponse) Vendor() string { return trimPad(r.VendorID[:]) }

// Product returns the product identification without padding.
func (r *InquiryResponse) Product() string { return trimPad(r.ProductID[:]) }

// Revision returns the product revision without padding.
func (r *InquiryResponse) Revision() string { return trimPad(r.ProductRev[:]) }

// Capacity is the payload of READ CAPACITY (10) and (16).
type Capacity struct {
	LastLBA     uint64 // Last logical block address
	BlockLength uint32 // Block length in bytes
}

// Blocks returns the number of addressable blocks.
func (c Capacity) Blocks() uint64 { return c.LastLBA + 1 }

// MarshalTo10 writes the READ CAPACITY (10) form, saturating the last
// LBA at 0xFFFFFFFF. Returns 0 if buf is too small.
func (c Capacity) MarshalTo10(buf []byte) int {
	if len(buf) < 8 {
		return 0
	}
	binary.BigEndian.PutUint32(buf[0:4], uint32(min(c.LastLBA, 0xFFFFFFFF)))
	binary.BigEndian.PutUint32(buf[4:8], c.BlockLength)
	return 8
}

// MarshalTo16 writes the READ CAPACITY (16) form. Returns 0 if buf is too
// small.
func (c Capacity) MarshalTo16(buf []byte) int {
	if len(buf) < 32 {
		return 0
	}
	clear(buf[:32])
	binary.BigEndian.PutUint64(buf[0:8], c.LastLBA)
	binary.BigEndian.PutUint32(buf[8:12], c.BlockLength)
	return 32
}

// UnmarshalFrom10 decodes the READ CAPACITY (10) form.
func (c *Capacity) UnmarshalFrom10(buf []byte) bool {
	if len(buf) < 8 {
		return false
	}
	c.LastLBA = uint64(binary.BigEndian.Uint32(buf[0:4]))
	c.BlockLength = binary.BigEndian.Uint32(buf[4:8])
	return true
}

// Sense is fixed-format sense data as returned by REQUEST SENSE.
type Sense struct {
	Key  uint8 // Sense key (bits 0-3)
	ASC  uint8 // Additional sense code
	ASCQ uint8 // Additional sense code qualifier
}

// MarshalTo writes current, fixed-format sense data to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (s Sense) MarshalTo(buf []byte) int {
	if len(buf) < SenseSize {
		return 0
	}
	clear(buf[:SenseSize])

	buf[0] = 0x70 // current errors, fixed format
	buf[2] = s.Key & 0x0F
	buf[7] = SenseSize - 8
	buf[12] = s.ASC
	buf[13] = s.ASCQ

	return SenseSize
}

// UnmarshalFrom decodes fixed-format sense data.
func (s *Sense) UnmarshalFrom(buf []byte) bool {
	if len(buf) < 14 || buf[0]&0x7E != 0x70 {
		return false
	}
	s.Key = buf[2] & 0x0F
	s.ASC = buf[12]
	s.ASCQ = buf[13]
	return true
}

// ModeSense6Header is the MODE SENSE (6) parameter header. No mode pages
// or block descriptors follow it.
type ModeSense6Header struct {
	MediumType     uint8
	WriteProtected bool
}

// MarshalTo writes the header to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (h ModeSense6Header) MarshalTo(buf []byte) int {
	if len(buf) < 4 {
		return 0
	}
	buf[0] = 3 // mode data length, excluding this byte
	buf[1] = h.MediumType
	buf[2] = 0
	if h.WriteProtected {
		buf[2] = 0x80
	}
	buf[3] = 0
	return 4
}

// FormatCapacity is the READ FORMAT CAPACITIES list with a single
// current/maximum capacity descriptor.
type FormatCapacity struct {
	Blocks      uint32
	BlockLength uint32 // 24 bits
}

// MarshalTo writes the capacity list to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (f FormatCapacity) MarshalTo(buf []byte) int {
	if len(buf) < 12 {
		return 0
	}
	clear(buf[:12])
	buf[3] = 8 // one descriptor
	binary.BigEndian.PutUint32(buf[4:8], f.Blocks)
	buf[8] = 0x02 // formatted media
	buf[9] = uint8(f.BlockLength >> 16)
	buf[10] = uint8(f.BlockLength >> 8)
	buf[11] = uint8(f.BlockLength)
	return 12
}

// padCopy copies s into dst, padding with spaces.
func padCopy(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = ' '
	}
}

func trimPad(b []byte) string {
	return string(bytes.TrimRight(b, " \x00"))
}
