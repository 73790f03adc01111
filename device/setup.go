package device

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/pmausb/pkg"
)

// Standard request codes (USB 2.0 Table 9-4).
const (
	RequestGetStatus        = 0x00
	RequestClearFeature     = 0x01
	RequestSetFeature       = 0x03
	RequestSetAddress       = 0x05
	RequestGetDescriptor    = 0x06
	RequestSetDescriptor    = 0x07
	RequestGetConfiguration = 0x08
	RequestSetConfiguration = 0x09
	RequestGetInterface     = 0x0A
	RequestSetInterface     = 0x0B
)

// Feature selectors (USB 2.0 Table 9-6).
const (
	FeatureEndpointHalt       = 0x00
	FeatureDeviceRemoteWakeup = 0x01
	FeatureTestMode           = 0x02
)

// bmRequestType fields (USB 2.0 Table 9-2).
const (
	RequestDirectionMask = 0x80
	RequestTypeMask      = 0x60
	RequestRecipientMask = 0x1F

	RequestHostToDevice = 0x00
	RequestDeviceToHost = 0x80

	RequestTypeStandard = 0x00
	RequestTypeClass    = 0x20
	RequestTypeVendor   = 0x40

	RequestRecipientDevice    = 0x00
	RequestRecipientInterface = 0x01
	RequestRecipientEndpoint  = 0x02
)

// SetupPacketSize is the size of a SETUP packet in bytes.
const SetupPacketSize = 8

// SetupPacket is a parsed 8-byte SETUP packet.
type SetupPacket struct {
	RequestType uint8  // bmRequestType
	Request     uint8  // bRequest
	Value       uint16 // wValue
	Index       uint16 // wIndex
	Length      uint16 // wLength
}

// ParseSetupPacket decodes data into out.
func ParseSetupPacket(data []byte, out *SetupPacket) error {
	if len(data) < SetupPacketSize {
		return pkg.ErrSetupPacketTooShort
	}
	*out = SetupPacket{
		RequestType: data[0],
		Request:     data[1],
		Value:       binary.LittleEndian.Uint16(data[2:]),
		Index:       binary.LittleEndian.Uint16(data[4:]),
		Length:      binary.LittleEndian.Uint16(data[6:]),
	}
	return nil
}

// Bytes encodes the packet in wire order.
func (s SetupPacket) Bytes() []byte {
	b := make([]byte, SetupPacketSize)
	b[0] = s.RequestType
	b[1] = s.Request
	binary.LittleEndian.PutUint16(b[2:], s.Value)
	binary.LittleEndian.PutUint16(b[4:], s.Index)
	binary.LittleEndian.PutUint16(b[6:], s.Length)
	return b
}

// IsDeviceToHost reports whether the data stage flows to the host.
func (s *SetupPacket) IsDeviceToHost() bool {
	return s.RequestType&RequestDirectionMask == RequestDeviceToHost
}

// Type returns the request type bits (standard, class or vendor).
func (s *SetupPacket) Type() uint8 { return s.RequestType & RequestTypeMask }

// Recipient returns the recipient bits.
func (s *SetupPacket) Recipient() uint8 { return s.RequestType & RequestRecipientMask }

// DescriptorType returns the high byte of wValue.
func (s *SetupPacket) DescriptorType() uint8 { return uint8(s.Value >> 8) }

// DescriptorIndex returns the low byte of wValue.
func (s *SetupPacket) DescriptorIndex() uint8 { return uint8(s.Value) }

// IndexLow returns the low byte of wIndex: an interface number or an
// endpoint address depending on the recipient.
func (s *SetupPacket) IndexLow() uint8 { return uint8(s.Index) }

// String formats the packet for logs.
func (s *SetupPacket) String() string {
	dir := "OUT"
	if s.IsDeviceToHost() {
		dir = "IN"
	}
	kind := [4]string{"Standard", "Class", "Vendor", "Reserved"}[s.Type()>>5]
	recip := "Other"
	switch s.Recipient() {
	case RequestRecipientDevice:
		recip = "Device"
	case RequestRecipientInterface:
		recip = "Interface"
	case RequestRecipientEndpoint:
		recip = "Endpoint"
	}
	return fmt.Sprintf("SETUP[%s %s %s] Request=0x%02X Value=0x%04X Index=0x%04X Length=%d",
		dir, kind, recip, s.Request, s.Value, s.Index, s.Length)
}

// Standard request constructors, used by hosts and tests.

// GetDescriptorRequest builds GET_DESCRIPTOR.
func GetDescriptorRequest(descType, index uint8, langID, length uint16) SetupPacket {
	return SetupPacket{
		RequestType: RequestDeviceToHost | RequestTypeStandard | RequestRecipientDevice,
		Request:     RequestGetDescriptor,
		Value:       uint16(descType)<<8 | uint16(index),
		Index:       langID,
		Length:      length,
	}
}

// SetAddressRequest builds SET_ADDRESS.
func SetAddressRequest(address uint8) SetupPacket {
	return SetupPacket{Request: RequestSetAddress, Value: uint16(address)}
}

// SetConfigurationRequest builds SET_CONFIGURATION.
func SetConfigurationRequest(config uint8) SetupPacket {
	return SetupPacket{Request: RequestSetConfiguration, Value: uint16(config)}
}

// GetConfigurationRequest builds GET_CONFIGURATION.
func GetConfigurationRequest() SetupPacket {
	return SetupPacket{RequestType: RequestDeviceToHost, Request: RequestGetConfiguration, Length: 1}
}

// GetStatusRequest builds GET_STATUS for recipient.
func GetStatusRequest(recipient uint8, index uint16) SetupPacket {
	return SetupPacket{RequestType: RequestDeviceToHost | recipient, Request: RequestGetStatus, Index: index, Length: 2}
}

// SetFeatureRequest builds SET_FEATURE for recipient.
func SetFeatureRequest(recipient uint8, feature, index uint16) SetupPacket {
	return SetupPacket{RequestType: recipient, Request: RequestSetFeature, Value: feature, Index: index}
}

// ClearFeatureRequest builds CLEAR_FEATURE for recipient.
func ClearFeatureRequest(recipient uint8, feature, index uint16) SetupPacket {
	return SetupPacket{RequestType: recipient, Request: RequestClearFeature, Value: feature, Index: index}
}
