package device

import (
	"encoding/binary"

	"github.com/samber/lo"

	"github.com/ardnew/pmausb/pkg"
	"github.com/ardnew/pmausb/pkg/uid"
)

// Descriptor types (USB 2.0 Table 9-5).
const (
	DescriptorTypeDevice           = 0x01
	DescriptorTypeConfiguration    = 0x02
	DescriptorTypeString           = 0x03
	DescriptorTypeInterface        = 0x04
	DescriptorTypeEndpoint         = 0x05
	DescriptorTypeDeviceQualifier  = 0x06
	DescriptorTypeOtherSpeedConfig = 0x07
	DescriptorTypeCSInterface      = 0x24
	DescriptorTypeCSEndpoint       = 0x25
)

// Class codes used by the bundled classes.
const (
	ClassPerInterface = 0x00
	ClassCDC          = 0x02
	ClassMassStorage  = 0x08
	ClassCDCData      = 0x0A
)

// Descriptor sizes.
const (
	DeviceDescriptorSize        = 18
	ConfigurationDescriptorSize = 9
	InterfaceDescriptorSize     = 9
	EndpointDescriptorSize      = 7
)

// Configuration bmAttributes bits.
const (
	ConfigAttrBusPowered   = 0x80
	ConfigAttrSelfPowered  = 0x40
	ConfigAttrRemoteWakeup = 0x20
)

// String descriptor indices.
const (
	StringIndexLangID        = 0
	StringIndexManufacturer  = 1
	StringIndexProduct       = 2
	StringIndexSerial        = 3
	StringIndexConfiguration = 4
	StringIndexInterface     = 5
)

// LangIDUSEnglish is the only language the device reports.
const LangIDUSEnglish = 0x0409

// DeviceDescriptor is the 18-byte device descriptor.
type DeviceDescriptor struct {
	USBVersion        uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize0    uint8
	VendorID          uint16
	ProductID         uint16
	DeviceVersion     uint16
	ManufacturerIndex uint8
	ProductIndex      uint8
	SerialNumberIndex uint8
	NumConfigurations uint8
}

// AppendTo appends the wire encoding of d to b.
func (d *DeviceDescriptor) AppendTo(b []byte) []byte {
	b = append(b, DeviceDescriptorSize, DescriptorTypeDevice)
	b = binary.LittleEndian.AppendUint16(b, d.USBVersion)
	b = append(b, d.DeviceClass, d.DeviceSubClass, d.DeviceProtocol, d.MaxPacketSize0)
	b = binary.LittleEndian.AppendUint16(b, d.VendorID)
	b = binary.LittleEndian.AppendUint16(b, d.ProductID)
	b = binary.LittleEndian.AppendUint16(b, d.DeviceVersion)
	return append(b, d.ManufacturerIndex, d.ProductIndex, d.SerialNumberIndex, d.NumConfigurations)
}

// ParseDeviceDescriptor decodes a device descriptor.
func ParseDeviceDescriptor(data []byte, out *DeviceDescriptor) error {
	if len(data) < DeviceDescriptorSize {
		return pkg.ErrDescriptorTooShort
	}
	if data[1] != DescriptorTypeDevice {
		return pkg.ErrDescriptorTypeMismatch
	}
	*out = DeviceDescriptor{
		USBVersion:        binary.LittleEndian.Uint16(data[2:]),
		DeviceClass:       data[4],
		DeviceSubClass:    data[5],
		DeviceProtocol:    data[6],
		MaxPacketSize0:    data[7],
		VendorID:          binary.LittleEndian.Uint16(data[8:]),
		ProductID:         binary.LittleEndian.Uint16(data[10:]),
		DeviceVersion:     binary.LittleEndian.Uint16(data[12:]),
		ManufacturerIndex: data[14],
		ProductIndex:      data[15],
		SerialNumberIndex: data[16],
		NumConfigurations: data[17],
	}
	return nil
}

// ConfigurationDescriptor is the 9-byte configuration header.
type ConfigurationDescriptor struct {
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	ConfigurationIndex uint8
	Attributes         uint8
	MaxPower           uint8 // 2mA units
}

// AppendTo appends the wire encoding of c to b.
func (c *ConfigurationDescriptor) AppendTo(b []byte) []byte {
	b = append(b, ConfigurationDescriptorSize, DescriptorTypeConfiguration)
	b = binary.LittleEndian.AppendUint16(b, c.TotalLength)
	return append(b, c.NumInterfaces, c.ConfigurationValue, c.ConfigurationIndex, c.Attributes, c.MaxPower)
}

// ParseConfigurationDescriptor decodes a configuration header.
func ParseConfigurationDescriptor(data []byte, out *ConfigurationDescriptor) error {
	if len(data) < ConfigurationDescriptorSize {
		return pkg.ErrDescriptorTooShort
	}
	if data[1] != DescriptorTypeConfiguration {
		return pkg.ErrDescriptorTypeMismatch
	}
	*out = ConfigurationDescriptor{
		TotalLength:        binary.LittleEndian.Uint16(data[2:]),
		NumInterfaces:      data[4],
		ConfigurationValue: data[5],
		ConfigurationIndex: data[6],
		Attributes:         data[7],
		MaxPower:           data[8],
	}
	return nil
}

// InterfaceDescriptor is the 9-byte interface descriptor.
type InterfaceDescriptor struct {
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	InterfaceIndex    uint8
}

// AppendTo appends the wire encoding of i to b.
func (i *InterfaceDescriptor) AppendTo(b []byte) []byte {
	return append(b, InterfaceDescriptorSize, DescriptorTypeInterface,
		i.InterfaceNumber, i.AlternateSetting, i.NumEndpoints,
		i.InterfaceClass, i.InterfaceSubClass, i.InterfaceProtocol, i.InterfaceIndex)
}

// EndpointDescriptor is the 7-byte endpoint descriptor.
type EndpointDescriptor struct {
	EndpointAddress uint8
	Attributes      uint8
	MaxPacketSize   uint16
	Interval        uint8
}

// AppendTo appends the wire encoding of e to b.
func (e *EndpointDescriptor) AppendTo(b []byte) []byte {
	b = append(b, EndpointDescriptorSize, DescriptorTypeEndpoint, e.EndpointAddress, e.Attributes)
	b = binary.LittleEndian.AppendUint16(b, e.MaxPacketSize)
	return append(b, e.Interval)
}

// ParseEndpointDescriptor decodes an endpoint descriptor.
func ParseEndpointDescriptor(data []byte, out *EndpointDescriptor) error {
	if len(data) < EndpointDescriptorSize {
		return pkg.ErrDescriptorTooShort
	}
	if data[1] != DescriptorTypeEndpoint {
		return pkg.ErrDescriptorTypeMismatch
	}
	*out = EndpointDescriptor{
		EndpointAddress: data[2],
		Attributes:      data[3],
		MaxPacketSize:   binary.LittleEndian.Uint16(data[4:]),
		Interval:        data[6],
	}
	return nil
}

// Descriptors concatenates encoded descriptors into one block.
func Descriptors(parts ...[]byte) []byte {
	return lo.Flatten(parts)
}

// StringDescriptorTo writes s into buf as a string descriptor and returns
// its length. Each character is emitted as its low byte followed by a zero
// byte; strings longer than MaxStringLength are truncated.
func StringDescriptorTo(buf []byte, s string) int {
	if len(s) > MaxStringLength {
		s = s[:MaxStringLength]
	}
	n := 2 + 2*len(s)
	if len(buf) < n {
		return 0
	}
	buf[0] = uint8(n)
	buf[1] = DescriptorTypeString
	for i := 0; i < len(s); i++ {
		buf[2+2*i] = s[i]
		buf[3+2*i] = 0
	}
	return n
}

// LanguageDescriptorTo writes the LANGID table string descriptor.
func LanguageDescriptorTo(buf []byte) int {
	if len(buf) < 4 {
		return 0
	}
	buf[0] = 4
	buf[1] = DescriptorTypeString
	binary.LittleEndian.PutUint16(buf[2:], LangIDUSEnglish)
	return 4
}

// SerialDescriptorSize is the length of the serial number descriptor:
// a 2-byte header and 12 hex digits.
const SerialDescriptorSize = 2 + 2*12

// SerialDescriptorTo writes a serial number string descriptor derived from
// the 96-bit unique ID: the sum of words 0 and 2 as 8 hex digits followed
// by the top 16 bits of word 1 as 4 hex digits.
func SerialDescriptorTo(buf []byte, id uid.Words) int {
	if len(buf) < SerialDescriptorSize {
		return 0
	}
	buf[0] = SerialDescriptorSize
	buf[1] = DescriptorTypeString
	hexDigitsTo(buf[2:], id[0]+id[2], 8)
	hexDigitsTo(buf[2+16:], id[1]>>16, 4)
	return SerialDescriptorSize
}

// hexDigitsTo writes the top n nibbles of v, most significant first, as
// upper-case hex characters each followed by a zero byte.
func hexDigitsTo(buf []byte, v uint32, n int) {
	v <<= 32 - 4*uint(n)
	for i := 0; i < n; i++ {
		d := byte(v >> 28)
		if d < 10 {
			buf[2*i] = '0' + d
		} else {
			buf[2*i] = 'A' + d - 10
		}
		buf[2*i+1] = 0
		v <<= 4
	}
}
