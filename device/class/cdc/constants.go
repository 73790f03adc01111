package cdc

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/pmausb/device"
	"github.com/ardnew/pmausb/pkg"
)

// CDC functional descriptor subtypes.
const (
	SubtypeHeader         = 0x00 // Header Functional Descriptor
	SubtypeCallManagement = 0x01 // Call Management Functional Descriptor
	SubtypeACM            = 0x02 // Abstract Control Model Functional Descriptor
	SubtypeUnion          = 0x06 // Union Functional Descriptor
)

// Interface codes.
const (
	ClassCDC     = device.ClassCDC     // Communications Device Class
	ClassCDCData = device.ClassCDCData // CDC Data Class
	SubclassACM  = 0x02                // Abstract Control Model
	ProtocolAT   = 0x01                // AT Commands: V.250
)

// CDCVersion is bcdCDC of the header functional descriptor (1.10).
const CDCVersion = 0x0110

// CDC request codes.
const (
	RequestSendEncapsulatedCommand = 0x00
	RequestGetEncapsulatedResponse = 0x01
	RequestSetCommFeature          = 0x02
	RequestGetCommFeature          = 0x03
	RequestClearCommFeature        = 0x04
	RequestSetLineCoding           = 0x20
	RequestGetLineCoding           = 0x21
	RequestSetControlLineState     = 0x22
	RequestSendBreak               = 0x23
)

// NotificationSerialState is the SERIAL_STATE notification code.
const NotificationSerialState = 0x20

// Endpoints.
const (
	EndpointIn           uint8 = 0x81 // Bulk IN, data to host
	EndpointOut          uint8 = 0x01 // Bulk OUT, data from host
	EndpointNotify       uint8 = 0x82 // Interrupt IN, notifications
	MaxPacketSize              = 64
	NotifyMaxPacketSize        = 8
	NotifyInterval             = 0x10 // bInterval in frames
	SerialStatePacketSize      = 10
)

// LineCoding is the serial line configuration of SET/GET_LINE_CODING.
type LineCoding struct {
	DTERate    uint32 // Baud rate
	CharFormat uint8  // Stop bits: 0=1, 1=1.5, 2=2
	ParityType uint8  // Parity: 0=None, 1=Odd, 2=Even, 3=Mark, 4=Space
	DataBits   uint8  // Data bits: 5, 6, 7, 8, or 16
}

// LineCodingSize is the wire size of LineCoding.
const LineCodingSize = 7

// Stop bit values.
const (
	StopBits1   = 0
	StopBits1_5 = 1
	StopBits2   = 2
)

// Parity values.
const (
	ParityNone  = 0
	ParityOdd   = 1
	ParityEven  = 2
	ParityMark  = 3
	ParitySpace = 4
)

// Control line state bits (SET_CONTROL_LINE_STATE wValue).
const (
	ControlLineDTR = 1 << 0 // Data Terminal Ready
	ControlLineRTS = 1 << 1 // Request To Send
)

// Serial state bits (SERIAL_STATE notification).
const (
	SerialStateRxCarrier  = 1 << 0 // DCD
	SerialStateTxCarrier  = 1 << 1 // DSR
	SerialStateBreak      = 1 << 2
	SerialStateRingSignal = 1 << 3
	SerialStateFraming    = 1 << 4
	SerialStateParity     = 1 << 5
	SerialStateOverrun    = 1 << 6
)

// DefaultLineCoding is 115200 8N1.
var DefaultLineCoding = LineCoding{
	DTERate:    115200,
	CharFormat: StopBits1,
	ParityType: ParityNone,
	DataBits:   8,
}

// MarshalTo writes lc to buf and returns LineCodingSize, or 0 if buf is
// too small.
func (lc *LineCoding) MarshalTo(buf []byte) int {
	if len(buf) < LineCodingSize {
		return 0
	}
	binary.LittleEndian.PutUint32(buf, lc.DTERate)
	buf[4] = lc.CharFormat
	buf[5] = lc.ParityType
	buf[6] = lc.DataBits
	return LineCodingSize
}

// ParseLineCoding decodes a line coding.
func ParseLineCoding(data []byte, out *LineCoding) error {
	if len(data) < LineCodingSize {
		return fmt.Errorf("line coding: %w", pkg.ErrBufferTooSmall)
	}
	*out = LineCoding{
		DTERate:    binary.LittleEndian.Uint32(data),
		CharFormat: data[4],
		ParityType: data[5],
		DataBits:   data[6],
	}
	return nil
}

// String returns the line coding in the 115200 8N1 style.
func (lc LineCoding) String() string {
	parity := "?"
	if int(lc.ParityType) < len("NOEMS") {
		parity = "NOEMS"[lc.ParityType : lc.ParityType+1]
	}
	stop := "?"
	switch lc.CharFormat {
	case StopBits1:
		stop = "1"
	case StopBits1_5:
		stop = "1.5"
	case StopBits2:
		stop = "2"
	}
	return fmt.Sprintf("%d %d%s%s", lc.DTERate, lc.DataBits, parity, stop)
}

// appendHeader appends the Header Functional Descriptor.
func appendHeader(b []byte) []byte {
	b = append(b, 5, device.DescriptorTypeCSInterface, SubtypeHeader)
	return binary.LittleEndian.AppendUint16(b, CDCVersion)
}

// appendCallManagement appends the Call Management Functional Descriptor.
// The device does not handle call management itself.
func appendCallManagement(b []byte, dataInterface uint8) []byte {
	return append(b, 5, device.DescriptorTypeCSInterface, SubtypeCallManagement, 0x00, dataInterface)
}

// appendACM appends the Abstract Control Management Functional Descriptor.
// Capabilities 0x02: line coding and control line state requests.
func appendACM(b []byte) []byte {
	return append(b, 4, device.DescriptorTypeCSInterface, SubtypeACM, 0x02)
}

// appendUnion appends the Union Functional Descriptor with one subordinate.
func appendUnion(b []byte, control, data uint8) []byte {
	return append(b, 5, device.DescriptorTypeCSInterface, SubtypeUnion, control, data)
}
