package hal

import (
	"context"
)

// Direction selects the IN or OUT half of an endpoint register.
type Direction uint8

// Endpoint directions.
const (
	DirOut Direction = iota // Host to device
	DirIn                   // Device to host
)

// String returns "IN" or "OUT".
func (d Direction) String() string {
	if d == DirIn {
		return "IN"
	}
	return "OUT"
}

// DirectionOf returns the direction encoded in bit 7 of an endpoint address.
func DirectionOf(address uint8) Direction {
	if address&0x80 != 0 {
		return DirIn
	}
	return DirOut
}

// Status is the handshake an endpoint half answers with.
type Status uint8

// Endpoint status values, in register encoding order.
const (
	StatusDisabled Status = iota // No response
	StatusStall                  // STALL handshake
	StatusNAK                    // NAK handshake
	StatusValid                  // Transaction accepted
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusDisabled:
		return "disabled"
	case StatusStall:
		return "stall"
	case StatusNAK:
		return "nak"
	case StatusValid:
		return "valid"
	default:
		return "unknown"
	}
}

// EndpointKind is the transfer type of an endpoint, in bmAttributes order.
type EndpointKind uint8

// Endpoint transfer types.
const (
	KindControl EndpointKind = iota
	KindIsochronous
	KindBulk
	KindInterrupt
)

// String returns the transfer type name.
func (k EndpointKind) String() string {
	switch k {
	case KindControl:
		return "control"
	case KindIsochronous:
		return "isochronous"
	case KindBulk:
		return "bulk"
	case KindInterrupt:
		return "interrupt"
	default:
		return "unknown"
	}
}

// Slot names one of the two buffer descriptors of an endpoint register.
//
// A single-buffered endpoint transmits from SlotTx and receives into SlotRx.
// A double-buffered endpoint is unidirectional and alternates between Slot0
// and Slot1, which occupy the same descriptor entries.
type Slot uint8

// Buffer descriptor slots.
const (
	SlotTx Slot = 0
	SlotRx Slot = 1
	Slot0       = SlotTx
	Slot1       = SlotRx
)

// DescriptorTableEntrySize is the number of PMA bytes one endpoint's buffer
// descriptors occupy at the start of packet memory.
const DescriptorTableEntrySize = 8

// EventKind classifies a peripheral interrupt.
type EventKind uint8

// Interrupt sources, in service priority order.
const (
	EventTransfer   EventKind = iota // Correct transfer on an endpoint
	EventReset                       // Bus reset
	EventPMAOverrun                  // Packet memory over/underrun
	EventSuspend                     // Bus idle for 3ms
	EventWakeup                      // Bus activity resumed
)

// String returns the event name.
func (k EventKind) String() string {
	switch k {
	case EventTransfer:
		return "transfer"
	case EventReset:
		return "reset"
	case EventPMAOverrun:
		return "pma-overrun"
	case EventSuspend:
		return "suspend"
	case EventWakeup:
		return "wakeup"
	default:
		return "unknown"
	}
}

// Event is one pending peripheral interrupt. Endpoint, Dir and Setup are
// meaningful only for EventTransfer.
type Event struct {
	Kind     EventKind
	Endpoint uint8
	Dir      Direction
	Setup    bool
}

// Peripheral is a full-speed USB device controller that stages packets in a
// dedicated packet memory area (PMA) addressed through per-endpoint buffer
// descriptors.
//
// Methods are called from a single context: either the interrupt handler or
// code that cannot be preempted by it. Implementations need no locking for
// the device stack's sake.
type Peripheral interface {
	// Init brings up clocks and the transceiver. The context bounds the
	// time spent waiting for the peripheral to become ready.
	Init(ctx context.Context) error

	// Start attaches the pull-up and enables interrupts.
	Start() error

	// Stop detaches from the bus.
	Stop() error

	// SetAddress programs the device address and enables address matching.
	SetAddress(address uint8)

	// PMASize returns the packet memory capacity in bytes.
	PMASize() uint16

	// Endpoints returns the number of endpoint registers.
	Endpoints() int

	// WritePMA copies data into packet memory at offset.
	WritePMA(offset uint16, data []byte)

	// ReadPMA copies len(data) bytes out of packet memory at offset.
	ReadPMA(offset uint16, data []byte)

	// SetEndpointType binds endpoint register num to address num with the
	// given transfer type. Only bulk endpoints may be double-buffered.
	SetEndpointType(num uint8, kind EndpointKind, double bool)

	// SetBufferAddress sets the PMA offset of a buffer descriptor slot.
	SetBufferAddress(num uint8, slot Slot, offset uint16)

	// SetBufferCount sets the byte count of a slot: bytes to transmit for
	// a transmit slot, receive capacity for a receive slot.
	SetBufferCount(num uint8, slot Slot, n uint16)

	// BufferCount returns the byte count of a slot: bytes transmitted, or
	// bytes received by the last transaction.
	BufferCount(num uint8, slot Slot) uint16

	// ArmBuffer hands a double-buffer slot to the hardware: ready to send
	// for IN, free to receive for OUT.
	ArmBuffer(num uint8, slot Slot)

	// SetStatus sets the handshake of one endpoint half.
	SetStatus(num uint8, dir Direction, status Status)

	// Status returns the handshake of one endpoint half.
	Status(num uint8, dir Direction) Status

	// Toggle returns the data toggle bit of one endpoint half. On a
	// double-buffered endpoint it selects the slot the hardware uses next.
	Toggle(num uint8, dir Direction) bool

	// ClearToggle resets the data toggle bit to DATA0.
	ClearToggle(num uint8, dir Direction)

	// Poll removes and returns the highest-priority pending interrupt.
	Poll() (Event, bool)
}
