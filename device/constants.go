package device

import "fmt"

// Fixed geometry of the full-speed control pipe.
const (
	// MaxPacketSize0 is the control endpoint max packet size.
	MaxPacketSize0 = 64

	// MaxStringLength is the longest string, in characters, a string
	// descriptor can carry.
	MaxStringLength = 64

	// ControlBufferSize is the scratch buffer shared by every control data
	// stage: the larger of the max string descriptor and one control packet.
	ControlBufferSize = max((MaxStringLength+1)*2, MaxPacketSize0)
)

// Endpoint addresses of the control pipe.
const (
	EndpointControlOut uint8 = 0x00
	EndpointControlIn  uint8 = 0x80
)

// Device states (USB 2.0 section 9.1) reachable by a bus-powered device after
// the first reset.
const (
	StateDefault    State = iota // Reset, answering at address 0
	StateAddressed               // Unique address assigned
	StateConfigured              // Non-zero configuration selected
	StateSuspended               // Bus idle, previous state remembered
)

// State is the USB device state.
type State uint8

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateDefault:
		return "Default"
	case StateAddressed:
		return "Addressed"
	case StateConfigured:
		return "Configured"
	case StateSuspended:
		return "Suspended"
	default:
		return fmt.Sprintf("Unknown State (%d)", s)
	}
}

// Control pipe sub-states.
const (
	ControlIdle ControlState = iota
	ControlSetup
	ControlDataIn
	ControlDataOut
	ControlStatusIn
	ControlStatusOut
	ControlStall
)

// ControlState tracks which stage of a control transfer is in flight.
type ControlState uint8

// String returns the stage name.
func (s ControlState) String() string {
	switch s {
	case ControlIdle:
		return "Idle"
	case ControlSetup:
		return "Setup"
	case ControlDataIn:
		return "DataIn"
	case ControlDataOut:
		return "DataOut"
	case ControlStatusIn:
		return "StatusIn"
	case ControlStatusOut:
		return "StatusOut"
	case ControlStall:
		return "Stall"
	default:
		return fmt.Sprintf("Unknown Control State (%d)", s)
	}
}
