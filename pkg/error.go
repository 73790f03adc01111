package pkg

import "errors"

// Configuration and collaborator errors.
var (
	// ErrPMAOverflow indicates an endpoint buffer does not fit the packet memory.
	ErrPMAOverflow = errors.New("packet memory exhausted")

	// ErrInvalidEndpoint indicates an endpoint address outside the endpoint table.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrEndpointNotOpen indicates a transfer on an endpoint that was never opened.
	ErrEndpointNotOpen = errors.New("endpoint not open")

	// ErrInvalidParameter indicates an argument out of its legal range.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrBufferTooSmall indicates the destination buffer cannot hold the result.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")

	// ErrNotRunning indicates the peripheral has not been started.
	ErrNotRunning = errors.New("not running")

	// ErrAlreadyRunning indicates the peripheral was started twice.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotConfigured indicates class I/O before SET_CONFIGURATION.
	ErrNotConfigured = errors.New("device not configured")
)

// Wire-format errors.
var (
	// ErrSetupPacketTooShort indicates fewer than 8 setup bytes.
	ErrSetupPacketTooShort = errors.New("setup packet too short")

	// ErrDescriptorTooShort indicates descriptor data shorter than its fixed layout.
	ErrDescriptorTooShort = errors.New("descriptor too short")

	// ErrDescriptorTypeMismatch indicates an unexpected bDescriptorType.
	ErrDescriptorTypeMismatch = errors.New("descriptor type mismatch")

	// ErrInvalidCBW indicates a command block wrapper failed validation.
	ErrInvalidCBW = errors.New("invalid command block wrapper")
)

// Storage errors.
var (
	// ErrNoMedium indicates no medium is mounted.
	ErrNoMedium = errors.New("no medium")

	// ErrWriteProtected indicates the medium rejects writes.
	ErrWriteProtected = errors.New("write protected")

	// ErrOutOfRange indicates a block address beyond the medium.
	ErrOutOfRange = errors.New("block address out of range")
)

// Host-visible handshake errors.
var (
	// ErrStall indicates the endpoint answered with STALL.
	ErrStall = errors.New("endpoint stalled")

	// ErrNAK indicates the endpoint answered with NAK.
	ErrNAK = errors.New("NAK received")

	// ErrTimeout indicates a transfer did not complete in time.
	ErrTimeout = errors.New("transfer timeout")

	// ErrOverrun indicates the device sent more data than requested.
	ErrOverrun = errors.New("data overrun")

	// ErrProtocol indicates a handshake that violates the transfer sequence.
	ErrProtocol = errors.New("protocol error")
)

// TransferStatus is the handshake outcome of a transaction.
type TransferStatus int

// Transfer status values.
const (
	TransferStatusSuccess TransferStatus = iota
	TransferStatusError
	TransferStatusStall
	TransferStatusNAK
	TransferStatusTimeout
	TransferStatusOverrun
)

// String returns the lower-case name of the status.
func (s TransferStatus) String() string {
	switch s {
	case TransferStatusSuccess:
		return "success"
	case TransferStatusError:
		return "error"
	case TransferStatusStall:
		return "stall"
	case TransferStatusNAK:
		return "nak"
	case TransferStatusTimeout:
		return "timeout"
	case TransferStatusOverrun:
		return "overrun"
	default:
		return "unknown"
	}
}

// Error maps the status to its sentinel error, nil on success.
func (s TransferStatus) Error() error {
	switch s {
	case TransferStatusSuccess:
		return nil
	case TransferStatusStall:
		return ErrStall
	case TransferStatusNAK:
		return ErrNAK
	case TransferStatusTimeout:
		return ErrTimeout
	case TransferStatusOverrun:
		return ErrOverrun
	default:
		return ErrProtocol
	}
}
