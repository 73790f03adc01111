package msc

// Interface codes.
const (
	ClassMSC         = 0x08 // Mass Storage Class
	SubclassSCSI     = 0x06 // SCSI Transparent Command Set
	ProtocolBulkOnly = 0x50 // Bulk-Only Transport (BOT)
)

// Bulk-Only Transport request codes.
const (
	RequestBulkOnlyMassStorageReset = 0xFF // Reset the MSC device
	RequestGetMaxLUN                = 0xFE // Get maximum Logical Unit Number
)

// Bulk endpoints.
const (
	EndpointIn    uint8 = 0x81
	EndpointOut   uint8 = 0x01
	MaxPacketSize       = 64

	// EndpointOutDouble replaces EndpointOut when the endpoints are
	// double-buffered.
	EndpointOutDouble uint8 = 0x02
)

// Command Block Wrapper (CBW) constants.
const (
	CBWSignature   = 0x43425355 // "USBC" signature
	CBWSize        = 31         // Fixed CBW size in bytes
	CBWFlagDataOut = 0x00       // Data transfer: host to device
	CBWFlagDataIn  = 0x80       // Data transfer: device to host
	CBMaxLength    = 16
)

// Command Status Wrapper (CSW) constants.
const (
	CSWSignature        = 0x53425355 // "USBS" signature
	CSWSize             = 13         // Fixed CSW size in bytes
	CSWStatusGood       = 0x00       // Command passed
	CSWStatusFailed     = 0x01       // Command failed
	CSWStatusPhaseError = 0x02       // Phase error occurred
)

// SCSI operation codes.
const (
	SCSITestUnitReady        = 0x00
	SCSIRequestSense         = 0x03
	SCSIInquiry              = 0x12
	SCSIModeSense6           = 0x1A
	SCSIStartStopUnit        = 0x1B
	SCSIPreventAllowRemoval  = 0x1E
	SCSIReadFormatCapacities = 0x23
	SCSIReadCapacity10       = 0x25
	SCSIRead10               = 0x28
	SCSIWrite10              = 0x2A
	SCSIVerify10             = 0x2F
	SCSIModeSense10          = 0x5A
)

// SCSI sense keys.
const (
	SenseNoSense        = 0x00 // No error
	SenseNotReady       = 0x02 // Device not ready
	SenseMediumError    = 0x03 // Medium error
	SenseHardwareError  = 0x04 // Hardware error
	SenseIllegalRequest = 0x05 // Illegal request
	SenseUnitAttention  = 0x06 // Unit attention
	SenseDataProtect    = 0x07 // Data protect
)

// Additional Sense Codes (ASC).
const (
	ASCNoAdditionalInfo     = 0x00 // No additional sense information
	ASCWriteFault           = 0x03 // Peripheral device write fault
	ASCUnrecoveredReadError = 0x11 // Unrecovered read error
	ASCInvalidCommand       = 0x20 // Invalid command operation code
	ASCLBAOutOfRange        = 0x21 // Logical block address out of range
	ASCInvalidFieldInCDB    = 0x24 // Invalid field in CDB
	ASCWriteProtected       = 0x27 // Write protected
	ASCMediumNotPresent     = 0x3A // Medium not present
)

// INQUIRY constants.
const (
	InquiryStandardSize      = 36
	InquiryVersionSCSI2      = 0x02
	InquiryResponseFormatSPC = 0x02
	InquiryRMB               = 0x80 // Removable media bit
	InquiryEVPD              = 0x01 // Vital product data requested
	DeviceTypeDisk           = 0x00
)

// Fixed response sizes.
const (
	RequestSenseSize         = 18
	ModeSenseSize            = 8
	ReadCapacity10Size       = 8
	ReadFormatCapacitiesSize = 12
)

// VERIFY10 byte-check bit in CDB byte 1.
const Verify10ByteCheck = 0x02

// BlockSize is the only logical block size served.
const BlockSize = 512

// SenseDepth is the number of sense entries held for REQUEST SENSE.
const SenseDepth = 4
