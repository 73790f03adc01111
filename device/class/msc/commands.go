package msc

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/pmausb/pkg"
)

// State is the outcome of one step of a SCSI command.
type State int8

// SCSI command states. Ok and Error end a command; the others ask the
// transport to move data and call Resume when it has.
const (
	StateError      State = iota - 1 // Command failed, sense pushed
	StateOk                          // Command passed
	StateSendData                    // Buffer holds a complete response
	StateDataOut                     // Buffer awaits the next block from the host
	StateDataIn                      // Buffer holds a block, more follow
	StateLastDataIn                  // Buffer holds the final block
)

func (s State) String() string {
	switch s {
	case StateError:
		return "Error"
	case StateOk:
		return "Ok"
	case StateSendData:
		return "SendData"
	case StateDataOut:
		return "DataOut"
	case StateDataIn:
		return "DataIn"
	case StateLastDataIn:
		return "LastDataIn"
	default:
		return fmt.Sprintf("State(%d)", int8(s))
	}
}

type sense struct {
	key uint8
	asc uint8
}

// SCSI executes the transparent command set against a Storage, one block
// at a time.
type SCSI struct {
	storage Storage
	medium  bool
	blocks  uint32

	// Block cursor of the READ10/WRITE10 in progress.
	lba       uint32
	remaining uint32

	// Pending sense entries, oldest at head. The ring is empty when head
	// equals tail; pushing past SenseDepth entries overwrites without
	// moving head.
	sense [SenseDepth]sense
	head  uint8
	tail  uint8

	inquiry InquiryResponse
	buf     [BlockSize]byte
	n       int
}

// NewSCSI returns a command processor serving storage. A nil storage
// reports no medium.
func NewSCSI(storage Storage) *SCSI {
	return &SCSI{
		storage: storage,
		inquiry: NewInquiryResponse("pmausb", "Mass Storage", "1.00"),
	}
}

// SetInquiry replaces the identification strings returned by INQUIRY.
func (s *SCSI) SetInquiry(vendor, product, revision string) {
	s.inquiry = NewInquiryResponse(vendor, product, revision)
}

// Init clears pending sense data and opens the medium.
func (s *SCSI) Init() State {
	s.head, s.tail = 0, 0
	s.lba, s.remaining = 0, 0
	s.n = 0
	s.medium = false
	s.blocks = 0
	if s.storage != nil {
		s.blocks, s.medium = s.storage.Open()
	}
	pkg.LogDebug(pkg.ComponentSCSI, "medium opened", "present", s.medium, "blocks", s.blocks)
	return StateOk
}

// Medium returns the block count of the mounted medium.
func (s *SCSI) Medium() (blocks uint32, ok bool) { return s.blocks, s.medium }

// Buffer returns the data of the current step: the response for SendData,
// the block read for DataIn and LastDataIn, or the space the next written
// block is received into for DataOut.
func (s *SCSI) Buffer() []byte { return s.buf[:s.n] }

// Abort drops the rest of a block transfer.
func (s *SCSI) Abort() {
	s.remaining = 0
	s.n = 0
}

// Pending returns the number of sense entries not yet reported.
func (s *SCSI) Pending() int {
	return int(s.tail+SenseDepth-s.head) % SenseDepth
}

// PushSense records a sense entry and returns StateError.
//
// The ring is not guarded against overflow: SenseDepth pushes without a
// REQUEST SENSE in between wrap tail onto head, and the earlier entries
// read back as no sense.
func (s *SCSI) PushSense(key, asc uint8) State {
	s.sense[s.tail] = sense{key: key, asc: asc}
	s.tail = (s.tail + 1) % SenseDepth
	pkg.LogDebug(pkg.ComponentSCSI, "sense pushed",
		"key", fmt.Sprintf("0x%02X", key), "asc", fmt.Sprintf("0x%02X", asc))
	return StateError
}

// popSense removes the oldest pending entry.
func (s *SCSI) popSense() (sense, bool) {
	if s.head == s.tail {
		return sense{}, false
	}
	e := s.sense[s.head]
	s.head = (s.head + 1) % SenseDepth
	return e, true
}

// Process starts the command in cbw.
func (s *SCSI) Process(cbw *CommandBlockWrapper) State {
	opcode := cbw.CB[0]
	pkg.LogDebug(pkg.ComponentSCSI, "SCSI command",
		"opcode", fmt.Sprintf("0x%02X", opcode), "length", cbw.DataTransferLength)

	switch opcode {
	case SCSITestUnitReady:
		return s.testUnitReady(cbw)
	case SCSIRequestSense:
		return s.requestSense(cbw)
	case SCSIInquiry:
		return s.inquire(cbw)
	case SCSIStartStopUnit, SCSIPreventAllowRemoval:
		return StateOk
	case SCSIModeSense6:
		return s.respond(ModeSenseSize, nil)
	case SCSIModeSense10:
		return s.respond(ModeSenseSize, func(b []byte) { b[2] = 0x06 })
	case SCSIReadFormatCapacities:
		return s.readFormatCapacities()
	case SCSIReadCapacity10:
		return s.readCapacity10()
	case SCSIRead10:
		return s.read10(cbw)
	case SCSIWrite10:
		return s.write10(cbw)
	case SCSIVerify10:
		return s.verify10(cbw)
	default:
		pkg.LogDebug(pkg.ComponentSCSI, "unsupported SCSI command", "opcode", fmt.Sprintf("0x%02X", opcode))
		return s.PushSense(SenseIllegalRequest, ASCInvalidCommand)
	}
}

// Resume continues a command after the transport finished moving Buffer.
func (s *SCSI) Resume(state State) State {
	switch state {
	case StateDataOut:
		return s.writeBlock()
	case StateDataIn:
		return s.readBlock()
	case StateSendData, StateLastDataIn:
		return StateOk
	default:
		return StateError
	}
}

// respond zeroes an n-byte response, lets fill populate it, and marks it
// ready to send.
func (s *SCSI) respond(n int, fill func([]byte)) State {
	clear(s.buf[:n])
	if fill != nil {
		fill(s.buf[:n])
	}
	s.n = n
	return StateSendData
}

func (s *SCSI) testUnitReady(cbw *CommandBlockWrapper) State {
	if cbw.DataTransferLength != 0 {
		return s.PushSense(SenseIllegalRequest, ASCInvalidCommand)
	}
	if !s.medium {
		return s.PushSense(SenseNotReady, ASCMediumNotPresent)
	}
	return StateOk
}

func (s *SCSI) requestSense(cbw *CommandBlockWrapper) State {
	e, _ := s.popSense()
	resp := NewRequestSenseResponse(e.key, e.asc)
	s.n = resp.MarshalTo(s.buf[:])
	if alloc := int(cbw.CB[4]); alloc <= s.n {
		s.n = alloc
	}
	return StateSendData
}

func (s *SCSI) inquire(cbw *CommandBlockWrapper) State {
	if cbw.CB[1]&InquiryEVPD != 0 {
		s.n = SupportedPagesTo(s.buf[:])
		return StateSendData
	}
	s.n = s.inquiry.MarshalTo(s.buf[:])
	if alloc := int(cbw.CB[4]); alloc <= s.n {
		s.n = alloc
	}
	return StateSendData
}

func (s *SCSI) readFormatCapacities() State {
	if !s.medium {
		return s.PushSense(SenseNotReady, ASCMediumNotPresent)
	}
	s.n = CapacityListTo(s.buf[:], s.blocks)
	return StateSendData
}

func (s *SCSI) readCapacity10() State {
	if !s.medium {
		return s.PushSense(SenseNotReady, ASCMediumNotPresent)
	}
	resp := ReadCapacity10Response{LastLBA: s.blocks - 1, BlockLength: BlockSize}
	s.n = resp.MarshalTo(s.buf[:])
	return StateSendData
}

// extent decodes the block address and count of a 10-byte CDB.
func extent(cb []byte) (lba, count uint32) {
	return binary.BigEndian.Uint32(cb[2:6]), uint32(binary.BigEndian.Uint16(cb[7:9]))
}

// checkRange pushes ADDRESS OUT OF RANGE unless [lba, lba+count) lies on
// the medium.
func (s *SCSI) checkRange(lba, count uint32) State {
	if uint64(lba)+uint64(count) > uint64(s.blocks) {
		return s.PushSense(SenseIllegalRequest, ASCLBAOutOfRange)
	}
	return StateOk
}

func (s *SCSI) read10(cbw *CommandBlockWrapper) State {
	if !cbw.IsDataIn() {
		return s.PushSense(SenseIllegalRequest, ASCInvalidCommand)
	}
	if !s.medium {
		return s.PushSense(SenseNotReady, ASCMediumNotPresent)
	}
	lba, count := extent(cbw.CB[:])
	if s.checkRange(lba, count) != StateOk {
		return StateError
	}
	if cbw.DataTransferLength != count*BlockSize {
		return s.PushSense(SenseIllegalRequest, ASCInvalidCommand)
	}
	if count == 0 {
		return StateOk
	}
	s.lba, s.remaining = lba, count
	return s.readBlock()
}

func (s *SCSI) write10(cbw *CommandBlockWrapper) State {
	if cbw.IsDataIn() {
		return s.PushSense(SenseIllegalRequest, ASCInvalidCommand)
	}
	if !s.medium {
		return s.PushSense(SenseNotReady, ASCMediumNotPresent)
	}
	if !writable(s.storage) {
		return s.PushSense(SenseNotReady, ASCWriteProtected)
	}
	lba, count := extent(cbw.CB[:])
	if s.checkRange(lba, count) != StateOk {
		return StateError
	}
	if cbw.DataTransferLength != count*BlockSize {
		return s.PushSense(SenseIllegalRequest, ASCInvalidCommand)
	}
	if count == 0 {
		return StateOk
	}
	s.lba, s.remaining = lba, count
	s.n = BlockSize
	return StateDataOut
}

func (s *SCSI) verify10(cbw *CommandBlockWrapper) State {
	if cbw.CB[1]&Verify10ByteCheck != 0 {
		return s.PushSense(SenseIllegalRequest, ASCInvalidFieldInCDB)
	}
	if !s.medium {
		return s.PushSense(SenseNotReady, ASCMediumNotPresent)
	}
	return s.checkRange(extent(cbw.CB[:]))
}

func (s *SCSI) readBlock() State {
	if err := s.storage.Read(s.buf[:], s.lba, 1); err != nil {
		pkg.LogDebug(pkg.ComponentSCSI, "block read failed", "lba", s.lba, "error", err)
		s.remaining = 0
		return s.PushSense(SenseHardwareError, ASCUnrecoveredReadError)
	}
	s.lba++
	s.remaining--
	s.n = BlockSize
	if s.remaining == 0 {
		return StateLastDataIn
	}
	return StateDataIn
}

func (s *SCSI) writeBlock() State {
	w, ok := s.storage.(Writer)
	if !ok {
		s.remaining = 0
		return s.PushSense(SenseNotReady, ASCWriteProtected)
	}
	if err := w.Write(s.buf[:], s.lba, 1); err != nil {
		pkg.LogDebug(pkg.ComponentSCSI, "block write failed", "lba", s.lba, "error", err)
		s.remaining = 0
		return s.PushSense(SenseHardwareError, ASCWriteFault)
	}
	s.lba++
	s.remaining--
	if s.remaining == 0 {
		return StateOk
	}
	s.n = BlockSize
	return StateDataOut
}
