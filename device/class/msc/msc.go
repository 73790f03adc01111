package msc

import (
	"fmt"

	"github.com/ardnew/pmausb/device"
	"github.com/ardnew/pmausb/device/hal"
	"github.com/ardnew/pmausb/pkg"
)

// Bulk-Only Transport recovery status.
const (
	statusNormal   uint8 = iota // Accepting CBWs
	statusRecovery              // Mass Storage Reset received
	statusError                 // Invalid CBW, waiting for reset recovery
)

// MaxLUN is the highest logical unit number. Only LUN 0 exists.
const MaxLUN = 0

// Option configures a Class.
type Option func(*Class)

// WithDoubleBuffer opens both bulk endpoints double-buffered. A
// double-buffered endpoint owns its whole register, so the OUT endpoint
// moves to EndpointOutDouble.
func WithDoubleBuffer() Option {
	return func(c *Class) {
		c.double = true
		c.out = EndpointOutDouble
	}
}

// WithInquiry sets the vendor, product and revision strings of INQUIRY.
func WithInquiry(vendor, product, revision string) Option {
	return func(c *Class) { c.scsi.SetInquiry(vendor, product, revision) }
}

// Class implements the Mass Storage Class Bulk-Only Transport over one
// bulk IN and one bulk OUT endpoint.
type Class struct {
	scsi *SCSI
	ctl  *device.Control
	in   uint8
	out  uint8

	state  State
	status uint8
	double bool
	zlp    bool

	cbw CommandBlockWrapper
	csw CommandStatusWrapper

	// Buffers (zero-allocation pattern)
	cbwBuf [MaxPacketSize]byte
	cswBuf [CSWSize]byte
	lunBuf [1]byte
}

// New creates a mass storage class serving storage. A nil storage reports
// no medium.
func New(storage Storage, opts ...Option) *Class {
	c := &Class{scsi: NewSCSI(storage), in: EndpointIn, out: EndpointOut, state: StateOk}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SCSI returns the command processor.
func (c *Class) SCSI() *SCSI { return c.scsi }

// State returns the state of the command in progress.
func (c *Class) State() State { return c.state }

// Descriptor returns one interface with the two bulk endpoints.
func (c *Class) Descriptor() device.ClassDescriptor {
	iface := device.InterfaceDescriptor{
		NumEndpoints:      2,
		InterfaceClass:    ClassMSC,
		InterfaceSubClass: SubclassSCSI,
		InterfaceProtocol: ProtocolBulkOnly,
		InterfaceIndex:    device.StringIndexInterface,
	}
	in := device.EndpointDescriptor{EndpointAddress: c.in, Attributes: uint8(hal.KindBulk), MaxPacketSize: MaxPacketSize}
	out := device.EndpointDescriptor{EndpointAddress: c.out, Attributes: uint8(hal.KindBulk), MaxPacketSize: MaxPacketSize}
	return device.ClassDescriptor{
		Interfaces: 1,
		Body:       device.Descriptors(iface.AppendTo(nil), in.AppendTo(nil), out.AppendTo(nil)),
	}
}

// Init opens the bulk endpoints, opens the medium and waits for the first
// CBW.
func (c *Class) Init(ctl *device.Control, config uint8) error {
	c.ctl = ctl
	var opts []device.OpenOption
	if c.double {
		opts = append(opts, device.WithDoubleBuffer())
	}
	engine := ctl.Engine()
	if err := engine.Open(c.in, hal.KindBulk, MaxPacketSize, c.transmitted, opts...); err != nil {
		return fmt.Errorf("open bulk IN: %w", err)
	}
	if err := engine.Open(c.out, hal.KindBulk, MaxPacketSize, c.received, opts...); err != nil {
		return fmt.Errorf("open bulk OUT: %w", err)
	}

	c.state = c.scsi.Init()
	c.status = statusNormal
	c.zlp = false
	pkg.LogDebug(pkg.ComponentMSC, "MSC configured", "config", config, "double", c.double)

	return engine.Read(c.out, c.cbwBuf[:])
}

// Deinit closes the bulk endpoints.
func (c *Class) Deinit(ctl *device.Control) {
	ctl.Engine().Close(c.in)
	ctl.Engine().Close(c.out)
	c.state = StateOk
	pkg.LogDebug(pkg.ComponentMSC, "MSC deconfigured")
}

// Setup handles Get Max LUN and Bulk-Only Mass Storage Reset. Both are
// interface requests and are refused until the device is configured.
func (c *Class) Setup(ctl *device.Control, req *device.SetupPacket) bool {
	if req.Type() != device.RequestTypeClass || req.Recipient() != device.RequestRecipientInterface {
		return false
	}
	if ctl.DeviceState() != device.StateConfigured {
		pkg.LogDebug(pkg.ComponentMSC, "class request before configuration", "request", req.Request)
		return false
	}

	switch req.Request {
	case RequestGetMaxLUN:
		if req.Value == 0 && req.Length == 1 && req.IsDeviceToHost() {
			c.lunBuf[0] = MaxLUN
			ctl.Send(c.lunBuf[:])
			return true
		}
	case RequestBulkOnlyMassStorageReset:
		if req.Value == 0 && req.Length == 0 && !req.IsDeviceToHost() {
			pkg.LogDebug(pkg.ComponentMSC, "MSC reset requested")
			c.status = statusRecovery
			c.state = StateOk
			c.zlp = false
			c.readCBW()
			return true
		}
	}
	return false
}

// EndpointHaltCleared completes reset recovery. While a CBW error is
// outstanding the IN endpoint is halted again; otherwise clearing the IN
// halt reports the interrupted command as failed.
func (c *Class) EndpointHaltCleared(ctl *device.Control, address uint8) {
	switch {
	case c.status == statusError:
		ctl.Engine().Stall(c.in)
		c.status = statusNormal
	case address&device.EndpointDirectionIn != 0 && c.status != statusRecovery:
		c.sendCSW(CSWStatusFailed)
	}
}

func (c *Class) transmitted(int) {
	switch c.state {
	case StateDataIn, StateSendData, StateLastDataIn:
		if c.zlp {
			c.zlp = false
			if err := c.ctl.Engine().WriteZLP(c.in); err != nil {
				pkg.LogWarn(pkg.ComponentMSC, "ZLP failed", "error", err)
			}
			return
		}
		c.state = c.scsi.Resume(c.state)
		if c.state == StateError {
			// The host still expects data. The failed CSW follows the
			// IN halt being cleared.
			pkg.LogDebug(pkg.ComponentMSC, "read failed mid-transfer", "residue", c.csw.DataResidue)
			c.ctl.Engine().Stall(c.in)
			return
		}
		c.handleTransfer()
	}
}

func (c *Class) received(count int) {
	switch c.state {
	case StateDataOut:
		if want := len(c.scsi.Buffer()); count < want {
			pkg.LogDebug(pkg.ComponentMSC, "short data OUT", "count", count, "want", want)
			c.csw.DataResidue += uint32(want - count)
			c.scsi.Abort()
			c.state = StateOk
			c.sendCSW(CSWStatusPhaseError)
			return
		}
		c.state = c.scsi.Resume(c.state)
		c.handleTransfer()
	default:
		c.handleCBW(count)
	}
}

func (c *Class) handleCBW(count int) {
	err := ParseCBW(c.cbwBuf[:count], &c.cbw)
	c.csw.Tag = c.cbw.Tag
	c.csw.DataResidue = c.cbw.DataTransferLength

	if err != nil {
		pkg.LogDebug(pkg.ComponentMSC, "CBW rejected", "error", err)
		c.state = StateError
		c.status = statusError
		c.abort()
		return
	}

	c.status = statusNormal
	c.state = c.scsi.Process(&c.cbw)
	c.handleTransfer()
}

// handleTransfer moves the data the SCSI state asks for.
func (c *Class) handleTransfer() {
	switch c.state {
	case StateError:
		c.sendCSW(CSWStatusFailed)
	case StateOk:
		c.sendCSW(CSWStatusGood)
	case StateSendData:
		c.sendData(c.scsi.Buffer())
	case StateDataOut:
		buf := c.scsi.Buffer()
		c.csw.DataResidue -= uint32(len(buf))
		if err := c.ctl.Engine().Read(c.out, buf); err != nil {
			pkg.LogWarn(pkg.ComponentMSC, "data OUT failed", "error", err)
		}
	case StateDataIn, StateLastDataIn:
		buf := c.scsi.Buffer()
		c.csw.DataResidue -= uint32(len(buf))
		c.write(buf)
	}
}

// sendData sends a single-buffer response, cut to the host's expected
// length. An empty response skips straight to the status stage.
func (c *Class) sendData(buf []byte) {
	n := min(len(buf), int(c.cbw.DataTransferLength))
	if n == 0 {
		c.state = c.scsi.Resume(c.state)
		c.handleTransfer()
		return
	}
	c.csw.DataResidue -= uint32(n)
	c.zlp = n < int(c.cbw.DataTransferLength) && n%MaxPacketSize == 0
	c.write(buf[:n])
}

func (c *Class) sendCSW(status uint8) {
	c.csw.Signature = CSWSignature
	c.csw.Status = status
	c.csw.MarshalTo(c.cswBuf[:])
	pkg.LogDebug(pkg.ComponentMSC, "CSW", "tag", c.csw.Tag, "residue", c.csw.DataResidue, "status", status)

	c.write(c.cswBuf[:])
	c.readCBW()
}

// abort halts the data pipe after a CBW that cannot be trusted.
func (c *Class) abort() {
	if c.cbw.Flags == CBWFlagDataOut && c.cbw.DataTransferLength != 0 && c.status == statusNormal {
		c.ctl.Engine().Stall(c.out)
	}
	c.ctl.Engine().Stall(c.in)
	if c.status == statusError {
		c.readCBW()
	}
}

func (c *Class) readCBW() {
	if err := c.ctl.Engine().Read(c.out, c.cbwBuf[:]); err != nil {
		pkg.LogWarn(pkg.ComponentMSC, "CBW read failed", "error", err)
	}
}

func (c *Class) write(data []byte) {
	if err := c.ctl.Engine().Write(c.in, data); err != nil {
		pkg.LogWarn(pkg.ComponentMSC, "data IN failed", "error", err)
	}
}

var (
	_ device.Class               = (*Class)(nil)
	_ device.EndpointHaltClearer = (*Class)(nil)
)
