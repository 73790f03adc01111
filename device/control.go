package device

import (
	"fmt"
	"sync"

	"github.com/ardnew/pmausb/device/hal"
	"github.com/ardnew/pmausb/pkg"
)

// MaxConfigurations is the number of configurations the device reports.
const MaxConfigurations = 1

// Device GET_STATUS bits.
const (
	StatusSelfPowered  = 0x01
	StatusRemoteWakeup = 0x02
)

// EndpointStatusHalt is the endpoint GET_STATUS halt bit.
const EndpointStatusHalt = 0x01

// Control runs the control-transfer state machine on endpoint 0 and owns
// the device state it implies. Classes reach the endpoint engine and the
// control pipe through it.
type Control struct {
	engine *Engine
	hw     hal.Peripheral
	class  Class
	cfg    *Config
	lock   sync.Locker

	state    State
	previous State
	ctlState ControlState
	ctlLen   uint16
	req      SetupPacket

	address        uint8
	pendingAddress uint8
	addressPending bool
	config         uint8
	remoteWakeup   bool

	deviceDesc []byte
	configDesc []byte
	interfaces uint8
	classMark  uint16

	buf [ControlBufferSize]byte
}

func newControl(engine *Engine, hw hal.Peripheral, class Class, cfg *Config, lock sync.Locker) *Control {
	c := &Control{engine: engine, hw: hw, class: class, cfg: cfg, lock: lock}

	cd := class.Descriptor()
	dev := DeviceDescriptor{
		USBVersion:        USBVersion,
		DeviceClass:       cd.DeviceClass,
		DeviceSubClass:    cd.DeviceSubClass,
		DeviceProtocol:    cd.DeviceProtocol,
		MaxPacketSize0:    MaxPacketSize0,
		VendorID:          cfg.VendorID,
		ProductID:         cfg.ProductID,
		DeviceVersion:     cfg.DeviceVersion,
		ManufacturerIndex: StringIndexManufacturer,
		ProductIndex:      StringIndexProduct,
		SerialNumberIndex: StringIndexSerial,
		NumConfigurations: MaxConfigurations,
	}
	hdr := ConfigurationDescriptor{
		TotalLength:        uint16(ConfigurationDescriptorSize + len(cd.Body)),
		NumInterfaces:      cd.Interfaces,
		ConfigurationValue: 1,
		ConfigurationIndex: StringIndexConfiguration,
		Attributes:         cfg.attributes(),
		MaxPower:           cfg.maxPower(),
	}
	c.deviceDesc = dev.AppendTo(make([]byte, 0, DeviceDescriptorSize))
	c.configDesc = Descriptors(hdr.AppendTo(nil), cd.Body)
	c.interfaces = cd.Interfaces

	engine.SetSetupHandler(c.handleSetup)
	return c
}

// init opens both directions of endpoint 0 and returns to the Default
// state.
func (c *Control) init() error {
	if err := c.engine.Open(EndpointControlIn, hal.KindControl, MaxPacketSize0, c.dataIn); err != nil {
		return err
	}
	if err := c.engine.Open(EndpointControlOut, hal.KindControl, MaxPacketSize0, c.dataOut); err != nil {
		return err
	}
	c.classMark = c.engine.Allocator().Mark()
	c.address = 0
	c.pendingAddress = 0
	c.addressPending = false
	c.config = 0
	c.remoteWakeup = false
	c.ctlState = ControlIdle
	c.setState(StateDefault)
	return nil
}

// deinit releases the class if a configuration is active.
func (c *Control) deinit() {
	if c.config == 0 {
		return
	}
	c.config = 0
	c.class.Deinit(c)
	c.engine.Allocator().Release(c.classMark)
}

func (c *Control) setState(s State) {
	if c.state != s {
		pkg.LogDebug(pkg.ComponentControl, "device state", "from", c.state.String(), "to", s.String())
	}
	c.state = s
}

func (c *Control) suspend() {
	if c.state == StateSuspended {
		return
	}
	c.previous = c.state
	c.setState(StateSuspended)
}

func (c *Control) resume() {
	if c.state == StateSuspended {
		c.setState(c.previous)
	}
}

// Engine returns the endpoint engine classes open their endpoints on.
func (c *Control) Engine() *Engine { return c.engine }

// Do runs fn holding the lock that serializes interrupt service. Class code
// called from application goroutines reaches the engine through Do. Class
// callbacks already run under the lock and must not call it.
func (c *Control) Do(fn func()) {
	c.lock.Lock()
	defer c.lock.Unlock()
	fn()
}

// State returns the control-transfer sub-state.
func (c *Control) State() ControlState { return c.ctlState }

// DeviceState returns the USB device state.
func (c *Control) DeviceState() State { return c.state }

// Address returns the address applied to hardware.
func (c *Control) Address() uint8 { return c.address }

// Configuration returns the active configuration value, 0 if unconfigured.
func (c *Control) Configuration() uint8 { return c.config }

// RemoteWakeup reports whether the host enabled remote wakeup.
func (c *Control) RemoteWakeup() bool { return c.remoteWakeup }

// Request returns the setup packet being serviced.
func (c *Control) Request() SetupPacket { return c.req }

// Send starts the IN data stage. data is truncated to the requested length
// and must stay valid until the stage completes.
func (c *Control) Send(data []byte) {
	if len(data) > int(c.ctlLen) {
		data = data[:c.ctlLen]
	}
	c.ctlState = ControlDataIn
	if err := c.engine.Write(EndpointControlIn, data); err != nil {
		pkg.LogWarn(pkg.ComponentControl, "data stage failed", "error", err)
		c.Error()
	}
}

// Receive starts the OUT data stage into buf.
func (c *Control) Receive(buf []byte) {
	c.ctlState = ControlDataOut
	if err := c.engine.Read(EndpointControlOut, buf); err != nil {
		pkg.LogWarn(pkg.ComponentControl, "data stage failed", "error", err)
		c.Error()
	}
}

// SendStatus acknowledges a request with a zero-length IN status stage.
func (c *Control) SendStatus() {
	c.ctlState = ControlStatusIn
	if err := c.engine.WriteZLP(EndpointControlIn); err != nil {
		c.Error()
	}
}

// ReceiveStatus waits for the host's zero-length OUT status stage.
func (c *Control) ReceiveStatus() {
	c.ctlState = ControlStatusOut
	if err := c.engine.Read(EndpointControlOut, nil); err != nil {
		c.Error()
	}
}

// Error rejects the current request by stalling both directions of
// endpoint 0. The next SETUP clears the stall.
func (c *Control) Error() {
	c.ctlState = ControlStall
	c.engine.Stall(EndpointControlIn)
	c.engine.Stall(EndpointControlOut)
	pkg.LogDebug(pkg.ComponentControl, "request stalled", "request", c.req.String())
}

func (c *Control) handleSetup(data []byte) {
	if err := ParseSetupPacket(data, &c.req); err != nil {
		pkg.LogWarn(pkg.ComponentControl, "bad setup packet", "error", err)
		c.Error()
		return
	}
	c.ctlState = ControlSetup
	c.ctlLen = c.req.Length
	pkg.LogDebug(pkg.ComponentControl, "setup", "request", c.req.String(), "state", c.state.String())

	switch c.req.Recipient() {
	case RequestRecipientDevice:
		c.deviceRequest(&c.req)
	case RequestRecipientInterface:
		c.interfaceRequest(&c.req)
	case RequestRecipientEndpoint:
		c.endpointRequest(&c.req)
	default:
		c.Error()
	}
}

// classRequest hands req to the class and finishes a no-data request with
// the status stage.
func (c *Control) classRequest(req *SetupPacket) {
	if !c.class.Setup(c, req) {
		c.Error()
		return
	}
	if req.Length == 0 && c.ctlState == ControlSetup {
		c.SendStatus()
	}
}

func (c *Control) deviceRequest(req *SetupPacket) {
	if req.Type() != RequestTypeStandard {
		c.classRequest(req)
		return
	}
	switch req.Request {
	case RequestGetDescriptor:
		c.getDescriptor(req)
	case RequestSetAddress:
		c.setAddress(req)
	case RequestSetConfiguration:
		c.setConfiguration(req)
	case RequestGetConfiguration:
		if req.Length != 1 {
			c.Error()
			return
		}
		c.buf[0] = c.config
		c.Send(c.buf[:1])
	case RequestGetStatus:
		if req.Length != 2 {
			c.Error()
			return
		}
		var status uint8
		if c.cfg.SelfPowered {
			status |= StatusSelfPowered
		}
		if c.remoteWakeup {
			status |= StatusRemoteWakeup
		}
		c.buf[0], c.buf[1] = status, 0
		c.Send(c.buf[:2])
	case RequestSetFeature, RequestClearFeature:
		if req.Value != FeatureDeviceRemoteWakeup {
			c.Error()
			return
		}
		c.remoteWakeup = req.Request == RequestSetFeature
		c.SendStatus()
	default:
		c.Error()
	}
}

func (c *Control) getDescriptor(req *SetupPacket) {
	var data []byte
	switch req.DescriptorType() {
	case DescriptorTypeDevice:
		data = c.deviceDesc
	case DescriptorTypeConfiguration:
		data = c.configDesc
	case DescriptorTypeString:
		data = c.buf[:c.stringDescriptor(req.DescriptorIndex())]
	}
	if len(data) == 0 {
		c.Error()
		return
	}
	if req.Length == 0 {
		c.SendStatus()
		return
	}
	c.Send(data)
}

func (c *Control) stringDescriptor(index uint8) int {
	switch index {
	case StringIndexLangID:
		return LanguageDescriptorTo(c.buf[:])
	case StringIndexManufacturer:
		return StringDescriptorTo(c.buf[:], c.cfg.Manufacturer)
	case StringIndexProduct:
		return StringDescriptorTo(c.buf[:], c.cfg.Product)
	case StringIndexSerial:
		return SerialDescriptorTo(c.buf[:], c.cfg.UniqueID)
	case StringIndexConfiguration:
		return StringDescriptorTo(c.buf[:], c.cfg.Configuration)
	case StringIndexInterface:
		return StringDescriptorTo(c.buf[:], c.cfg.Interface)
	}
	return 0
}

func (c *Control) setAddress(req *SetupPacket) {
	if req.Index != 0 || req.Length != 0 || req.Value >= 128 || c.state == StateConfigured {
		c.Error()
		return
	}
	c.pendingAddress = uint8(req.Value)
	c.addressPending = true
	if c.pendingAddress != 0 {
		c.setState(StateAddressed)
	} else {
		c.setState(StateDefault)
	}
	c.SendStatus()
}

func (c *Control) setConfiguration(req *SetupPacket) {
	if req.Value > MaxConfigurations {
		c.Error()
		return
	}
	c.deinit()

	switch c.state {
	case StateAddressed, StateConfigured:
		if req.Value == 0 {
			c.setState(StateAddressed)
			break
		}
		c.config = uint8(req.Value)
		if err := c.class.Init(c, c.config); err != nil {
			pkg.LogError(pkg.ComponentControl, "class init failed", "config", c.config, "error", err)
			c.deinit()
			c.setState(StateAddressed)
			c.Error()
			return
		}
		c.setState(StateConfigured)
	default:
		c.Error()
		return
	}
	c.SendStatus()
}

func (c *Control) interfaceRequest(req *SetupPacket) {
	if c.state == StateSuspended || req.IndexLow() >= c.interfaces {
		c.Error()
		return
	}
	if c.class.Setup(c, req) {
		if req.Length == 0 && c.ctlState == ControlSetup {
			c.SendStatus()
		}
		return
	}
	if req.Type() != RequestTypeStandard || c.state != StateConfigured {
		c.Error()
		return
	}

	// Single alternate setting on every interface.
	switch {
	case req.Request == RequestGetStatus && req.Length == 2:
		c.buf[0], c.buf[1] = 0, 0
		c.Send(c.buf[:2])
	case req.Request == RequestGetInterface && req.Length == 1:
		c.buf[0] = 0
		c.Send(c.buf[:1])
	case req.Request == RequestSetInterface && req.Value == 0:
		c.SendStatus()
	default:
		c.Error()
	}
}

func (c *Control) endpointRequest(req *SetupPacket) {
	if req.Type() != RequestTypeStandard {
		c.classRequest(req)
		return
	}
	address := req.IndexLow()
	control := address&EndpointNumberMask == 0

	switch c.state {
	case StateAddressed:
		if !control {
			c.Error()
			return
		}
	case StateConfigured:
	default:
		c.Error()
		return
	}

	switch req.Request {
	case RequestSetFeature:
		if req.Value != FeatureEndpointHalt || req.Length != 0 {
			c.Error()
			return
		}
		if !control {
			if !c.engine.IsOpen(address) {
				c.Error()
				return
			}
			c.engine.Stall(address)
		}
		c.SendStatus()
	case RequestClearFeature:
		if req.Value != FeatureEndpointHalt || req.Length != 0 {
			c.Error()
			return
		}
		if !control {
			if !c.engine.IsOpen(address) {
				c.Error()
				return
			}
			c.engine.Destall(address)
			if h, ok := c.class.(EndpointHaltClearer); ok {
				h.EndpointHaltCleared(c, address)
			}
		}
		c.SendStatus()
	case RequestGetStatus:
		if req.Length != 2 || !c.engine.IsOpen(address) {
			c.Error()
			return
		}
		var status uint8
		if c.engine.IsStalled(address) {
			status = EndpointStatusHalt
		}
		c.buf[0], c.buf[1] = status, 0
		c.Send(c.buf[:2])
	default:
		c.Error()
	}
}

// dataIn completes an IN transaction on endpoint 0.
func (c *Control) dataIn(count int) {
	switch c.ctlState {
	case ControlDataIn:
		if count > 0 && count%MaxPacketSize0 == 0 && count < int(c.ctlLen) {
			c.ctlLen = 0
			if err := c.engine.WriteZLP(EndpointControlIn); err != nil {
				c.Error()
			}
			break
		}
		c.ReceiveStatus()
	case ControlStatusIn:
		c.ctlState = ControlIdle
	}

	if c.addressPending {
		c.addressPending = false
		c.address = c.pendingAddress
		c.hw.SetAddress(c.address)
		pkg.LogDebug(pkg.ComponentControl, "address applied", "address", c.address)
	}
}

// dataOut completes an OUT transaction on endpoint 0.
func (c *Control) dataOut(count int) {
	switch c.ctlState {
	case ControlDataOut:
		if c.state == StateConfigured {
			if r, ok := c.class.(ControlDataReadier); ok {
				r.ControlDataReady(c)
			}
		}
		c.SendStatus()
	case ControlStatusOut:
		c.ctlState = ControlIdle
	default:
		pkg.LogDebug(pkg.ComponentControl, "unexpected OUT", "count", count, "state", c.ctlState.String())
	}
}

func (c *Control) String() string {
	return fmt.Sprintf("control{state=%s ctl=%s addr=%d config=%d}", c.state, c.ctlState, c.address, c.config)
}
