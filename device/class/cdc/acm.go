package cdc

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ardnew/pmausb/device"
	"github.com/ardnew/pmausb/device/hal"
	"github.com/ardnew/pmausb/pkg"
)

// Interface numbers.
const (
	InterfaceControl = 0
	InterfaceData    = 1
)

// DefaultWriteTimeout bounds how long Write waits for the IN endpoint to
// finish the previous packet.
const DefaultWriteTimeout = 10 * time.Millisecond

// writeChunk is the largest packet Write queues. Staying one byte under
// the max packet size means no write ever needs a ZLP; some hosts drop
// full-sized serial packets.
const writeChunk = MaxPacketSize - 1

// Option configures an ACM.
type Option func(*ACM)

// WithRingSize sets the receive ring size, rounded up to a power of two.
func WithRingSize(n int) Option {
	return func(a *ACM) { a.rx = NewRing(n) }
}

// WithWriteTimeout sets how long Write waits on a busy IN endpoint before
// dropping the rest of its data.
func WithWriteTimeout(d time.Duration) Option {
	return func(a *ACM) { a.timeout = d }
}

// WithIdle sets the function Write calls while it waits for the IN
// endpoint. The default yields the processor.
func WithIdle(fn func()) Option {
	return func(a *ACM) { a.idle = fn }
}

// ACM implements a CDC Abstract Control Model serial port: a control
// interface with an interrupt notification endpoint and a data interface
// with one bulk endpoint per direction.
//
// Received data collects in a ring buffer. Reception pauses while the ring
// cannot take a full packet, leaving the host NAKed until Read makes room.
type ACM struct {
	ctl *device.Control
	rx  *Ring

	timeout time.Duration
	idle    func()

	configured atomic.Bool
	txBusy     atomic.Bool
	rxPaused   atomic.Bool

	mutex                sync.Mutex
	lineCoding           LineCoding
	controlState         uint16
	onLineCodingChange   func(LineCoding)
	onControlStateChange func(dtr, rts bool)
	onBreak              func(millis uint16)

	// OUT data-stage request waiting for ControlDataReady
	request uint8

	// Buffers (zero-allocation pattern)
	rxPacket  [MaxPacketSize]byte
	cmdBuf    [8]byte
	notifyBuf [SerialStatePacketSize]byte
}

// New creates a CDC-ACM class.
func New(opts ...Option) *ACM {
	a := &ACM{
		timeout:    DefaultWriteTimeout,
		idle:       runtime.Gosched,
		lineCoding: DefaultLineCoding,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.rx == nil {
		a.rx = NewRing(DefaultRingSize)
	}
	return a
}

// SetOnLineCodingChange sets the callback for SET_LINE_CODING.
func (a *ACM) SetOnLineCodingChange(cb func(LineCoding)) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.onLineCodingChange = cb
}

// SetOnControlStateChange sets the callback for SET_CONTROL_LINE_STATE.
func (a *ACM) SetOnControlStateChange(cb func(dtr, rts bool)) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.onControlStateChange = cb
}

// SetOnBreak sets the callback for SEND_BREAK.
func (a *ACM) SetOnBreak(cb func(millis uint16)) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	a.onBreak = cb
}

// LineCoding returns the current line coding.
func (a *ACM) LineCoding() LineCoding {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.lineCoding
}

// DTR returns the Data Terminal Ready line.
func (a *ACM) DTR() bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.controlState&ControlLineDTR != 0
}

// RTS returns the Request To Send line.
func (a *ACM) RTS() bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.controlState&ControlLineRTS != 0
}

// Configured reports whether the host has selected the configuration.
func (a *ACM) Configured() bool { return a.configured.Load() }

// Descriptor returns the communications and data interfaces.
func (a *ACM) Descriptor() device.ClassDescriptor {
	comm := device.InterfaceDescriptor{
		InterfaceNumber:   InterfaceControl,
		NumEndpoints:      1,
		InterfaceClass:    ClassCDC,
		InterfaceSubClass: SubclassACM,
		InterfaceProtocol: ProtocolAT,
		InterfaceIndex:    device.StringIndexInterface,
	}
	notify := device.EndpointDescriptor{
		EndpointAddress: EndpointNotify,
		Attributes:      uint8(hal.KindInterrupt),
		MaxPacketSize:   NotifyMaxPacketSize,
		Interval:        NotifyInterval,
	}
	data := device.InterfaceDescriptor{
		InterfaceNumber: InterfaceData,
		NumEndpoints:    2,
		InterfaceClass:  ClassCDCData,
	}
	out := device.EndpointDescriptor{EndpointAddress: EndpointOut, Attributes: uint8(hal.KindBulk), MaxPacketSize: MaxPacketSize}
	in := device.EndpointDescriptor{EndpointAddress: EndpointIn, Attributes: uint8(hal.KindBulk), MaxPacketSize: MaxPacketSize}

	body := comm.AppendTo(nil)
	body = appendHeader(body)
	body = appendCallManagement(body, InterfaceData)
	body = appendACM(body)
	body = appendUnion(body, InterfaceControl, InterfaceData)
	body = notify.AppendTo(body)
	body = data.AppendTo(body)
	body = out.AppendTo(body)
	body = in.AppendTo(body)

	return device.ClassDescriptor{
		DeviceClass:    ClassCDC,
		DeviceSubClass: SubclassACM,
		Interfaces:     2,
		Body:           body,
	}
}

// Init opens the endpoints, resets the line coding and starts reception.
func (a *ACM) Init(ctl *device.Control, config uint8) error {
	a.ctl = ctl
	engine := ctl.Engine()
	if err := engine.Open(EndpointIn, hal.KindBulk, MaxPacketSize, a.transmitted); err != nil {
		return fmt.Errorf("open bulk IN: %w", err)
	}
	if err := engine.Open(EndpointOut, hal.KindBulk, MaxPacketSize, a.received); err != nil {
		return fmt.Errorf("open bulk OUT: %w", err)
	}
	if err := engine.Open(EndpointNotify, hal.KindInterrupt, NotifyMaxPacketSize, nil); err != nil {
		return fmt.Errorf("open interrupt IN: %w", err)
	}

	a.rx.Reset()
	a.txBusy.Store(false)
	a.rxPaused.Store(false)
	a.mutex.Lock()
	a.lineCoding = DefaultLineCoding
	a.controlState = 0
	a.mutex.Unlock()
	a.configured.Store(true)
	pkg.LogDebug(pkg.ComponentCDC, "CDC-ACM configured", "config", config, "ring", a.rx.Size())

	return engine.Read(EndpointOut, a.rxPacket[:])
}

// Deinit closes the endpoints and discards buffered data.
func (a *ACM) Deinit(ctl *device.Control) {
	a.configured.Store(false)
	engine := ctl.Engine()
	engine.Close(EndpointIn)
	engine.Close(EndpointOut)
	engine.Close(EndpointNotify)
	a.rx.Reset()
	a.txBusy.Store(false)
	pkg.LogDebug(pkg.ComponentCDC, "CDC-ACM deconfigured")
}

// Setup accepts every class request. Line coding and control line state
// are kept; the rest are acknowledged and ignored.
func (a *ACM) Setup(ctl *device.Control, req *device.SetupPacket) bool {
	if req.Type() != device.RequestTypeClass {
		return false
	}

	switch {
	case req.Length == 0:
		a.command(req.Request, req.Value)
	case req.IsDeviceToHost():
		clear(a.cmdBuf[:])
		if req.Request == RequestGetLineCoding {
			lc := a.LineCoding()
			lc.MarshalTo(a.cmdBuf[:])
		}
		ctl.Send(a.cmdBuf[:min(int(req.Length), len(a.cmdBuf))])
	default:
		if int(req.Length) > len(a.cmdBuf) {
			return false
		}
		a.request = req.Request
		ctl.Receive(a.cmdBuf[:req.Length])
	}
	return true
}

// ControlDataReady applies the data stage of SET_LINE_CODING.
func (a *ACM) ControlDataReady(ctl *device.Control) {
	req := ctl.Request()
	if a.request != RequestSetLineCoding {
		return
	}

	var lc LineCoding
	if err := ParseLineCoding(a.cmdBuf[:req.Length], &lc); err != nil {
		pkg.LogWarn(pkg.ComponentCDC, "bad line coding", "error", err)
		return
	}
	a.mutex.Lock()
	a.lineCoding = lc
	cb := a.onLineCodingChange
	a.mutex.Unlock()

	pkg.LogDebug(pkg.ComponentCDC, "line coding set", "coding", lc.String())
	if cb != nil {
		cb(lc)
	}
}

func (a *ACM) command(request uint8, value uint16) {
	switch request {
	case RequestSetControlLineState:
		a.mutex.Lock()
		a.controlState = value
		cb := a.onControlStateChange
		a.mutex.Unlock()

		dtr, rts := value&ControlLineDTR != 0, value&ControlLineRTS != 0
		pkg.LogDebug(pkg.ComponentCDC, "control line state set", "dtr", dtr, "rts", rts)
		if cb != nil {
			cb(dtr, rts)
		}
	case RequestSendBreak:
		a.mutex.Lock()
		cb := a.onBreak
		a.mutex.Unlock()

		pkg.LogDebug(pkg.ComponentCDC, "break signaled", "duration_ms", value)
		if cb != nil {
			cb(value)
		}
	}
}

// Available returns the number of received bytes waiting to be read.
func (a *ACM) Available() int { return a.rx.Len() }

// Read moves up to len(buf) received bytes into buf without blocking. It
// resumes reception once the ring has room for a full packet again.
func (a *ACM) Read(buf []byte) int {
	n := a.rx.Read(buf)
	if n > 0 && a.rx.Free() >= MaxPacketSize && a.rxPaused.CompareAndSwap(true, false) {
		a.ctl.Do(a.armReceive)
	}
	return n
}

// Write queues data in packets of at most 63 bytes. It waits for each
// packet to leave before queuing the next, calling the idle function, and
// gives up when the endpoint stays busy for the write timeout. It returns
// the number of bytes queued; the rest are dropped. The idle function runs
// without the device lock, so it may service interrupts.
func (a *ACM) Write(data []byte) (int, error) {
	if !a.configured.Load() {
		return 0, pkg.ErrNotConfigured
	}

	written := 0
	deadline := time.Now().Add(a.timeout)
	for written < len(data) {
		if !a.txBusy.CompareAndSwap(false, true) {
			if time.Now().After(deadline) {
				pkg.LogWarn(pkg.ComponentCDC, "write timed out", "written", written, "dropped", len(data)-written)
				return written, fmt.Errorf("%w: %d of %d bytes written", pkg.ErrTimeout, written, len(data))
			}
			a.idle()
			continue
		}

		n := min(len(data)-written, writeChunk)
		var err error
		a.ctl.Do(func() { err = a.ctl.Engine().Write(EndpointIn, data[written:written+n]) })
		if err != nil {
			a.txBusy.Store(false)
			return written, err
		}
		written += n
		deadline = time.Now().Add(a.timeout)
	}
	return written, nil
}

// SerialState sends a SERIAL_STATE notification on the interrupt endpoint.
func (a *ACM) SerialState(state uint16) error {
	if !a.configured.Load() {
		return pkg.ErrNotConfigured
	}
	n := device.SetupPacket{
		RequestType: device.RequestDeviceToHost | device.RequestTypeClass | device.RequestRecipientInterface,
		Request:     NotificationSerialState,
		Index:       InterfaceControl,
		Length:      2,
	}
	var err error
	a.ctl.Do(func() {
		copy(a.notifyBuf[:], n.Bytes())
		a.notifyBuf[8] = byte(state)
		a.notifyBuf[9] = byte(state >> 8)
		err = a.ctl.Engine().Write(EndpointNotify, a.notifyBuf[:])
	})
	return err
}

func (a *ACM) transmitted(count int) {
	if count > 0 && count%MaxPacketSize == 0 {
		if err := a.ctl.Engine().WriteZLP(EndpointIn); err == nil {
			return
		}
	}
	a.txBusy.Store(false)
}

func (a *ACM) received(count int) {
	if n := a.rx.Write(a.rxPacket[:count]); n < count {
		pkg.LogWarn(pkg.ComponentCDC, "receive overflow", "dropped", count-n)
	}
	if a.rx.Free() < MaxPacketSize {
		a.rxPaused.Store(true)
		pkg.LogDebug(pkg.ComponentCDC, "receive paused", "buffered", a.rx.Len())
		return
	}
	a.armReceive()
}

func (a *ACM) armReceive() {
	if err := a.ctl.Engine().Read(EndpointOut, a.rxPacket[:]); err != nil {
		pkg.LogWarn(pkg.ComponentCDC, "receive failed", "error", err)
	}
}

var (
	_ device.Class              = (*ACM)(nil)
	_ device.ControlDataReadier = (*ACM)(nil)
)
