package device

import (
	"fmt"

	"github.com/ardnew/pmausb/device/hal"
	"github.com/ardnew/pmausb/pkg"
)

// Endpoint address fields.
const (
	EndpointDirectionIn = 0x80
	EndpointNumberMask  = 0x0F
)

// Full-speed max packet limits.
const (
	MaxPacketSizeFull = 64
	MaxPacketSizeIso  = 1023
)

// Callback is invoked on the interrupt path when a transfer completes, with
// the number of bytes moved. It may start the next transfer on the same
// endpoint.
type Callback func(count int)

// OpenOption modifies how Engine.Open activates an endpoint.
type OpenOption func(*endpoint)

// WithDoubleBuffer allocates two packet buffers for a bulk endpoint so the
// hardware can fill or drain one while software services the other. The
// endpoint register becomes unidirectional.
func WithDoubleBuffer() OpenOption {
	return func(ep *endpoint) { ep.double = true }
}

type endpoint struct {
	num  uint8
	dir  hal.Direction
	kind hal.EndpointKind
	mps  uint16
	pma  [2]uint16

	open    bool
	stalled bool
	double  bool
	active  bool

	buf         []byte
	remaining   int
	transferred int
	loaded      int
	callback    Callback

	held  [2]hal.Slot
	nheld int
}

func (ep *endpoint) address() uint8 {
	if ep.dir == hal.DirIn {
		return ep.num | EndpointDirectionIn
	}
	return ep.num
}

func (ep *endpoint) offset(slot hal.Slot) uint16 {
	if ep.double {
		return ep.pma[slot]
	}
	return ep.pma[0]
}

func (ep *endpoint) clearTransfer() {
	ep.buf = nil
	ep.remaining = 0
	ep.transferred = 0
	ep.loaded = 0
	ep.active = false
	ep.nheld = 0
}

// Engine multiplexes packet memory across endpoints and moves transfers of
// any length through them one packet at a time.
type Engine struct {
	hw    hal.Peripheral
	pma   *Allocator
	in    []endpoint
	out   []endpoint
	setup func([]byte)

	setupBuf [SetupPacketSize]byte
}

// NewEngine returns an engine for every endpoint register of hw.
func NewEngine(hw hal.Peripheral) *Engine {
	n := hw.Endpoints()
	e := &Engine{
		hw:  hw,
		pma: NewAllocator(hw.PMASize(), n),
		in:  make([]endpoint, n),
		out: make([]endpoint, n),
	}
	for i := range n {
		e.in[i] = endpoint{num: uint8(i), dir: hal.DirIn}
		e.out[i] = endpoint{num: uint8(i), dir: hal.DirOut}
	}
	return e
}

// SetSetupHandler registers the function that receives SETUP packets from
// control endpoint 0.
func (e *Engine) SetSetupHandler(fn func(setup []byte)) { e.setup = fn }

// Allocator exposes the packet memory allocator.
func (e *Engine) Allocator() *Allocator { return e.pma }

// Reset closes every endpoint and rewinds packet memory. The hardware
// registers are expected to have been cleared by the bus reset.
func (e *Engine) Reset() {
	e.pma.Reset()
	for i := range e.in {
		for _, ep := range []*endpoint{&e.in[i], &e.out[i]} {
			ep.open = false
			ep.stalled = false
			ep.double = false
			ep.callback = nil
			ep.clearTransfer()
		}
	}
}

func (e *Engine) lookup(address uint8) (*endpoint, error) {
	num := int(address & EndpointNumberMask)
	if num >= len(e.in) {
		return nil, fmt.Errorf("%w: 0x%02X", pkg.ErrInvalidEndpoint, address)
	}
	if address&EndpointDirectionIn != 0 {
		return &e.in[num], nil
	}
	return &e.out[num], nil
}

func (e *Engine) opened(address uint8) (*endpoint, error) {
	ep, err := e.lookup(address)
	if err != nil {
		return nil, err
	}
	if !ep.open {
		return nil, fmt.Errorf("%w: 0x%02X", pkg.ErrEndpointNotOpen, address)
	}
	return ep, nil
}

// Open binds an endpoint to a transfer type and packet size, allocates its
// packet memory and activates it: IN endpoints answer NAK (isochronous IN
// stays disabled) and OUT endpoints are armed to receive.
func (e *Engine) Open(address uint8, kind hal.EndpointKind, mps uint16, cb Callback, opts ...OpenOption) error {
	ep, err := e.lookup(address)
	if err != nil {
		return err
	}
	if ep.open {
		return fmt.Errorf("%w: endpoint 0x%02X already open", pkg.ErrInvalidParameter, address)
	}
	limit := uint16(MaxPacketSizeFull)
	if kind == hal.KindIsochronous {
		limit = MaxPacketSizeIso
	}
	if mps == 0 || mps > limit {
		return fmt.Errorf("%w: max packet %d for %s endpoint", pkg.ErrInvalidParameter, mps, kind)
	}

	ep.kind = kind
	ep.mps = mps
	ep.callback = cb
	ep.double = false
	ep.stalled = false
	ep.clearTransfer()
	for _, opt := range opts {
		opt(ep)
	}
	if ep.double && kind != hal.KindBulk {
		return fmt.Errorf("%w: double buffering on %s endpoint", pkg.ErrNotSupported, kind)
	}

	size := (mps + 1) &^ 1
	mark := e.pma.Mark()
	if ep.pma[0], err = e.pma.Alloc(size); err != nil {
		return err
	}
	if ep.double {
		if ep.pma[1], err = e.pma.Alloc(size); err != nil {
			e.pma.Release(mark)
			return err
		}
	}
	ep.open = true
	e.activate(ep)

	pkg.LogDebug(pkg.ComponentEndpoint, "endpoint opened",
		"address", fmt.Sprintf("0x%02X", address),
		"type", kind.String(),
		"maxPacket", mps,
		"pma", ep.pma[0],
		"double", ep.double)
	return nil
}

func (e *Engine) activate(ep *endpoint) {
	hw := e.hw
	hw.SetEndpointType(ep.num, ep.kind, ep.double)

	if ep.double {
		hw.SetBufferAddress(ep.num, hal.Slot0, ep.pma[0])
		hw.SetBufferAddress(ep.num, hal.Slot1, ep.pma[1])
		hw.ClearToggle(ep.num, hal.DirIn)
		hw.ClearToggle(ep.num, hal.DirOut)
		ep.nheld = 0
		if ep.dir == hal.DirIn {
			hw.SetStatus(ep.num, hal.DirIn, hal.StatusNAK)
			hw.SetStatus(ep.num, hal.DirOut, hal.StatusDisabled)
			return
		}
		for _, slot := range []hal.Slot{hal.Slot0, hal.Slot1} {
			hw.SetBufferCount(ep.num, slot, ep.mps)
			hw.ArmBuffer(ep.num, slot)
		}
		hw.SetStatus(ep.num, hal.DirOut, hal.StatusValid)
		hw.SetStatus(ep.num, hal.DirIn, hal.StatusDisabled)
		return
	}

	if ep.dir == hal.DirIn {
		hw.SetBufferAddress(ep.num, hal.SlotTx, ep.pma[0])
		hw.ClearToggle(ep.num, hal.DirIn)
		if ep.kind != hal.KindIsochronous {
			hw.SetStatus(ep.num, hal.DirIn, hal.StatusNAK)
		}
		return
	}
	hw.SetBufferAddress(ep.num, hal.SlotRx, ep.pma[0])
	hw.SetBufferCount(ep.num, hal.SlotRx, ep.mps)
	hw.ClearToggle(ep.num, hal.DirOut)
	hw.SetStatus(ep.num, hal.DirOut, hal.StatusValid)
}

// Close deactivates an endpoint. Its packet memory stays allocated until
// the next Reset.
func (e *Engine) Close(address uint8) {
	ep, err := e.lookup(address)
	if err != nil || !ep.open {
		return
	}
	ep.open = false
	ep.clearTransfer()
	if ep.double {
		e.hw.ClearToggle(ep.num, hal.DirIn)
		e.hw.ClearToggle(ep.num, hal.DirOut)
		e.hw.SetStatus(ep.num, hal.DirIn, hal.StatusDisabled)
		e.hw.SetStatus(ep.num, hal.DirOut, hal.StatusDisabled)
		return
	}
	e.hw.ClearToggle(ep.num, ep.dir)
	e.hw.SetStatus(ep.num, ep.dir, hal.StatusDisabled)
}

// IsOpen reports whether address has been opened since the last reset.
func (e *Engine) IsOpen(address uint8) bool {
	ep, err := e.lookup(address)
	return err == nil && ep.open
}

// IsStalled reports the logical stall flag of address.
func (e *Engine) IsStalled(address uint8) bool {
	ep, err := e.lookup(address)
	return err == nil && ep.stalled
}

// MaxPacket returns the packet size address was opened with.
func (e *Engine) MaxPacket(address uint8) uint16 {
	ep, err := e.lookup(address)
	if err != nil {
		return 0
	}
	return ep.mps
}

// Stall answers every following transaction on address with STALL.
func (e *Engine) Stall(address uint8) {
	ep, err := e.lookup(address)
	if err != nil {
		return
	}
	ep.stalled = true
	e.hw.SetStatus(ep.num, ep.dir, hal.StatusStall)
	pkg.LogDebug(pkg.ComponentEndpoint, "endpoint stalled", "address", fmt.Sprintf("0x%02X", address))
}

// Destall clears the stall and resets the data toggle to DATA0. IN
// endpoints return to NAK and OUT endpoints are re-armed.
func (e *Engine) Destall(address uint8) {
	ep, err := e.lookup(address)
	if err != nil {
		return
	}
	ep.stalled = false
	pkg.LogDebug(pkg.ComponentEndpoint, "endpoint destalled", "address", fmt.Sprintf("0x%02X", address))

	if ep.double {
		if ep.open {
			e.activate(ep)
		}
		return
	}
	e.hw.ClearToggle(ep.num, ep.dir)
	if ep.dir == hal.DirIn {
		if ep.kind != hal.KindIsochronous {
			e.hw.SetStatus(ep.num, hal.DirIn, hal.StatusNAK)
		}
		return
	}
	e.hw.SetStatus(ep.num, hal.DirOut, hal.StatusValid)
}

// Read receives up to len(buf) bytes on OUT endpoint address. The callback
// fires when buf is full or the host ends the transfer with a short packet.
func (e *Engine) Read(address uint8, buf []byte) error {
	ep, err := e.opened(address &^ EndpointDirectionIn)
	if err != nil {
		return err
	}
	ep.buf = buf
	ep.remaining = len(buf)
	ep.transferred = 0
	ep.active = true

	if ep.nheld > 0 {
		e.drainHeld(ep)
		return nil
	}
	if !ep.double {
		e.armOut(ep)
	}
	return nil
}

// Write transmits data on IN endpoint address in max-packet chunks. The
// callback fires after the last chunk is acknowledged. A zero-length
// write sends one empty packet.
func (e *Engine) Write(address uint8, data []byte) error {
	ep, err := e.opened(address | EndpointDirectionIn)
	if err != nil {
		return err
	}
	ep.buf = data
	ep.remaining = len(data)
	ep.transferred = 0
	ep.loaded = 0
	ep.active = true

	if ep.double {
		slot := slotOf(e.hw.Toggle(ep.num, hal.DirIn))
		e.loadSlot(ep, slot)
		if ep.loaded < len(ep.buf) {
			e.loadSlot(ep, slot^1)
		}
		e.hw.SetStatus(ep.num, hal.DirIn, hal.StatusValid)
		return nil
	}
	e.armIn(ep)
	return nil
}

// WriteZLP sends a zero-length packet on IN endpoint address. The callback
// fires with a count of 0 once it is acknowledged.
func (e *Engine) WriteZLP(address uint8) error {
	ep, err := e.opened(address | EndpointDirectionIn)
	if err != nil {
		return err
	}
	ep.buf = nil
	ep.remaining = 0
	ep.transferred = 0
	ep.loaded = 0
	ep.active = true

	if ep.double {
		slot := slotOf(e.hw.Toggle(ep.num, hal.DirIn))
		e.hw.SetBufferCount(ep.num, slot, 0)
		e.hw.ArmBuffer(ep.num, slot)
	} else {
		e.hw.SetBufferCount(ep.num, hal.SlotTx, 0)
	}
	e.hw.SetStatus(ep.num, hal.DirIn, hal.StatusValid)
	return nil
}

func slotOf(toggle bool) hal.Slot {
	if toggle {
		return hal.Slot1
	}
	return hal.Slot0
}

func (e *Engine) armIn(ep *endpoint) {
	n := min(ep.remaining, int(ep.mps))
	e.hw.WritePMA(ep.pma[0], ep.buf[ep.transferred:ep.transferred+n])
	e.hw.SetBufferCount(ep.num, hal.SlotTx, uint16(n))
	e.hw.SetStatus(ep.num, hal.DirIn, hal.StatusValid)
}

func (e *Engine) loadSlot(ep *endpoint, slot hal.Slot) {
	n := min(len(ep.buf)-ep.loaded, int(ep.mps))
	e.hw.WritePMA(ep.offset(slot), ep.buf[ep.loaded:ep.loaded+n])
	e.hw.SetBufferCount(ep.num, slot, uint16(n))
	e.hw.ArmBuffer(ep.num, slot)
	ep.loaded += n
}

func (e *Engine) armOut(ep *endpoint) {
	n := min(ep.remaining, int(ep.mps))
	e.hw.SetBufferCount(ep.num, hal.SlotRx, uint16(n))
	e.hw.SetStatus(ep.num, hal.DirOut, hal.StatusValid)
}

// HandleTransfer services one transfer-complete event.
func (e *Engine) HandleTransfer(ev hal.Event) {
	if int(ev.Endpoint) >= len(e.in) {
		return
	}
	if ev.Dir == hal.DirIn {
		ep := &e.in[ev.Endpoint]
		if ep.open {
			e.transmitted(ep)
		}
		return
	}

	ep := &e.out[ev.Endpoint]
	if ev.Setup {
		n := min(int(e.hw.BufferCount(ep.num, hal.SlotRx)), SetupPacketSize)
		e.hw.ReadPMA(ep.pma[0], e.setupBuf[:n])
		ep.stalled = false
		e.in[ev.Endpoint].stalled = false
		if e.setup != nil {
			e.setup(e.setupBuf[:n])
		}
		return
	}
	if !ep.open {
		return
	}

	slot := hal.SlotRx
	if ep.double {
		slot = slotOf(!e.hw.Toggle(ep.num, hal.DirOut))
	}
	if !ep.active {
		if ep.nheld < len(ep.held) {
			ep.held[ep.nheld] = slot
			ep.nheld++
		}
		return
	}
	e.received(ep, slot)
}

func (e *Engine) transmitted(ep *endpoint) {
	slot := hal.SlotTx
	if ep.double {
		slot = slotOf(!e.hw.Toggle(ep.num, hal.DirIn))
	}
	count := int(e.hw.BufferCount(ep.num, slot))
	ep.remaining = max(ep.remaining-count, 0)
	ep.transferred += count

	if ep.remaining == 0 {
		ep.active = false
		if ep.callback != nil {
			ep.callback(ep.transferred)
		}
		return
	}
	if ep.double {
		if ep.loaded < len(ep.buf) {
			e.loadSlot(ep, slot)
		}
		return
	}
	e.armIn(ep)
}

func (e *Engine) drainHeld(ep *endpoint) {
	for ep.active && ep.nheld > 0 {
		slot := ep.held[0]
		ep.held[0] = ep.held[1]
		ep.nheld--
		e.received(ep, slot)
	}
}

func (e *Engine) received(ep *endpoint, slot hal.Slot) {
	count := int(e.hw.BufferCount(ep.num, slot))
	n := min(count, len(ep.buf)-ep.transferred)
	if n > 0 {
		e.hw.ReadPMA(ep.offset(slot), ep.buf[ep.transferred:ep.transferred+n])
	}
	if n < count {
		pkg.LogWarn(pkg.ComponentEndpoint, "receive buffer full, packet truncated",
			"address", fmt.Sprintf("0x%02X", ep.address()), "count", count, "kept", n)
	}
	ep.transferred += n
	ep.remaining = max(ep.remaining-count, 0)

	if ep.double {
		e.hw.SetBufferCount(ep.num, slot, ep.mps)
		e.hw.ArmBuffer(ep.num, slot)
	}

	if count < int(ep.mps) || ep.remaining == 0 {
		ep.active = false
		if ep.callback != nil {
			ep.callback(ep.transferred)
		}
		return
	}
	if !ep.double {
		e.armOut(ep)
	}
}
