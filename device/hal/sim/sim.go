// Package sim implements hal.Peripheral in memory, together with the
// host-side transactions that drive it.
//
// The model follows a PMA-based full-speed controller closely enough to
// exercise every path of the device stack: per-endpoint buffer descriptors,
// RX/TX status and data toggles, NAK-after-transaction for single-buffered
// endpoints, slot alternation for double-buffered endpoints, and SETUP
// reception that overrides the endpoint status.
//
// A completed transaction latches a transfer event for its endpoint half.
// Until that event is taken with Poll, further transactions on the same half
// are answered with NAK, the way the hardware holds CTR.
package sim

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/ardnew/pmausb/device/hal"
	"github.com/ardnew/pmausb/pkg"
)

const component = pkg.ComponentHAL

// Default geometry of the simulated controller.
const (
	DefaultPMASize   = 1024
	DefaultEndpoints = 8
)

type register struct {
	configured bool
	kind       hal.EndpointKind
	double     bool
	addr       [2]uint16
	count      [2]uint16
	ready      [2]bool
	status     [2]hal.Status
	toggle     [2]bool
	latched    [2]bool
}

// Peripheral is an in-memory hal.Peripheral.
type Peripheral struct {
	id      uuid.UUID
	pma     []byte
	regs    []register
	address uint8

	initialized bool
	running     bool

	transfers []hal.Event
	reset     bool
	overrun   bool
	suspend   bool
	wakeup    bool

	addressWrites []uint8
}

// Option configures a Peripheral.
type Option func(*Peripheral)

// WithPMASize overrides the packet memory capacity.
func WithPMASize(n uint16) Option {
	return func(p *Peripheral) { p.pma = make([]byte, n) }
}

// WithEndpoints overrides the number of endpoint registers.
func WithEndpoints(n int) Option {
	return func(p *Peripheral) { p.regs = make([]register, n) }
}

// New returns a detached simulated peripheral.
func New(opts ...Option) *Peripheral {
	p := &Peripheral{
		id:   uuid.New(),
		pma:  make([]byte, DefaultPMASize),
		regs: make([]register, DefaultEndpoints),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ID identifies this instance in log records.
func (p *Peripheral) ID() string { return p.id.String() }

// Init implements hal.Peripheral.
func (p *Peripheral) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.initialized = true
	pkg.LogDebug(component, "simulated peripheral initialized", "id", p.ID(),
		"pma", len(p.pma), "endpoints", len(p.regs))
	return nil
}

// Start implements hal.Peripheral.
func (p *Peripheral) Start() error {
	if !p.initialized {
		return pkg.ErrNotRunning
	}
	if p.running {
		return pkg.ErrAlreadyRunning
	}
	p.running = true
	return nil
}

// Stop implements hal.Peripheral.
func (p *Peripheral) Stop() error {
	if !p.running {
		return pkg.ErrNotRunning
	}
	p.running = false
	return nil
}

// SetAddress implements hal.Peripheral.
func (p *Peripheral) SetAddress(address uint8) {
	p.address = address & 0x7F
	p.addressWrites = append(p.addressWrites, p.address)
	pkg.LogDebug(component, "address programmed", "id", p.ID(), "address", p.address)
}

// Address returns the programmed device address.
func (p *Peripheral) Address() uint8 { return p.address }

// AddressWrites returns every value passed to SetAddress, oldest first.
func (p *Peripheral) AddressWrites() []uint8 { return p.addressWrites }

// Running reports whether Start has been called without a matching Stop.
func (p *Peripheral) Running() bool { return p.running }

// PMASize implements hal.Peripheral.
func (p *Peripheral) PMASize() uint16 { return uint16(len(p.pma)) }

// Endpoints implements hal.Peripheral.
func (p *Peripheral) Endpoints() int { return len(p.regs) }

// WritePMA implements hal.Peripheral.
func (p *Peripheral) WritePMA(offset uint16, data []byte) {
	if int(offset)+len(data) > len(p.pma) {
		panic(fmt.Sprintf("sim: PMA write [%d,%d) beyond %d", offset, int(offset)+len(data), len(p.pma)))
	}
	copy(p.pma[offset:], data)
}

// ReadPMA implements hal.Peripheral.
func (p *Peripheral) ReadPMA(offset uint16, data []byte) {
	if int(offset)+len(data) > len(p.pma) {
		panic(fmt.Sprintf("sim: PMA read [%d,%d) beyond %d", offset, int(offset)+len(data), len(p.pma)))
	}
	copy(data, p.pma[offset:])
}

// SetEndpointType implements hal.Peripheral.
func (p *Peripheral) SetEndpointType(num uint8, kind hal.EndpointKind, double bool) {
	r := &p.regs[num]
	r.configured = true
	r.kind = kind
	r.double = double && kind == hal.KindBulk
	r.ready = [2]bool{}
}

// SetBufferAddress implements hal.Peripheral.
func (p *Peripheral) SetBufferAddress(num uint8, slot hal.Slot, offset uint16) {
	p.regs[num].addr[slot] = offset
}

// SetBufferCount implements hal.Peripheral.
func (p *Peripheral) SetBufferCount(num uint8, slot hal.Slot, n uint16) {
	p.regs[num].count[slot] = n
}

// BufferCount implements hal.Peripheral.
func (p *Peripheral) BufferCount(num uint8, slot hal.Slot) uint16 {
	return p.regs[num].count[slot]
}

// ArmBuffer implements hal.Peripheral.
func (p *Peripheral) ArmBuffer(num uint8, slot hal.Slot) {
	p.regs[num].ready[slot] = true
}

// SetStatus implements hal.Peripheral.
func (p *Peripheral) SetStatus(num uint8, dir hal.Direction, status hal.Status) {
	p.regs[num].status[dir] = status
}

// Status implements hal.Peripheral.
func (p *Peripheral) Status(num uint8, dir hal.Direction) hal.Status {
	return p.regs[num].status[dir]
}

// Toggle implements hal.Peripheral.
func (p *Peripheral) Toggle(num uint8, dir hal.Direction) bool {
	return p.regs[num].toggle[dir]
}

// ClearToggle implements hal.Peripheral.
func (p *Peripheral) ClearToggle(num uint8, dir hal.Direction) {
	p.regs[num].toggle[dir] = false
}

// Poll implements hal.Peripheral.
func (p *Peripheral) Poll() (hal.Event, bool) {
	switch {
	case len(p.transfers) > 0:
		ev := p.transfers[0]
		p.transfers = p.transfers[1:]
		p.regs[ev.Endpoint].latched[ev.Dir] = false
		return ev, true
	case p.reset:
		p.reset = false
		return hal.Event{Kind: hal.EventReset}, true
	case p.overrun:
		p.overrun = false
		return hal.Event{Kind: hal.EventPMAOverrun}, true
	case p.suspend:
		p.suspend = false
		return hal.Event{Kind: hal.EventSuspend}, true
	case p.wakeup:
		p.wakeup = false
		return hal.Event{Kind: hal.EventWakeup}, true
	}
	return hal.Event{}, false
}

// Pending reports whether any interrupt is waiting to be polled.
func (p *Peripheral) Pending() bool {
	return len(p.transfers) > 0 || p.reset || p.overrun || p.suspend || p.wakeup
}

// BusReset signals a USB reset: every endpoint register and the device
// address return to their power-on values.
func (p *Peripheral) BusReset() {
	for i := range p.regs {
		p.regs[i] = register{}
	}
	p.address = 0
	p.transfers = p.transfers[:0]
	p.reset = true
}

// Suspend signals bus idle.
func (p *Peripheral) Suspend() { p.suspend = true }

// Wakeup signals resumed bus activity.
func (p *Peripheral) Wakeup() { p.wakeup = true }

// Overrun signals a packet memory over/underrun.
func (p *Peripheral) Overrun() { p.overrun = true }

func (p *Peripheral) lookup(address, ep uint8) (*register, bool) {
	if !p.running || address != p.address || int(ep) >= len(p.regs) {
		return nil, false
	}
	r := &p.regs[ep]
	return r, r.configured
}

func (p *Peripheral) complete(ep uint8, dir hal.Direction, setup bool) {
	p.regs[ep].latched[dir] = true
	p.transfers = append(p.transfers, hal.Event{
		Kind:     hal.EventTransfer,
		Endpoint: ep,
		Dir:      dir,
		Setup:    setup,
	})
}

func handshake(s hal.Status) pkg.TransferStatus {
	switch s {
	case hal.StatusStall:
		return pkg.TransferStatusStall
	case hal.StatusNAK:
		return pkg.TransferStatusNAK
	default:
		return pkg.TransferStatusTimeout
	}
}

func slotOf(toggle bool) hal.Slot {
	if toggle {
		return hal.Slot1
	}
	return hal.Slot0
}

// Setup delivers an 8-byte SETUP transaction to control endpoint ep.
func (p *Peripheral) Setup(address, ep uint8, packet []byte) pkg.TransferStatus {
	r, ok := p.lookup(address, ep)
	if !ok || r.kind != hal.KindControl {
		return pkg.TransferStatusTimeout
	}
	if len(packet) != 8 {
		return pkg.TransferStatusError
	}
	p.WritePMA(r.addr[hal.SlotRx], packet)
	r.count[hal.SlotRx] = 8
	r.status[hal.DirOut] = hal.StatusNAK
	r.status[hal.DirIn] = hal.StatusNAK
	r.toggle[hal.DirOut] = true
	r.toggle[hal.DirIn] = true
	p.complete(ep, hal.DirOut, true)
	return pkg.TransferStatusSuccess
}

// Out delivers an OUT data transaction to endpoint ep.
func (p *Peripheral) Out(address, ep uint8, data []byte) pkg.TransferStatus {
	r, ok := p.lookup(address, ep)
	if !ok {
		return pkg.TransferStatusTimeout
	}
	if r.latched[hal.DirOut] && r.status[hal.DirOut] == hal.StatusValid {
		return pkg.TransferStatusNAK
	}
	if r.status[hal.DirOut] != hal.StatusValid {
		return handshake(r.status[hal.DirOut])
	}
	slot := hal.SlotRx
	if r.double {
		slot = slotOf(r.toggle[hal.DirOut])
		if !r.ready[slot] {
			return pkg.TransferStatusNAK
		}
	}
	if len(data) > int(r.count[slot]) {
		return pkg.TransferStatusOverrun
	}
	p.WritePMA(r.addr[slot], data)
	r.count[slot] = uint16(len(data))
	r.toggle[hal.DirOut] = !r.toggle[hal.DirOut]
	if r.double {
		r.ready[slot] = false
	} else {
		r.status[hal.DirOut] = hal.StatusNAK
	}
	p.complete(ep, hal.DirOut, false)
	return pkg.TransferStatusSuccess
}

// In requests an IN data transaction from endpoint ep.
func (p *Peripheral) In(address, ep uint8) ([]byte, pkg.TransferStatus) {
	r, ok := p.lookup(address, ep)
	if !ok {
		return nil, pkg.TransferStatusTimeout
	}
	if r.latched[hal.DirIn] && r.status[hal.DirIn] == hal.StatusValid {
		return nil, pkg.TransferStatusNAK
	}
	if r.status[hal.DirIn] != hal.StatusValid {
		return nil, handshake(r.status[hal.DirIn])
	}
	slot := hal.SlotTx
	if r.double {
		slot = slotOf(r.toggle[hal.DirIn])
		if !r.ready[slot] {
			return nil, pkg.TransferStatusNAK
		}
	}
	data := make([]byte, r.count[slot])
	p.ReadPMA(r.addr[slot], data)
	r.toggle[hal.DirIn] = !r.toggle[hal.DirIn]
	if r.double {
		r.ready[slot] = false
	} else {
		r.status[hal.DirIn] = hal.StatusNAK
	}
	p.complete(ep, hal.DirIn, false)
	return data, pkg.TransferStatusSuccess
}

var _ hal.Peripheral = (*Peripheral)(nil)
