package device

import (
	"context"
	"fmt"
	"sync"

	"github.com/ardnew/pmausb/device/hal"
	"github.com/ardnew/pmausb/pkg"
)

// Device ties a peripheral, the endpoint engine, the control pipe and a
// single class together and services the peripheral interrupt.
type Device struct {
	hw     hal.Peripheral
	engine *Engine
	ctl    *Control
	class  Class
	cfg    Config

	overruns uint32

	// Serializes IRQ against Start/Stop and Control.Do.
	mutex sync.Mutex

	onReset   func()
	onSuspend func()
	onResume  func()
}

// New returns a device that presents class on hw.
func New(hw hal.Peripheral, class Class, opts ...Option) *Device {
	d := &Device{
		hw:    hw,
		class: class,
		cfg:   DefaultConfig(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.engine = NewEngine(hw)
	d.ctl = newControl(d.engine, hw, class, &d.cfg, &d.mutex)
	return d
}

// Init initializes the peripheral. Endpoints are opened on the first bus
// reset.
func (d *Device) Init(ctx context.Context) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if err := d.hw.Init(ctx); err != nil {
		return fmt.Errorf("peripheral init: %w", err)
	}
	d.engine.Reset()
	pkg.LogInfo(pkg.ComponentDevice, "device initialized",
		"vid", fmt.Sprintf("0x%04X", d.cfg.VendorID),
		"pid", fmt.Sprintf("0x%04X", d.cfg.ProductID),
		"pma", d.hw.PMASize(),
		"endpoints", d.hw.Endpoints())
	return nil
}

// Start connects the device to the bus.
func (d *Device) Start() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return d.hw.Start()
}

// Stop releases the class and disconnects from the bus.
func (d *Device) Stop() error {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.ctl.deinit()
	return d.hw.Stop()
}

// Control returns the control pipe.
func (d *Device) Control() *Control { return d.ctl }

// Engine returns the endpoint engine.
func (d *Device) Engine() *Engine { return d.engine }

// Config returns the identity the device reports.
func (d *Device) Config() Config { return d.cfg }

// State returns the USB device state.
func (d *Device) State() State { return d.ctl.DeviceState() }

// Overruns returns the number of packet memory overruns seen.
func (d *Device) Overruns() uint32 { return d.overruns }

// SetOnReset sets a callback run after each bus reset is serviced.
func (d *Device) SetOnReset(cb func()) { d.onReset = cb }

// SetOnSuspend sets a callback run when the bus suspends.
func (d *Device) SetOnSuspend(cb func()) { d.onSuspend = cb }

// SetOnResume sets a callback run when the bus resumes.
func (d *Device) SetOnResume(cb func()) { d.onResume = cb }

// IRQ services every pending peripheral event. Transfer completions are
// delivered first, then bus reset, packet memory overrun, suspend and
// wakeup.
func (d *Device) IRQ() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	for {
		ev, ok := d.hw.Poll()
		if !ok {
			return
		}
		switch ev.Kind {
		case hal.EventTransfer:
			d.engine.HandleTransfer(ev)
		case hal.EventReset:
			d.reset()
		case hal.EventPMAOverrun:
			d.overruns++
			pkg.LogWarn(pkg.ComponentDevice, "packet memory overrun", "count", d.overruns)
		case hal.EventSuspend:
			d.ctl.suspend()
			if d.onSuspend != nil {
				d.onSuspend()
			}
		case hal.EventWakeup:
			d.ctl.resume()
			if d.onResume != nil {
				d.onResume()
			}
		}
	}
}

func (d *Device) reset() {
	d.ctl.deinit()
	d.engine.Reset()
	d.hw.SetAddress(0)
	if err := d.ctl.init(); err != nil {
		pkg.LogError(pkg.ComponentDevice, "control pipe init failed", "error", err)
		return
	}
	pkg.LogDebug(pkg.ComponentDevice, "bus reset")
	if d.onReset != nil {
		d.onReset()
	}
}
