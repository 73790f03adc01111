// Package device implements a USB full-speed device stack for peripherals
// whose endpoint buffers live in a dedicated packet memory (PMA).
//
// It interacts with hardware through the register-level [hal.Peripheral]
// interface defined in [github.com/ardnew/pmausb/device/hal]. An in-memory
// peripheral with a host-side driver for tests and tooling is available in
// [github.com/ardnew/pmausb/device/hal/sim].
//
// # Architecture
//
// The stack is organized into layers, each owned by the one above it:
//
//   - [Allocator] carves endpoint buffers out of packet memory past the
//     buffer descriptor table
//   - [Engine] moves transfers of any length through max-packet-sized
//     buffers, optionally double-buffered, and dispatches completions
//   - [Control] runs the endpoint 0 control-transfer state machine and the
//     standard (chapter 9) requests
//   - [Class] is the single device class the configuration activates
//   - [Device] owns all of the above and services the peripheral interrupt
//
// # Interrupt Model
//
// Every callback runs synchronously from [Device.IRQ]. A completion handler
// runs to completion before the next event for the same endpoint is
// delivered, and may immediately start the next transfer on that endpoint.
// IRQ holds the device lock while it runs. Application goroutines that
// start transfers go through [Control.Do], which takes the same lock, so
// IRQ may be serviced from any goroutine.
//
// # Device States
//
//	Default → Addressed → Configured
//
// Suspended is entered from any state and returns to the state it left.
//
// # Class Drivers
//
// Built-in classes:
//
//   - [github.com/ardnew/pmausb/device/class/msc] - Mass Storage (Bulk-Only Transport, SCSI)
//   - [github.com/ardnew/pmausb/device/class/cdc] - Communications Device Class (CDC-ACM)
//
// # Example
//
//	hw := sim.New()
//	dev := device.New(hw, msc.New(msc.NewMemoryStorage(128)))
//	if err := dev.Init(ctx); err != nil {
//	    return err
//	}
//	dev.Start()
//	// call dev.IRQ() from the peripheral interrupt
package device
