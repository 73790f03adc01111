// Package hal defines the register-level interface between the device stack
// and a USB full-speed controller that stages packets in a packet memory
// area (PMA) rather than a FIFO or DMA engine.
//
// # Model
//
// The peripheral exposes a small number of bidirectional endpoint
// registers. Each register carries:
//
//   - a transfer type and, for bulk endpoints, a double-buffer flag
//   - two buffer descriptors (PMA offset and byte count)
//   - an RX and a TX status (disabled, stall, NAK, valid)
//   - an RX and a TX data toggle bit
//
// After a successful single-buffered transaction the hardware sets the
// matching status to NAK and raises a transfer event; software re-arms the
// endpoint by writing VALID. A double-buffered endpoint keeps its status
// VALID and instead alternates between two slots, with the data toggle bit
// naming the slot the hardware uses next.
//
// SETUP transactions on a control endpoint are always accepted and set both
// halves of the register to NAK.
//
// # Implementing a Peripheral
//
//  1. Map PMA reads and writes onto the controller's packet memory access
//     scheme (16-bit words, possibly with a stride).
//  2. Translate register bit fields to [Status], [EndpointKind] and toggles.
//  3. Report interrupts from [Peripheral.Poll] with transfer events first.
//
// The sim subpackage provides an in-memory implementation together with a
// host-side driver, used by tests and by the pmausb command.
package hal
