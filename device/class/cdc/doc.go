// Package cdc implements the USB Communications Device Class (CDC)
// Abstract Control Model, the class behind virtual serial ports.
//
// # Architecture
//
// ACM declares two interfaces:
//
//   - Communications interface: class requests such as SET_LINE_CODING and
//     SET_CONTROL_LINE_STATE, and the interrupt IN endpoint 0x82 for
//     SERIAL_STATE notifications.
//   - Data interface: bulk OUT 0x01 and bulk IN 0x81.
//
// Line coding and control line state are stored and reported through
// callbacks; the remaining class requests are acknowledged and ignored.
//
// # Buffering
//
// Packets from the host are copied into a Ring whose size is a power of
// two. When the ring cannot take another full packet the OUT endpoint is
// left unarmed, so the host sees NAK until Read drains it.
//
// Write sends 63-byte packets, one at a time. While the previous packet is
// in flight it calls the idle function and gives up after the write
// timeout, dropping whatever was not queued.
//
// # Example
//
//	acm := cdc.New(cdc.WithRingSize(1024))
//	acm.SetOnLineCodingChange(func(lc cdc.LineCoding) {
//		log.Printf("line coding %s", lc)
//	})
//	dev := device.New(hw, acm)
//	if err := dev.Init(ctx); err != nil {
//		return err
//	}
//	if err := dev.Start(); err != nil {
//		return err
//	}
//
//	buf := make([]byte, 64)
//	n := acm.Read(buf)
//	acm.Write(buf[:n])
package cdc
