package sim

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/pmausb/pkg"
)

// DefaultRetries is how many NAKs a Host tolerates per transaction.
const DefaultRetries = 16

// Host drives a Peripheral the way a host controller would, calling irq
// after every transaction so the device stack can service the interrupt.
type Host struct {
	dev     *Peripheral
	irq     func()
	address uint8

	// MaxPacket0 is the control endpoint packet size.
	MaxPacket0 int

	// Retries bounds consecutive NAKs before a transaction fails with ErrNAK.
	Retries int
}

// NewHost returns a host attached to dev. irq, when non-nil, is invoked
// after every transaction and after every bus event.
func NewHost(dev *Peripheral, irq func()) *Host {
	if irq == nil {
		irq = func() {}
	}
	return &Host{dev: dev, irq: irq, MaxPacket0: 64, Retries: DefaultRetries}
}

// Address returns the address the host uses for the device.
func (h *Host) Address() uint8 { return h.address }

// Reset issues a bus reset and returns the device to address 0.
func (h *Host) Reset() {
	h.dev.BusReset()
	h.address = 0
	h.irq()
}

// Suspend idles the bus.
func (h *Host) Suspend() {
	h.dev.Suspend()
	h.irq()
}

// Resume signals bus activity after a suspend.
func (h *Host) Resume() {
	h.dev.Wakeup()
	h.irq()
}

func (h *Host) retry(do func() pkg.TransferStatus) error {
	for range h.Retries + 1 {
		st := do()
		h.irq()
		if st != pkg.TransferStatusNAK {
			return st.Error()
		}
	}
	return pkg.ErrNAK
}

// OutPacket sends one OUT data packet to ep.
func (h *Host) OutPacket(ep uint8, data []byte) error {
	return h.retry(func() pkg.TransferStatus {
		return h.dev.Out(h.address, ep&0x0F, data)
	})
}

// InPacket receives one IN data packet from ep.
func (h *Host) InPacket(ep uint8) ([]byte, error) {
	var data []byte
	err := h.retry(func() pkg.TransferStatus {
		var st pkg.TransferStatus
		data, st = h.dev.In(h.address, ep&0x0F)
		return st
	})
	return data, err
}

// Control performs a control transfer. For device-to-host requests the
// returned slice holds the data stage; for host-to-device requests data is
// sent in the data stage and the returned slice is empty.
func (h *Host) Control(setup []byte, data []byte) ([]byte, error) {
	if len(setup) != 8 {
		return nil, pkg.ErrSetupPacketTooShort
	}
	st := h.dev.Setup(h.address, 0, setup)
	h.irq()
	if err := st.Error(); err != nil {
		return nil, fmt.Errorf("setup stage: %w", err)
	}

	length := int(binary.LittleEndian.Uint16(setup[6:]))
	var in []byte
	switch {
	case length == 0:
		if _, err := h.statusIn(); err != nil {
			return nil, err
		}
	case setup[0]&0x80 != 0:
		for len(in) < length {
			pkt, err := h.InPacket(0)
			if err != nil {
				return in, fmt.Errorf("data stage: %w", err)
			}
			in = append(in, pkt...)
			if len(pkt) < h.MaxPacket0 {
				break
			}
		}
		if len(in) > length {
			return in, pkg.ErrOverrun
		}
		if err := h.OutPacket(0, nil); err != nil {
			return in, fmt.Errorf("status stage: %w", err)
		}
	default:
		if len(data) < length {
			return nil, pkg.ErrBufferTooSmall
		}
		for off := 0; off < length; off += h.MaxPacket0 {
			end := min(off+h.MaxPacket0, length)
			if err := h.OutPacket(0, data[off:end]); err != nil {
				return nil, fmt.Errorf("data stage: %w", err)
			}
		}
		if _, err := h.statusIn(); err != nil {
			return nil, err
		}
	}

	if setup[0] == 0x00 && setup[1] == 0x05 {
		h.address = setup[2] & 0x7F
	}
	return in, nil
}

func (h *Host) statusIn() ([]byte, error) {
	pkt, err := h.InPacket(0)
	if err != nil {
		return nil, fmt.Errorf("status stage: %w", err)
	}
	if len(pkt) != 0 {
		return pkt, fmt.Errorf("status stage: %w", pkg.ErrProtocol)
	}
	return nil, nil
}

// BulkOut sends data to ep in packets of maxPacket bytes. A zero-length
// packet is sent only when data is empty.
func (h *Host) BulkOut(ep uint8, data []byte, maxPacket int) error {
	if len(data) == 0 {
		return h.OutPacket(ep, nil)
	}
	for off := 0; off < len(data); off += maxPacket {
		end := min(off+maxPacket, len(data))
		if err := h.OutPacket(ep, data[off:end]); err != nil {
			return err
		}
	}
	return nil
}

// BulkIn reads from ep until n bytes arrive or a short packet ends the
// transfer.
func (h *Host) BulkIn(ep uint8, n int, maxPacket int) ([]byte, error) {
	var out []byte
	for len(out) < n {
		pkt, err := h.InPacket(ep)
		if err != nil {
			return out, err
		}
		out = append(out, pkt...)
		if len(pkt) < maxPacket {
			break
		}
	}
	return out, nil
}
