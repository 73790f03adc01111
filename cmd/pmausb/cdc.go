package main

import (
	"context"
	"fmt"
	"io"

	"github.com/ardnew/pmausb/device"
	"github.com/ardnew/pmausb/device/class/cdc"
	"github.com/ardnew/pmausb/pkg"
	"github.com/ardnew/pmausb/pkg/usbid"
)

// minRingSize holds two full packets.
const minRingSize = 2 * cdc.MaxPacketSize

// runCDC opens the virtual serial port, sets its line coding and echoes a
// message through the device's receive and transmit paths.
func runCDC(ctx context.Context, cfg Config, ids *usbid.Database, out io.Writer) error {
	var (
		s      *session
		echoed []byte
	)
	drain := func() {
		pkt, err := s.host.InPacket(cdc.EndpointIn)
		if err != nil {
			pkg.LogDebug(pkg.ComponentCDC, "nothing to drain", "error", err)
			return
		}
		echoed = append(echoed, pkt...)
	}

	opts := []cdc.Option{cdc.WithIdle(drain)}
	if cfg.CDC.RingSize > 0 {
		opts = append(opts, cdc.WithRingSize(cfg.CDC.RingSize))
	}
	if cfg.CDC.WriteTimeout > 0 {
		opts = append(opts, cdc.WithWriteTimeout(cfg.CDC.WriteTimeout))
	}
	acm := cdc.New(opts...)

	var err error
	if s, err = newSession(ctx, cfg.Device, acm, ids, out); err != nil {
		return err
	}
	defer s.close()
	if err := s.enumerate(); err != nil {
		return err
	}

	acm.SetOnLineCodingChange(func(lc cdc.LineCoding) { s.printf("line       %s\n", lc) })
	acm.SetOnControlStateChange(func(dtr, rts bool) { s.printf("lines      dtr=%t rts=%t\n", dtr, rts) })

	lc := cdc.DefaultLineCoding
	if cfg.CDC.Baud != 0 {
		lc.DTERate = cfg.CDC.Baud
	}
	var coding [cdc.LineCodingSize]byte
	lc.MarshalTo(coding[:])
	if _, err := s.host.Control(acmRequest(cdc.RequestSetLineCoding, 0, cdc.LineCodingSize), coding[:]); err != nil {
		return fmt.Errorf("set line coding: %w", err)
	}
	if _, err := s.host.Control(acmRequest(cdc.RequestSetControlLineState, cdc.ControlLineDTR|cdc.ControlLineRTS, 0), nil); err != nil {
		return fmt.Errorf("set control line state: %w", err)
	}

	if err := acm.SerialState(cdc.SerialStateRxCarrier | cdc.SerialStateTxCarrier); err != nil {
		return err
	}
	notify, err := s.host.BulkIn(cdc.EndpointNotify, cdc.SerialStatePacketSize, cdc.NotifyMaxPacketSize)
	if err != nil {
		return fmt.Errorf("serial state: %w", err)
	}
	s.printf("notify     % x\n", notify)

	if err := echo(s, acm, []byte(cfg.CDC.Message), drain); err != nil {
		return err
	}
	s.printf("echo       %q\n", printable(echoed))
	if string(echoed) != cfg.CDC.Message {
		return fmt.Errorf("%w: echoed %d of %d bytes", pkg.ErrProtocol, len(echoed), len(cfg.CDC.Message))
	}
	return nil
}

// echo sends msg one packet at a time and writes back whatever the device
// receives. drain collects the packet Write leaves queued.
func echo(s *session, acm *cdc.ACM, msg []byte, drain func()) error {
	buf := make([]byte, cdc.MaxPacketSize)
	for off := 0; off < len(msg); off += cdc.MaxPacketSize {
		end := min(off+cdc.MaxPacketSize, len(msg))
		if err := s.host.OutPacket(cdc.EndpointOut, msg[off:end]); err != nil {
			return fmt.Errorf("send: %w", err)
		}
		for acm.Available() > 0 {
			n := acm.Read(buf)
			if _, err := acm.Write(buf[:n]); err != nil {
				return fmt.Errorf("echo: %w", err)
			}
			drain()
		}
	}
	return nil
}

func acmRequest(request uint8, value, length uint16) []byte {
	return device.SetupPacket{
		RequestType: device.RequestTypeClass | device.RequestRecipientInterface,
		Request:     request,
		Value:       value,
		Index:       cdc.InterfaceControl,
		Length:      length,
	}.Bytes()
}
