package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"unicode/utf16"

	"github.com/samber/lo"

	"github.com/ardnew/pmausb/device"
	"github.com/ardnew/pmausb/device/hal"
	"github.com/ardnew/pmausb/device/hal/sim"
	"github.com/ardnew/pmausb/pkg"
	"github.com/ardnew/pmausb/pkg/usbid"
)

// address is assigned to the device during enumeration.
const address = 1

const langEnglishUS = 0x0409

// session is a simulated bus with one device and a host driving it.
type session struct {
	hw   *sim.Peripheral
	dev  *device.Device
	host *sim.Host
	ids  *usbid.Database
	out  io.Writer

	// Filled in by enumerate.
	desc      device.DeviceDescriptor
	endpoints []device.EndpointDescriptor
}

func newSession(ctx context.Context, cfg device.Config, class device.Class, ids *usbid.Database, out io.Writer) (*session, error) {
	hw := sim.New()
	dev := device.New(hw, class, device.WithConfig(cfg))
	if err := dev.Init(ctx); err != nil {
		return nil, fmt.Errorf("init device: %w", err)
	}
	if err := dev.Start(); err != nil {
		return nil, fmt.Errorf("start device: %w", err)
	}
	pkg.LogDebug(pkg.ComponentDevice, "simulated peripheral started", "id", hw.ID())
	return &session{
		hw:   hw,
		dev:  dev,
		host: sim.NewHost(hw, dev.IRQ),
		ids:  ids,
		out:  out,
	}, nil
}

func (s *session) close() {
	if err := s.dev.Stop(); err != nil {
		pkg.LogWarn(pkg.ComponentDevice, "stop device", "error", err)
	}
}

func (s *session) printf(format string, args ...any) {
	fmt.Fprintf(s.out, format, args...)
}

// enumerate resets the bus, addresses and configures the device, and
// reports what it found.
func (s *session) enumerate() error {
	s.host.Reset()

	data, err := s.host.Control(device.GetDescriptorRequest(device.DescriptorTypeDevice, 0, 0, device.DeviceDescriptorSize).Bytes(), nil)
	if err != nil {
		return fmt.Errorf("device descriptor: %w", err)
	}
	if err := device.ParseDeviceDescriptor(data, &s.desc); err != nil {
		return err
	}
	if _, err := s.host.Control(device.SetAddressRequest(address).Bytes(), nil); err != nil {
		return fmt.Errorf("set address: %w", err)
	}

	data, err = s.host.Control(device.GetDescriptorRequest(device.DescriptorTypeConfiguration, 0, 0, device.ConfigurationDescriptorSize).Bytes(), nil)
	if err != nil {
		return fmt.Errorf("configuration descriptor: %w", err)
	}
	var cd device.ConfigurationDescriptor
	if err := device.ParseConfigurationDescriptor(data, &cd); err != nil {
		return err
	}
	data, err = s.host.Control(device.GetDescriptorRequest(device.DescriptorTypeConfiguration, 0, 0, cd.TotalLength).Bytes(), nil)
	if err != nil {
		return fmt.Errorf("configuration descriptor: %w", err)
	}
	s.endpoints = endpointsOf(data)

	s.printf("device     %s\n", s.ids.Describe(s.desc.VendorID, s.desc.ProductID))
	s.printf("class      %02x/%02x/%02x\n", s.desc.DeviceClass, s.desc.DeviceSubClass, s.desc.DeviceProtocol)
	for _, str := range []struct {
		label string
		index uint8
	}{
		{"vendor", s.desc.ManufacturerIndex},
		{"product", s.desc.ProductIndex},
		{"serial", s.desc.SerialNumberIndex},
	} {
		if str.index == 0 {
			continue
		}
		text, err := s.stringDescriptor(str.index)
		if err != nil {
			return fmt.Errorf("%s string: %w", str.label, err)
		}
		s.printf("%-10s %s\n", str.label, text)
	}
	s.printf("config     %d interface(s), %d bytes, %dmA\n", cd.NumInterfaces, cd.TotalLength, 2*int(cd.MaxPower))
	for _, ep := range s.endpoints {
		s.printf("endpoint   0x%02x %s %d\n", ep.EndpointAddress, hal.EndpointKind(ep.Attributes&0x03), ep.MaxPacketSize)
	}

	if _, err := s.host.Control(device.SetConfigurationRequest(cd.ConfigurationValue).Bytes(), nil); err != nil {
		return fmt.Errorf("set configuration: %w", err)
	}
	if st := s.dev.State(); st != device.StateConfigured {
		return fmt.Errorf("%w: device %s after SET_CONFIGURATION", pkg.ErrNotConfigured, st)
	}
	return nil
}

func (s *session) stringDescriptor(index uint8) (string, error) {
	data, err := s.host.Control(device.GetDescriptorRequest(device.DescriptorTypeString, index, langEnglishUS, 255).Bytes(), nil)
	if err != nil {
		return "", err
	}
	return decodeString(data)
}

// endpoint returns the first endpoint of the given transfer type and
// direction.
func (s *session) endpoint(kind hal.EndpointKind, in bool) (device.EndpointDescriptor, error) {
	ep, ok := lo.Find(s.endpoints, func(ep device.EndpointDescriptor) bool {
		return hal.EndpointKind(ep.Attributes&0x03) == kind && (ep.EndpointAddress&0x80 != 0) == in
	})
	if !ok {
		return ep, fmt.Errorf("%w: no %s endpoint", pkg.ErrInvalidEndpoint, kind)
	}
	return ep, nil
}

// endpointsOf walks a configuration descriptor block.
func endpointsOf(data []byte) []device.EndpointDescriptor {
	var eps []device.EndpointDescriptor
	for len(data) >= 2 && data[0] >= 2 && int(data[0]) <= len(data) {
		if data[1] == device.DescriptorTypeEndpoint {
			var ep device.EndpointDescriptor
			if device.ParseEndpointDescriptor(data, &ep) == nil {
				eps = append(eps, ep)
			}
		}
		data = data[data[0]:]
	}
	return eps
}

// decodeString converts a UTF-16LE string descriptor.
func decodeString(data []byte) (string, error) {
	if len(data) < 2 || int(data[0]) < 2 || int(data[0]) > len(data) {
		return "", pkg.ErrDescriptorTooShort
	}
	if data[1] != device.DescriptorTypeString {
		return "", pkg.ErrDescriptorTypeMismatch
	}
	units := make([]uint16, (int(data[0])-2)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(data[2+2*i:])
	}
	return string(utf16.Decode(units)), nil
}

// printable replaces control characters for display.
func printable(b []byte) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7F {
			return '.'
		}
		return r
	}, string(b))
}
