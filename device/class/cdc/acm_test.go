package cdc

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/pmausb/device"
	"github.com/ardnew/pmausb/device/hal/sim"
	"github.com/ardnew/pmausb/pkg"
)

type acmFixture struct {
	dev  *device.Device
	host *sim.Host
	acm  *ACM
}

func newACMFixture(t *testing.T, opts ...Option) *acmFixture {
	t.Helper()
	hw := sim.New()
	acm := New(opts...)
	dev := device.New(hw, acm)
	require.NoError(t, dev.Init(context.Background()))
	require.NoError(t, dev.Start())

	host := sim.NewHost(hw, dev.IRQ)
	host.Reset()
	_, err := host.Control(device.SetAddressRequest(3).Bytes(), nil)
	require.NoError(t, err)
	_, err = host.Control(device.SetConfigurationRequest(1).Bytes(), nil)
	require.NoError(t, err)
	require.True(t, acm.Configured())

	return &acmFixture{dev: dev, host: host, acm: acm}
}

func acmRequest(request uint8, in bool, value, length uint16) []byte {
	req := device.SetupPacket{
		RequestType: device.RequestTypeClass | device.RequestRecipientInterface,
		Request:     request,
		Value:       value,
		Length:      length,
	}
	if in {
		req.RequestType |= device.RequestDeviceToHost
	}
	return req.Bytes()
}

func TestACM_Descriptor(t *testing.T) {
	f := newACMFixture(t)

	dev, err := f.host.Control(device.GetDescriptorRequest(device.DescriptorTypeDevice, 0, 0, 18).Bytes(), nil)
	require.NoError(t, err)
	var dd device.DeviceDescriptor
	require.NoError(t, device.ParseDeviceDescriptor(dev, &dd))
	assert.Equal(t, uint8(ClassCDC), dd.DeviceClass)
	assert.Equal(t, uint8(SubclassACM), dd.DeviceSubClass)

	cfg, err := f.host.Control(device.GetDescriptorRequest(device.DescriptorTypeConfiguration, 0, 0, 255).Bytes(), nil)
	require.NoError(t, err)
	require.Len(t, cfg, 67)
	assert.Equal(t, uint8(2), cfg[4], "bNumInterfaces")

	// Functional descriptors follow the communications interface.
	assert.Equal(t, []byte{
		5, device.DescriptorTypeCSInterface, SubtypeHeader, 0x10, 0x01,
		5, device.DescriptorTypeCSInterface, SubtypeCallManagement, 0x00, InterfaceData,
		4, device.DescriptorTypeCSInterface, SubtypeACM, 0x02,
		5, device.DescriptorTypeCSInterface, SubtypeUnion, InterfaceControl, InterfaceData,
	}, cfg[18:37])

	var notify, out, in device.EndpointDescriptor
	require.NoError(t, device.ParseEndpointDescriptor(cfg[37:], &notify))
	require.NoError(t, device.ParseEndpointDescriptor(cfg[53:], &out))
	require.NoError(t, device.ParseEndpointDescriptor(cfg[60:], &in))
	assert.Equal(t, device.EndpointDescriptor{EndpointAddress: EndpointNotify, Attributes: 0x03, MaxPacketSize: 8, Interval: NotifyInterval}, notify)
	assert.Equal(t, EndpointOut, out.EndpointAddress)
	assert.Equal(t, EndpointIn, in.EndpointAddress)
	assert.Equal(t, []byte{9, device.DescriptorTypeInterface, InterfaceData, 0, 2, ClassCDCData, 0, 0, 0}, cfg[44:53])
}

func TestACM_LineCoding(t *testing.T) {
	f := newACMFixture(t)
	var changed []LineCoding
	f.acm.SetOnLineCodingChange(func(lc LineCoding) { changed = append(changed, lc) })

	data, err := f.host.Control(acmRequest(RequestGetLineCoding, true, 0, LineCodingSize), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0xC2, 0x01, 0x00, StopBits1, ParityNone, 8}, data)

	want := LineCoding{DTERate: 9600, CharFormat: StopBits2, ParityType: ParityEven, DataBits: 7}
	var buf [LineCodingSize]byte
	want.MarshalTo(buf[:])
	_, err = f.host.Control(acmRequest(RequestSetLineCoding, false, 0, LineCodingSize), buf[:])
	require.NoError(t, err)

	assert.Equal(t, want, f.acm.LineCoding())
	assert.Equal(t, []LineCoding{want}, changed)
	assert.Equal(t, "9600 7E2", want.String())

	data, err = f.host.Control(acmRequest(RequestGetLineCoding, true, 0, LineCodingSize), nil)
	require.NoError(t, err)
	assert.Equal(t, buf[:], data)

	// Reconfiguring restores the default.
	_, err = f.host.Control(device.SetConfigurationRequest(1).Bytes(), nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultLineCoding, f.acm.LineCoding())
}

func TestACM_ControlLineState(t *testing.T) {
	f := newACMFixture(t)
	type lines struct{ dtr, rts bool }
	var got []lines
	f.acm.SetOnControlStateChange(func(dtr, rts bool) { got = append(got, lines{dtr, rts}) })
	var breaks []uint16
	f.acm.SetOnBreak(func(ms uint16) { breaks = append(breaks, ms) })

	_, err := f.host.Control(acmRequest(RequestSetControlLineState, false, ControlLineDTR|ControlLineRTS, 0), nil)
	require.NoError(t, err)
	assert.True(t, f.acm.DTR())
	assert.True(t, f.acm.RTS())

	_, err = f.host.Control(acmRequest(RequestSetControlLineState, false, ControlLineDTR, 0), nil)
	require.NoError(t, err)
	assert.True(t, f.acm.DTR())
	assert.False(t, f.acm.RTS())
	assert.Equal(t, []lines{{true, true}, {true, false}}, got)

	_, err = f.host.Control(acmRequest(RequestSendBreak, false, 250, 0), nil)
	require.NoError(t, err)
	assert.Equal(t, []uint16{250}, breaks)
}

func TestACM_OtherRequests(t *testing.T) {
	f := newACMFixture(t)

	tests := []struct {
		name  string
		setup []byte
		data  []byte
		want  []byte
		err   error
	}{
		{"comm feature get", acmRequest(RequestGetCommFeature, true, 1, 2), nil, []byte{0, 0}, nil},
		{"comm feature set", acmRequest(RequestSetCommFeature, false, 1, 2), []byte{1, 0}, nil, nil},
		{"comm feature clear", acmRequest(RequestClearCommFeature, false, 1, 0), nil, nil, nil},
		{"encapsulated command", acmRequest(RequestSendEncapsulatedCommand, false, 0, 4), []byte("AT\r\n"), nil, nil},
		{"oversized data stage", acmRequest(RequestSendEncapsulatedCommand, false, 0, 16), make([]byte, 16), nil, pkg.ErrStall},
		{"vendor request", device.SetupPacket{RequestType: device.RequestTypeVendor | device.RequestRecipientInterface, Request: 1}.Bytes(), nil, nil, pkg.ErrStall},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.host.Control(tt.setup, tt.data)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
	assert.Equal(t, DefaultLineCoding, f.acm.LineCoding())
}

func TestACM_Receive(t *testing.T) {
	f := newACMFixture(t)

	require.NoError(t, f.host.OutPacket(EndpointOut, []byte("hello ")))
	require.NoError(t, f.host.OutPacket(EndpointOut, []byte("world")))
	assert.Equal(t, 11, f.acm.Available())

	buf := make([]byte, 5)
	n := f.acm.Read(buf)
	assert.Equal(t, "hello", string(buf[:n]))
	buf = make([]byte, 32)
	n = f.acm.Read(buf)
	assert.Equal(t, " world", string(buf[:n]))
	assert.Zero(t, f.acm.Read(buf))
}

func TestACM_ReceiveFlowControl(t *testing.T) {
	f := newACMFixture(t, WithRingSize(128))
	f.host.Retries = 2

	full := make([]byte, MaxPacketSize)
	for i := range full {
		full[i] = byte(i)
	}
	require.NoError(t, f.host.OutPacket(EndpointOut, full))

	// 63 bytes of room left: the next packet is refused.
	assert.ErrorIs(t, f.host.OutPacket(EndpointOut, full), pkg.ErrNAK)

	buf := make([]byte, 8)
	require.Equal(t, 8, f.acm.Read(buf))
	require.NoError(t, f.host.OutPacket(EndpointOut, full))
	assert.Equal(t, 2*MaxPacketSize-8, f.acm.Available())

	all := make([]byte, 256)
	n := f.acm.Read(all)
	assert.Equal(t, full[8:], all[:MaxPacketSize-8])
	assert.Equal(t, full, all[MaxPacketSize-8:n])
}

func TestACM_Write(t *testing.T) {
	var (
		f        *acmFixture
		received []byte
		packets  []int
	)
	drain := func() {
		pkt, err := f.host.InPacket(EndpointIn)
		if err == nil {
			received = append(received, pkt...)
			packets = append(packets, len(pkt))
		}
	}
	f = newACMFixture(t, WithIdle(drain))

	data := make([]byte, 200)
	for i := range data {
		data[i] = byte(i * 3)
	}
	n, err := f.acm.Write(data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)

	// The last packet is still queued when Write returns.
	drain()
	assert.Equal(t, data, received)
	assert.Equal(t, []int{63, 63, 63, 11}, packets)
}

func TestACM_WriteServicedFromAnotherGoroutine(t *testing.T) {
	var (
		f        *acmFixture
		received []byte
	)
	// The host and IRQ run on their own goroutine while Write waits.
	idle := func() {
		done := make(chan struct{})
		go func() {
			defer close(done)
			if pkt, err := f.host.InPacket(EndpointIn); err == nil {
				received = append(received, pkt...)
			}
		}()
		<-done
	}
	f = newACMFixture(t, WithIdle(idle))

	data := []byte(strings.Repeat("serial", 30))
	n, err := f.acm.Write(data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	idle()
	assert.Equal(t, data, received)
}

func TestACM_WriteTimeout(t *testing.T) {
	f := newACMFixture(t,
		WithWriteTimeout(time.Millisecond),
		WithIdle(func() { time.Sleep(100 * time.Microsecond) }))

	data := make([]byte, 100)
	n, err := f.acm.Write(data)
	assert.ErrorIs(t, err, pkg.ErrTimeout)
	assert.Equal(t, writeChunk, n)

	pkt, err := f.host.InPacket(EndpointIn)
	require.NoError(t, err)
	assert.Len(t, pkt, writeChunk)

	// The endpoint is free again once the queued packet leaves.
	n, err = f.acm.Write([]byte("ok"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestACM_FullPacketCompletionSendsZLP(t *testing.T) {
	f := newACMFixture(t)
	f.acm.txBusy.Store(true)
	f.acm.transmitted(MaxPacketSize)
	assert.True(t, f.acm.txBusy.Load())

	pkt, err := f.host.InPacket(EndpointIn)
	require.NoError(t, err)
	assert.Empty(t, pkt)
	assert.False(t, f.acm.txBusy.Load())
}

func TestACM_SerialState(t *testing.T) {
	f := newACMFixture(t)
	require.NoError(t, f.acm.SerialState(SerialStateRxCarrier|SerialStateTxCarrier))

	notification, err := f.host.BulkIn(EndpointNotify, SerialStatePacketSize, NotifyMaxPacketSize)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xA1, NotificationSerialState, 0, 0, InterfaceControl, 0, 2, 0, 0x03, 0x00}, notification)
}

func TestACM_NotConfigured(t *testing.T) {
	f := newACMFixture(t)
	_, err := f.host.Control(device.SetConfigurationRequest(0).Bytes(), nil)
	require.NoError(t, err)
	assert.False(t, f.acm.Configured())

	_, err = f.acm.Write([]byte("x"))
	assert.ErrorIs(t, err, pkg.ErrNotConfigured)
	assert.ErrorIs(t, f.acm.SerialState(0), pkg.ErrNotConfigured)

	assert.Error(t, f.host.OutPacket(EndpointOut, []byte("x")))
	assert.Zero(t, f.acm.Available())
}
