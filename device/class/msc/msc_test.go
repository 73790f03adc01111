package msc

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/pmausb/device"
	"github.com/ardnew/pmausb/device/hal/sim"
	"github.com/ardnew/pmausb/pkg"
)

type mscFixture struct {
	hw    *sim.Peripheral
	dev   *device.Device
	host  *sim.Host
	class *Class
	tag   uint32
}

func newMSCFixture(t *testing.T, storage Storage, opts ...Option) *mscFixture {
	t.Helper()
	hw := sim.New()
	cls := New(storage, opts...)
	dev := device.New(hw, cls)
	require.NoError(t, dev.Init(context.Background()))
	require.NoError(t, dev.Start())

	host := sim.NewHost(hw, dev.IRQ)
	host.Reset()
	_, err := host.Control(device.SetAddressRequest(7).Bytes(), nil)
	require.NoError(t, err)
	_, err = host.Control(device.SetConfigurationRequest(1).Bytes(), nil)
	require.NoError(t, err)
	require.Equal(t, device.StateConfigured, dev.State())

	return &mscFixture{hw: hw, dev: dev, host: host, class: cls}
}

func (f *mscFixture) sendCBW(t *testing.T, length uint32, flags uint8, cb ...byte) CommandBlockWrapper {
	t.Helper()
	f.tag++
	cbw := NewCBW(f.tag, length, flags, cb...)
	require.NoError(t, f.host.OutPacket(f.class.out, marshalCBW(cbw)))
	return cbw
}

func (f *mscFixture) readCSW(t *testing.T, tag uint32) CommandStatusWrapper {
	t.Helper()
	pkt, err := f.host.InPacket(f.class.in)
	require.NoError(t, err)
	var csw CommandStatusWrapper
	require.NoError(t, ParseCSW(pkt, &csw))
	assert.Equal(t, tag, csw.Tag)
	return csw
}

// command runs one BOT command, sending out in the data stage or reading
// the expected number of bytes when the CBW asks for data in.
func (f *mscFixture) command(t *testing.T, length uint32, flags uint8, out []byte, cb ...byte) ([]byte, CommandStatusWrapper) {
	t.Helper()
	cbw := f.sendCBW(t, length, flags, cb...)
	var in []byte
	switch {
	case length > 0 && flags == CBWFlagDataIn:
		var err error
		in, err = f.host.BulkIn(f.class.in, int(length), MaxPacketSize)
		require.NoError(t, err)
	case out != nil:
		require.NoError(t, f.host.BulkOut(f.class.out, out, MaxPacketSize))
	}
	return in, f.readCSW(t, cbw.Tag)
}

func classRequest(request uint8, in bool, length uint16) []byte {
	req := device.SetupPacket{
		RequestType: device.RequestTypeClass | device.RequestRecipientInterface,
		Request:     request,
		Length:      length,
	}
	if in {
		req.RequestType |= device.RequestDeviceToHost
	}
	return req.Bytes()
}

func TestMSC_Descriptor(t *testing.T) {
	f := newMSCFixture(t, NewMemoryStorage(100))
	data, err := f.host.Control(device.GetDescriptorRequest(device.DescriptorTypeConfiguration, 0, 0, 255).Bytes(), nil)
	require.NoError(t, err)
	require.Len(t, data, 32)
	assert.Equal(t, []byte{9, device.DescriptorTypeInterface, 0, 0, 2, ClassMSC, SubclassSCSI, ProtocolBulkOnly, device.StringIndexInterface}, data[9:18])

	var in, out device.EndpointDescriptor
	require.NoError(t, device.ParseEndpointDescriptor(data[18:], &in))
	require.NoError(t, device.ParseEndpointDescriptor(data[25:], &out))
	assert.Equal(t, EndpointIn, in.EndpointAddress)
	assert.Equal(t, EndpointOut, out.EndpointAddress)
	assert.Equal(t, uint16(MaxPacketSize), out.MaxPacketSize)
}

func TestMSC_TestUnitReady(t *testing.T) {
	t.Run("medium mounted", func(t *testing.T) {
		f := newMSCFixture(t, NewMemoryStorage(100))
		_, csw := f.command(t, 0, CBWFlagDataOut, nil, SCSITestUnitReady)
		assert.Equal(t, uint8(CSWStatusGood), csw.Status)
		assert.Zero(t, csw.DataResidue)
	})

	t.Run("no medium", func(t *testing.T) {
		storage := NewMemoryStorage(100)
		storage.SetPresent(false)
		f := newMSCFixture(t, storage)

		_, csw := f.command(t, 0, CBWFlagDataOut, nil, SCSITestUnitReady)
		assert.Equal(t, uint8(CSWStatusFailed), csw.Status)

		sense, csw := f.command(t, RequestSenseSize, CBWFlagDataIn, nil, SCSIRequestSense, 0, 0, 0, RequestSenseSize, 0)
		assert.Equal(t, uint8(CSWStatusGood), csw.Status)
		assert.Zero(t, csw.DataResidue)
		require.Len(t, sense, RequestSenseSize)
		assert.Equal(t, uint8(SenseNotReady), sense[2])
		assert.Equal(t, uint8(ASCMediumNotPresent), sense[12])
	})
}

func TestMSC_Read10(t *testing.T) {
	storage := patterned(100)
	f := newMSCFixture(t, storage)

	data, csw := f.command(t, 2*BlockSize, CBWFlagDataIn, nil, cdb10(SCSIRead10, 10, 2)...)
	assert.Equal(t, uint8(CSWStatusGood), csw.Status)
	assert.Zero(t, csw.DataResidue)
	assert.Equal(t, storage.Bytes()[10*BlockSize:12*BlockSize], data)
	assert.Equal(t, StateOk, f.class.State())
}

func TestMSC_Write10(t *testing.T) {
	storage := NewMemoryStorage(100)
	f := newMSCFixture(t, storage)

	payload := make([]byte, 3*BlockSize)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	_, csw := f.command(t, uint32(len(payload)), CBWFlagDataOut, payload, cdb10(SCSIWrite10, 20, 3)...)
	assert.Equal(t, uint8(CSWStatusGood), csw.Status)
	assert.Zero(t, csw.DataResidue)
	assert.Equal(t, payload, storage.Bytes()[20*BlockSize:23*BlockSize])

	data, csw := f.command(t, 3*BlockSize, CBWFlagDataIn, nil, cdb10(SCSIRead10, 20, 3)...)
	assert.Equal(t, uint8(CSWStatusGood), csw.Status)
	assert.Equal(t, payload, data)
}

func TestMSC_DoubleBuffered(t *testing.T) {
	storage := NewMemoryStorage(100)
	f := newMSCFixture(t, storage, WithDoubleBuffer())
	require.Equal(t, EndpointOutDouble, f.class.out)

	payload := make([]byte, 2*BlockSize)
	for i := range payload {
		payload[i] = byte(255 - i%251)
	}
	_, csw := f.command(t, uint32(len(payload)), CBWFlagDataOut, payload, cdb10(SCSIWrite10, 0, 2)...)
	assert.Equal(t, uint8(CSWStatusGood), csw.Status)

	data, csw := f.command(t, 2*BlockSize, CBWFlagDataIn, nil, cdb10(SCSIRead10, 0, 2)...)
	assert.Equal(t, uint8(CSWStatusGood), csw.Status)
	assert.Equal(t, payload, data)
}

func TestMSC_CommandFailures(t *testing.T) {
	storage := &faultyStorage{MemoryStorage: NewMemoryStorage(100)}
	f := newMSCFixture(t, storage)

	// Out of range: the CSW follows the CBW directly and the whole length
	// is left as residue.
	cbw := f.sendCBW(t, 2*BlockSize, CBWFlagDataIn, cdb10(SCSIRead10, 99, 2)...)
	csw := f.readCSW(t, cbw.Tag)
	assert.Equal(t, uint8(CSWStatusFailed), csw.Status)
	assert.Equal(t, uint32(2*BlockSize), csw.DataResidue)

	cbw = f.sendCBW(t, 2*BlockSize, CBWFlagDataOut, cdb10(SCSIWrite10, 0, 1)...)
	csw = f.readCSW(t, cbw.Tag)
	assert.Equal(t, uint8(CSWStatusFailed), csw.Status)
	assert.Zero(t, storage.reads+storage.writes)

	sense, _ := f.command(t, RequestSenseSize, CBWFlagDataIn, nil, SCSIRequestSense, 0, 0, 0, RequestSenseSize, 0)
	assert.Equal(t, uint8(ASCLBAOutOfRange), sense[12])
	sense, _ = f.command(t, RequestSenseSize, CBWFlagDataIn, nil, SCSIRequestSense, 0, 0, 0, RequestSenseSize, 0)
	assert.Equal(t, uint8(ASCInvalidCommand), sense[12])

	// The device keeps serving commands.
	_, csw = f.command(t, 0, CBWFlagDataOut, nil, SCSITestUnitReady)
	assert.Equal(t, uint8(CSWStatusGood), csw.Status)
}

func TestMSC_ShortResponse(t *testing.T) {
	f := newMSCFixture(t, NewMemoryStorage(100))

	// INQUIRY answers 36 bytes into a 64-byte allocation.
	data, csw := f.command(t, 64, CBWFlagDataIn, nil, SCSIInquiry, 0, 0, 0, 64, 0)
	assert.Len(t, data, InquiryStandardSize)
	assert.Equal(t, uint8(CSWStatusGood), csw.Status)
	assert.Equal(t, uint32(64-InquiryStandardSize), csw.DataResidue)

	// An empty response goes straight to the CSW.
	cbw := f.sendCBW(t, 0, CBWFlagDataIn, SCSIInquiry, 0, 0, 0, 0, 0)
	csw = f.readCSW(t, cbw.Tag)
	assert.Equal(t, uint8(CSWStatusGood), csw.Status)
}

func TestMSC_GetMaxLUN(t *testing.T) {
	f := newMSCFixture(t, NewMemoryStorage(100))

	data, err := f.host.Control(classRequest(RequestGetMaxLUN, true, 1), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{MaxLUN}, data)

	_, err = f.host.Control(classRequest(RequestGetMaxLUN, true, 2), nil)
	assert.ErrorIs(t, err, pkg.ErrStall)
	_, err = f.host.Control(classRequest(RequestBulkOnlyMassStorageReset, true, 0), nil)
	assert.ErrorIs(t, err, pkg.ErrStall)
	_, err = f.host.Control(classRequest(0x42, false, 0), nil)
	assert.ErrorIs(t, err, pkg.ErrStall)
}

func TestMSC_ClassRequestBeforeConfiguration(t *testing.T) {
	hw := sim.New()
	dev := device.New(hw, New(NewMemoryStorage(100)))
	require.NoError(t, dev.Init(context.Background()))
	require.NoError(t, dev.Start())
	host := sim.NewHost(hw, dev.IRQ)
	host.Reset()

	requests := [][]byte{
		classRequest(RequestBulkOnlyMassStorageReset, false, 0),
		classRequest(RequestGetMaxLUN, true, 1),
	}
	for _, state := range []device.State{device.StateDefault, device.StateAddressed} {
		if state == device.StateAddressed {
			_, err := host.Control(device.SetAddressRequest(7).Bytes(), nil)
			require.NoError(t, err)
		}
		require.Equal(t, state, dev.State())
		for _, req := range requests {
			var err error
			require.NotPanics(t, func() { _, err = host.Control(req, nil) })
			assert.ErrorIs(t, err, pkg.ErrStall)
		}
	}

	_, err := host.Control(device.SetConfigurationRequest(1).Bytes(), nil)
	require.NoError(t, err)
	assert.Equal(t, device.StateConfigured, dev.State())
	data, err := host.Control(classRequest(RequestGetMaxLUN, true, 1), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{MaxLUN}, data)
}

func TestMSC_ClassRequestRecipient(t *testing.T) {
	f := newMSCFixture(t, NewMemoryStorage(100))
	tests := []struct {
		name      string
		recipient uint8
	}{
		{"device", device.RequestRecipientDevice},
		{"endpoint", device.RequestRecipientEndpoint},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reset := device.SetupPacket{RequestType: device.RequestTypeClass | tt.recipient, Request: RequestBulkOnlyMassStorageReset}
			_, err := f.host.Control(reset.Bytes(), nil)
			assert.ErrorIs(t, err, pkg.ErrStall)

			lun := device.SetupPacket{
				RequestType: device.RequestDeviceToHost | device.RequestTypeClass | tt.recipient,
				Request:     RequestGetMaxLUN,
				Length:      1,
			}
			_, err = f.host.Control(lun.Bytes(), nil)
			assert.ErrorIs(t, err, pkg.ErrStall)
		})
	}
}

func TestMSC_ShortDataOut(t *testing.T) {
	storage := NewMemoryStorage(100)
	f := newMSCFixture(t, storage)

	cbw := f.sendCBW(t, BlockSize, CBWFlagDataOut, cdb10(SCSIWrite10, 4, 1)...)
	require.NoError(t, f.host.BulkOut(f.class.out, bytes.Repeat([]byte{0xEE}, 100), MaxPacketSize))
	csw := f.readCSW(t, cbw.Tag)
	assert.Equal(t, uint8(CSWStatusPhaseError), csw.Status)
	assert.Equal(t, uint32(BlockSize-100), csw.DataResidue)
	assert.Equal(t, make([]byte, BlockSize), storage.Bytes()[4*BlockSize:5*BlockSize], "short block not committed")

	_, csw = f.command(t, 0, CBWFlagDataOut, nil, SCSITestUnitReady)
	assert.Equal(t, uint8(CSWStatusGood), csw.Status)
}

func TestMSC_ReadFaultMidTransfer(t *testing.T) {
	storage := &faultyStorage{MemoryStorage: patterned(100), failAfter: 1}
	f := newMSCFixture(t, storage)

	cbw := f.sendCBW(t, 2*BlockSize, CBWFlagDataIn, cdb10(SCSIRead10, 10, 2)...)
	data, err := f.host.BulkIn(f.class.in, 2*BlockSize, MaxPacketSize)
	assert.ErrorIs(t, err, pkg.ErrStall)
	assert.Equal(t, storage.Bytes()[10*BlockSize:11*BlockSize], data)
	assert.True(t, f.dev.Engine().IsStalled(f.class.in))

	// Clearing the halt releases the failed CSW.
	clearIn := device.ClearFeatureRequest(device.RequestRecipientEndpoint, device.FeatureEndpointHalt, uint16(f.class.in))
	_, err = f.host.Control(clearIn.Bytes(), nil)
	require.NoError(t, err)
	csw := f.readCSW(t, cbw.Tag)
	assert.Equal(t, uint8(CSWStatusFailed), csw.Status)
	assert.Equal(t, uint32(BlockSize), csw.DataResidue)

	sense, _ := f.command(t, RequestSenseSize, CBWFlagDataIn, nil, SCSIRequestSense, 0, 0, 0, RequestSenseSize, 0)
	assert.Equal(t, uint8(SenseHardwareError), sense[2])
	assert.Equal(t, uint8(ASCUnrecoveredReadError), sense[12])
}

func TestMSC_InvalidCBW(t *testing.T) {
	tests := []struct {
		name string
		cbw  func() []byte
	}{
		{"short", func() []byte { return marshalCBW(NewCBW(1, 0, 0, SCSITestUnitReady))[:30] }},
		{"signature", func() []byte {
			b := marshalCBW(NewCBW(1, 0, 0, SCSITestUnitReady))
			b[3] = 0
			return b
		}},
		{"lun", func() []byte {
			cbw := NewCBW(1, 0, 0, SCSITestUnitReady)
			cbw.LUN = 1
			return marshalCBW(cbw)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newMSCFixture(t, NewMemoryStorage(100))
			require.NoError(t, f.host.OutPacket(f.class.out, tt.cbw()))

			_, err := f.host.InPacket(f.class.in)
			assert.ErrorIs(t, err, pkg.ErrStall)
			assert.True(t, f.dev.Engine().IsStalled(f.class.in))

			// Reset recovery.
			_, err = f.host.Control(classRequest(RequestBulkOnlyMassStorageReset, false, 0), nil)
			require.NoError(t, err)
			for _, ep := range []uint8{f.class.in, f.class.out} {
				_, err = f.host.Control(device.ClearFeatureRequest(device.RequestRecipientEndpoint, device.FeatureEndpointHalt, uint16(ep)).Bytes(), nil)
				require.NoError(t, err)
			}
			assert.False(t, f.dev.Engine().IsStalled(f.class.in))

			_, csw := f.command(t, 0, CBWFlagDataOut, nil, SCSITestUnitReady)
			assert.Equal(t, uint8(CSWStatusGood), csw.Status)
		})
	}
}

func TestMSC_HaltClearedWithoutReset(t *testing.T) {
	f := newMSCFixture(t, NewMemoryStorage(100))
	require.NoError(t, f.host.OutPacket(f.class.out, []byte{1, 2, 3}))
	require.True(t, f.dev.Engine().IsStalled(f.class.in))

	clearIn := device.ClearFeatureRequest(device.RequestRecipientEndpoint, device.FeatureEndpointHalt, uint16(f.class.in)).Bytes()

	// The first clear while the CBW error is outstanding halts IN again.
	_, err := f.host.Control(clearIn, nil)
	require.NoError(t, err)
	assert.True(t, f.dev.Engine().IsStalled(f.class.in))

	// The next one reports the aborted command.
	_, err = f.host.Control(clearIn, nil)
	require.NoError(t, err)
	assert.False(t, f.dev.Engine().IsStalled(f.class.in))
	pkt, err := f.host.InPacket(f.class.in)
	require.NoError(t, err)
	var csw CommandStatusWrapper
	require.NoError(t, ParseCSW(pkt, &csw))
	assert.Equal(t, uint8(CSWStatusFailed), csw.Status)
}

func TestMSC_ReconfigureReopensMedium(t *testing.T) {
	storage := NewMemoryStorage(100)
	storage.SetPresent(false)
	f := newMSCFixture(t, storage)
	_, ok := f.class.SCSI().Medium()
	require.False(t, ok)

	storage.SetPresent(true)
	_, err := f.host.Control(device.SetConfigurationRequest(1).Bytes(), nil)
	require.NoError(t, err)
	blocks, ok := f.class.SCSI().Medium()
	assert.True(t, ok)
	assert.Equal(t, uint32(100), blocks)

	_, csw := f.command(t, 0, CBWFlagDataOut, nil, SCSITestUnitReady)
	assert.Equal(t, uint8(CSWStatusGood), csw.Status)
}
