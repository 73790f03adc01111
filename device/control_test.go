package device

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/pmausb/device/hal"
	"github.com/ardnew/pmausb/pkg"
)

func decodeString(t *testing.T, desc []byte) string {
	t.Helper()
	require.GreaterOrEqual(t, len(desc), 2)
	require.Equal(t, uint8(DescriptorTypeString), desc[1])
	var sb strings.Builder
	for i := 2; i+1 < len(desc); i += 2 {
		sb.WriteByte(desc[i])
	}
	return sb.String()
}

func TestControl_GetDeviceDescriptor(t *testing.T) {
	f := newDeviceFixture(t, testConfig())

	data, err := f.control(GetDescriptorRequest(DescriptorTypeDevice, 0, 0, 64), nil)
	require.NoError(t, err)
	require.Len(t, data, DeviceDescriptorSize)

	var desc DeviceDescriptor
	require.NoError(t, ParseDeviceDescriptor(data, &desc))
	assert.Equal(t, uint16(USBVersion), desc.USBVersion)
	assert.Equal(t, uint8(MaxPacketSize0), desc.MaxPacketSize0)
	assert.Equal(t, uint16(0xCAFE), desc.VendorID)
	assert.Equal(t, uint16(0xBABE), desc.ProductID)
	assert.Equal(t, uint8(StringIndexSerial), desc.SerialNumberIndex)
	assert.Equal(t, uint8(MaxConfigurations), desc.NumConfigurations)

	// Hosts first ask for the leading 8 bytes only.
	data, err = f.control(GetDescriptorRequest(DescriptorTypeDevice, 0, 0, 8), nil)
	require.NoError(t, err)
	assert.Len(t, data, 8)
	assert.Equal(t, StateDefault, f.dev.State())
}

func TestControl_GetConfigurationDescriptor(t *testing.T) {
	f := newDeviceFixture(t, testConfig())

	data, err := f.control(GetDescriptorRequest(DescriptorTypeConfiguration, 0, 0, 255), nil)
	require.NoError(t, err)
	require.Len(t, data, ConfigurationDescriptorSize+InterfaceDescriptorSize+2*EndpointDescriptorSize)

	var hdr ConfigurationDescriptor
	require.NoError(t, ParseConfigurationDescriptor(data, &hdr))
	assert.Equal(t, uint16(len(data)), hdr.TotalLength)
	assert.Equal(t, uint8(1), hdr.NumInterfaces)
	assert.Equal(t, uint8(1), hdr.ConfigurationValue)
	assert.Equal(t, uint8(StringIndexConfiguration), hdr.ConfigurationIndex)
	assert.Equal(t, uint8(DescriptorTypeInterface), data[ConfigurationDescriptorSize+1])
}

func TestControl_GetDescriptorRejected(t *testing.T) {
	tests := []struct {
		name string
		req  SetupPacket
	}{
		{"device qualifier", GetDescriptorRequest(DescriptorTypeDeviceQualifier, 0, 0, 10)},
		{"other speed", GetDescriptorRequest(DescriptorTypeOtherSpeedConfig, 0, 0, 9)},
		{"unknown type", GetDescriptorRequest(0x0F, 0, 0, 5)},
		{"string out of range", GetDescriptorRequest(DescriptorTypeString, 6, LangIDUSEnglish, 255)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newDeviceFixture(t, testConfig())
			_, err := f.control(tt.req, nil)
			assert.ErrorIs(t, err, pkg.ErrStall)
			assert.Equal(t, ControlStall, f.dev.Control().State())
			assert.True(t, f.dev.Engine().IsStalled(EndpointControlOut))

			// The next SETUP clears the stall.
			_, err = f.control(GetDescriptorRequest(DescriptorTypeDevice, 0, 0, 18), nil)
			assert.NoError(t, err)
			assert.Equal(t, ControlIdle, f.dev.Control().State())
		})
	}
}

func TestControl_StringDescriptors(t *testing.T) {
	f := newDeviceFixture(t, testConfig())

	data, err := f.control(GetDescriptorRequest(DescriptorTypeString, StringIndexLangID, 0, 255), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{4, DescriptorTypeString, 0x09, 0x04}, data)

	tests := []struct {
		index uint8
		want  string
	}{
		{StringIndexManufacturer, "Acme"},
		{StringIndexProduct, "Widget"},
		{StringIndexSerial, "000000031234"},
		{StringIndexConfiguration, "Default"},
		{StringIndexInterface, "Default"},
	}
	for _, tt := range tests {
		data, err := f.control(GetDescriptorRequest(DescriptorTypeString, tt.index, LangIDUSEnglish, 255), nil)
		require.NoError(t, err)
		assert.Equal(t, tt.want, decodeString(t, data), "index %d", tt.index)
	}
}

func TestControl_StringTruncatedToLength(t *testing.T) {
	f := newDeviceFixture(t, testConfig())

	data, err := f.control(GetDescriptorRequest(DescriptorTypeString, StringIndexProduct, LangIDUSEnglish, 4), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{2 + 2*6, DescriptorTypeString, 'W', 0}, data)
	assert.Equal(t, StateDefault, f.dev.State())
	assert.Equal(t, ControlIdle, f.dev.Control().State())
}

func TestControl_LongStringSpansPackets(t *testing.T) {
	cfg := testConfig()
	cfg.Product = strings.Repeat("p", 100)
	f := newDeviceFixture(t, cfg)

	data, err := f.control(GetDescriptorRequest(DescriptorTypeString, StringIndexProduct, LangIDUSEnglish, 255), nil)
	require.NoError(t, err)
	require.Len(t, data, 2+2*MaxStringLength)
	assert.Equal(t, strings.Repeat("p", MaxStringLength), decodeString(t, data))
}

func TestControl_ZeroLengthPacketAfterFullPacket(t *testing.T) {
	cfg := testConfig()
	cfg.Product = strings.Repeat("z", (MaxPacketSize0-2)/2)
	f := newDeviceFixture(t, cfg)

	tests := []struct {
		name   string
		length uint16
	}{
		{"shorter than requested", 255},
		{"exactly requested", MaxPacketSize0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := f.control(GetDescriptorRequest(DescriptorTypeString, StringIndexProduct, LangIDUSEnglish, tt.length), nil)
			require.NoError(t, err)
			assert.Len(t, data, MaxPacketSize0)
			assert.Equal(t, ControlIdle, f.dev.Control().State())
		})
	}
}

func TestControl_GetDescriptorZeroLength(t *testing.T) {
	f := newDeviceFixture(t, testConfig())
	data, err := f.control(GetDescriptorRequest(DescriptorTypeDevice, 0, 0, 0), nil)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestControl_SetAddressDeferred(t *testing.T) {
	f := newDeviceFixture(t, testConfig())
	writes := len(f.hw.AddressWrites())

	require.Equal(t, pkg.TransferStatusSuccess, f.hw.Setup(0, 0, SetAddressRequest(5).Bytes()))
	f.dev.IRQ()
	assert.Equal(t, StateAddressed, f.dev.State())
	assert.Zero(t, f.hw.Address(), "address must not change before the status stage")
	assert.Zero(t, f.dev.Control().Address())
	assert.Len(t, f.hw.AddressWrites(), writes)

	status, st := f.hw.In(0, 0)
	require.Equal(t, pkg.TransferStatusSuccess, st)
	assert.Empty(t, status)
	f.dev.IRQ()
	assert.Equal(t, uint8(5), f.hw.Address())
	assert.Equal(t, uint8(5), f.dev.Control().Address())
	assert.Equal(t, []uint8{5}, f.hw.AddressWrites()[writes:])

	// Only the first IN completion applies it.
	_, st = f.hw.In(5, 0)
	assert.Equal(t, pkg.TransferStatusNAK, st)
	assert.Len(t, f.hw.AddressWrites(), writes+1)
}

func TestControl_SetAddressValidation(t *testing.T) {
	tests := []struct {
		name string
		req  SetupPacket
	}{
		{"address too large", SetupPacket{Request: RequestSetAddress, Value: 128}},
		{"non-zero index", SetupPacket{Request: RequestSetAddress, Value: 4, Index: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newDeviceFixture(t, testConfig())
			_, err := f.control(tt.req, nil)
			assert.ErrorIs(t, err, pkg.ErrStall)
			assert.Equal(t, StateDefault, f.dev.State())
			assert.Zero(t, f.hw.Address())
		})
	}

	t.Run("while configured", func(t *testing.T) {
		f := newDeviceFixture(t, testConfig())
		f.configure(t)
		_, err := f.control(SetAddressRequest(9), nil)
		assert.ErrorIs(t, err, pkg.ErrStall)
		assert.Equal(t, uint8(5), f.hw.Address())
	})

	t.Run("zero returns to default", func(t *testing.T) {
		f := newDeviceFixture(t, testConfig())
		_, err := f.control(SetAddressRequest(7), nil)
		require.NoError(t, err)
		require.Equal(t, StateAddressed, f.dev.State())
		_, err = f.control(SetAddressRequest(0), nil)
		require.NoError(t, err)
		assert.Equal(t, StateDefault, f.dev.State())
		assert.Zero(t, f.hw.Address())
	})
}

func TestControl_SetConfiguration(t *testing.T) {
	f := newDeviceFixture(t, testConfig())

	_, err := f.control(SetConfigurationRequest(1), nil)
	assert.ErrorIs(t, err, pkg.ErrStall, "not allowed in Default")
	assert.Zero(t, f.class.inits)

	_, err = f.control(SetAddressRequest(5), nil)
	require.NoError(t, err)
	_, err = f.control(SetConfigurationRequest(1), nil)
	require.NoError(t, err)
	assert.Equal(t, StateConfigured, f.dev.State())
	assert.Equal(t, 1, f.class.inits)
	assert.Equal(t, uint8(1), f.class.config)
	assert.True(t, f.dev.Engine().IsOpen(0x81))
	used := f.dev.Engine().Allocator().Used()

	data, err := f.control(GetConfigurationRequest(), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, data)

	// Reselecting the configuration reinitializes the class in place.
	_, err = f.control(SetConfigurationRequest(1), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, f.class.inits)
	assert.Equal(t, 1, f.class.deinits)
	assert.Equal(t, used, f.dev.Engine().Allocator().Used())

	_, err = f.control(SetConfigurationRequest(2), nil)
	assert.ErrorIs(t, err, pkg.ErrStall)
	assert.Equal(t, StateConfigured, f.dev.State())

	_, err = f.control(SetConfigurationRequest(0), nil)
	require.NoError(t, err)
	assert.Equal(t, StateAddressed, f.dev.State())
	assert.Equal(t, 2, f.class.deinits)
	assert.False(t, f.dev.Engine().IsOpen(0x81))

	data, err = f.control(GetConfigurationRequest(), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, data)
}

func TestControl_DeviceStatusAndFeatures(t *testing.T) {
	cfg := testConfig()
	cfg.SelfPowered = true
	f := newDeviceFixture(t, cfg)
	status := GetStatusRequest(RequestRecipientDevice, 0)

	data, err := f.control(status, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{StatusSelfPowered, 0}, data)

	_, err = f.control(SetFeatureRequest(RequestRecipientDevice, FeatureDeviceRemoteWakeup, 0), nil)
	require.NoError(t, err)
	assert.True(t, f.dev.Control().RemoteWakeup())
	data, err = f.control(status, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{StatusSelfPowered | StatusRemoteWakeup, 0}, data)

	_, err = f.control(ClearFeatureRequest(RequestRecipientDevice, FeatureDeviceRemoteWakeup, 0), nil)
	require.NoError(t, err)
	assert.False(t, f.dev.Control().RemoteWakeup())

	_, err = f.control(SetFeatureRequest(RequestRecipientDevice, FeatureTestMode, 0), nil)
	assert.ErrorIs(t, err, pkg.ErrStall)

	bad := status
	bad.Length = 1
	_, err = f.control(bad, nil)
	assert.ErrorIs(t, err, pkg.ErrStall)
}

func TestControl_EndpointHalt(t *testing.T) {
	f := newDeviceFixture(t, testConfig())
	f.configure(t)
	status := GetStatusRequest(RequestRecipientEndpoint, 0x81)

	data, err := f.control(status, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0}, data)

	_, err = f.control(SetFeatureRequest(RequestRecipientEndpoint, FeatureEndpointHalt, 0x81), nil)
	require.NoError(t, err)
	assert.True(t, f.dev.Engine().IsStalled(0x81))
	_, err = f.host.InPacket(0x81)
	assert.ErrorIs(t, err, pkg.ErrStall)

	data, err = f.control(status, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{EndpointStatusHalt, 0}, data)

	_, err = f.control(ClearFeatureRequest(RequestRecipientEndpoint, FeatureEndpointHalt, 0x81), nil)
	require.NoError(t, err)
	assert.False(t, f.dev.Engine().IsStalled(0x81))
	assert.Equal(t, hal.StatusNAK, f.hw.Status(1, hal.DirIn))
	assert.Equal(t, []uint8{0x81}, f.class.halts)

	data, err = f.control(status, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0}, data)

	_, err = f.control(GetStatusRequest(RequestRecipientEndpoint, 0x83), nil)
	assert.ErrorIs(t, err, pkg.ErrStall, "endpoint not open")
}

func TestControl_EndpointRequestsWhileAddressed(t *testing.T) {
	f := newDeviceFixture(t, testConfig())
	_, err := f.control(SetAddressRequest(5), nil)
	require.NoError(t, err)

	data, err := f.control(GetStatusRequest(RequestRecipientEndpoint, 0x80), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0}, data)

	_, err = f.control(SetFeatureRequest(RequestRecipientEndpoint, FeatureEndpointHalt, 0x81), nil)
	assert.ErrorIs(t, err, pkg.ErrStall)
	_, err = f.control(ClearFeatureRequest(RequestRecipientEndpoint, FeatureEndpointHalt, 0x01), nil)
	assert.ErrorIs(t, err, pkg.ErrStall)
	assert.Empty(t, f.class.halts)
}

func TestControl_InterfaceRequests(t *testing.T) {
	f := newDeviceFixture(t, testConfig())
	f.configure(t)

	_, err := f.control(SetupPacket{RequestType: RequestTypeClass | RequestRecipientInterface, Request: ifaceNoData}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, f.class.requests)
	assert.Equal(t, uint8(ifaceNoData), f.class.requests[len(f.class.requests)-1].Request)

	_, err = f.control(SetupPacket{RequestType: RequestTypeClass | RequestRecipientInterface, Request: ifaceNoData, Index: 1}, nil)
	assert.ErrorIs(t, err, pkg.ErrStall, "interface beyond the advertised count")

	_, err = f.control(SetupPacket{RequestType: RequestTypeClass | RequestRecipientInterface, Request: 0x7F}, nil)
	assert.ErrorIs(t, err, pkg.ErrStall, "class declined")

	data, err := f.control(SetupPacket{
		RequestType: RequestDeviceToHost | RequestRecipientInterface,
		Request:     RequestGetInterface,
		Length:      1,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, data)

	_, err = f.control(SetupPacket{RequestType: RequestRecipientInterface, Request: RequestSetInterface, Value: 1}, nil)
	assert.ErrorIs(t, err, pkg.ErrStall)
}

func TestControl_VendorDataStages(t *testing.T) {
	f := newDeviceFixture(t, testConfig())
	f.configure(t)
	copy(f.class.data[:], "abcdefgh")

	data, err := f.control(SetupPacket{
		RequestType: RequestDeviceToHost | RequestTypeVendor,
		Request:     vendorRead,
		Length:      8,
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdefgh"), data)

	_, err = f.control(SetupPacket{
		RequestType: RequestTypeVendor,
		Request:     vendorWrite,
		Length:      4,
	}, []byte("WXYZ"))
	require.NoError(t, err)
	assert.Equal(t, []byte("WXYZefgh"), f.class.data[:])
	assert.Equal(t, 1, f.class.ready)

	_, err = f.control(SetupPacket{RequestType: RequestTypeVendor, Request: vendorNoData}, nil)
	require.NoError(t, err)
	assert.Equal(t, ControlIdle, f.dev.Control().State())

	_, err = f.control(SetupPacket{RequestType: RequestTypeVendor, Request: 0x55}, nil)
	assert.ErrorIs(t, err, pkg.ErrStall)
}

func TestControl_UnsupportedStandardRequest(t *testing.T) {
	f := newDeviceFixture(t, testConfig())
	_, err := f.control(SetupPacket{Request: RequestSetDescriptor, Value: 0x0100, Length: 18}, make([]byte, 18))
	assert.ErrorIs(t, err, pkg.ErrStall)

	_, err = f.control(GetDescriptorRequest(DescriptorTypeDevice, 0, 0, 18), nil)
	assert.NoError(t, err)
}
