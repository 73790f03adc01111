package device

// ClassDescriptor describes what a class contributes to the device and
// configuration descriptors.
type ClassDescriptor struct {
	// DeviceClass, DeviceSubClass and DeviceProtocol populate the device
	// descriptor. Zero defers to the interface descriptors.
	DeviceClass    uint8
	DeviceSubClass uint8
	DeviceProtocol uint8

	// Interfaces is the number of interfaces the class body declares.
	Interfaces uint8

	// Body holds every interface, functional and endpoint descriptor that
	// follows the configuration header.
	Body []byte
}

// Class is a USB device class. Exactly one class is bound to a Device and
// it is the only one ever activated.
//
// All methods run on the interrupt path.
type Class interface {
	// Descriptor returns the class portion of the configuration.
	Descriptor() ClassDescriptor

	// Init opens the class endpoints after SET_CONFIGURATION selects
	// config.
	Init(ctl *Control, config uint8) error

	// Deinit releases the class after a reset or a configuration change.
	Deinit(ctl *Control)

	// Setup handles a class, vendor or interface request. It reports
	// whether the request was recognized; it starts the data stage itself
	// with ctl.Send or ctl.Receive.
	Setup(ctl *Control, req *SetupPacket) bool
}

// ControlDataReadier is implemented by classes that receive data in the
// OUT data stage of their own control requests.
type ControlDataReadier interface {
	// ControlDataReady runs once the buffer passed to ctl.Receive is
	// filled.
	ControlDataReady(ctl *Control)
}

// EndpointHaltClearer is implemented by classes that react when the host
// clears a halt on one of their endpoints.
type EndpointHaltClearer interface {
	EndpointHaltCleared(ctl *Control, address uint8)
}
