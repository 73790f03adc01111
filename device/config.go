package device

import (
	"log/slog"

	"github.com/ardnew/pmausb/pkg"
	"github.com/ardnew/pmausb/pkg/uid"
)

// USBVersion is the bcdUSB the device reports.
const USBVersion = 0x0200

// Config holds the identity and power attributes a Device reports to the
// host. It is normally loaded from TOML.
type Config struct {
	VendorID      uint16 `toml:"vendor_id"`
	ProductID     uint16 `toml:"product_id"`
	DeviceVersion uint16 `toml:"device_version"`

	Manufacturer  string `toml:"manufacturer"`
	Product       string `toml:"product"`
	Configuration string `toml:"configuration"`
	Interface     string `toml:"interface"`

	SelfPowered  bool   `toml:"self_powered"`
	RemoteWakeup bool   `toml:"remote_wakeup"`
	MaxPowerMA   uint16 `toml:"max_power_ma"`

	// UniqueID seeds the serial number string.
	UniqueID uid.Words `toml:"-"`
}

// DefaultConfig returns a bus-powered 100mA configuration identified by the
// host's unique ID.
func DefaultConfig() Config {
	return Config{
		VendorID:      0x0483,
		ProductID:     0x572A,
		DeviceVersion: 0x0100,
		Manufacturer:  "pmausb",
		Product:       "pmausb device",
		Configuration: "Default",
		Interface:     "Default",
		MaxPowerMA:    100,
		UniqueID:      uid.Default(),
	}
}

// attributes returns the configuration bmAttributes.
func (c *Config) attributes() uint8 {
	attr := uint8(ConfigAttrBusPowered)
	if c.SelfPowered {
		attr |= ConfigAttrSelfPowered
	}
	if c.RemoteWakeup {
		attr |= ConfigAttrRemoteWakeup
	}
	return attr
}

// maxPower returns bMaxPower in 2mA units.
func (c *Config) maxPower() uint8 {
	return uint8(min(c.MaxPowerMA/2, 0xFF))
}

// Option configures a Device.
type Option func(*Device)

// WithConfig replaces the default identity and power attributes.
func WithConfig(cfg Config) Option {
	return func(d *Device) { d.cfg = cfg }
}

// WithLogger replaces the package-wide logger used by every component.
func WithLogger(logger *slog.Logger) Option {
	return func(*Device) { pkg.SetLogger(logger) }
}
