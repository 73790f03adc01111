package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/samber/lo"
	"golang.org/x/term"

	"github.com/ardnew/pmausb/device"
	"github.com/ardnew/pmausb/pkg"
)

// Classes the simulator can run.
const (
	classMSC = "msc"
	classCDC = "cdc"
)

// Config is the TOML configuration of a simulated session.
type Config struct {
	Class  string        `toml:"class"`
	IDs    []string      `toml:"usb_ids"`
	Device device.Config `toml:"device"`
	Log    LogConfig     `toml:"log"`
	MSC    MSCConfig     `toml:"msc"`
	CDC    CDCConfig     `toml:"cdc"`
}

// LogConfig selects the log level, format and optional rotating file.
type LogConfig struct {
	Level  string            `toml:"level"`
	Format string            `toml:"format"` // auto, text or json
	File   pkg.FileLogConfig `toml:"file"`
}

// MSCConfig describes the disk image served by the mass storage class.
type MSCConfig struct {
	Image        string            `toml:"image"`
	Format       bool              `toml:"format"`
	SizeMB       int               `toml:"size_mb"`
	Label        string            `toml:"label"`
	Files        map[string]string `toml:"files"` // name on disk -> host path
	ReadOnly     bool              `toml:"read_only"`
	DoubleBuffer bool              `toml:"double_buffer"`
	Vendor       string            `toml:"vendor"`
	Product      string            `toml:"product"`
	Revision     string            `toml:"revision"`
}

// CDCConfig describes the serial session.
type CDCConfig struct {
	RingSize     int           `toml:"ring_size"`
	WriteTimeout time.Duration `toml:"write_timeout"`
	Baud         uint32        `toml:"baud"`
	Message      string        `toml:"message"`
}

func defaultConfig() Config {
	return Config{
		Class:  classMSC,
		Device: device.DefaultConfig(),
		Log: LogConfig{
			Level:  "warn",
			Format: "auto",
			File:   pkg.FileLogConfig{MaxSizeMB: 10, MaxBackups: 3},
		},
		MSC: MSCConfig{
			SizeMB:   64,
			Label:    "PMAUSB",
			Vendor:   "pmausb",
			Product:  "Mass Storage",
			Revision: "1.00",
		},
		CDC: CDCConfig{
			RingSize:     512,
			WriteTimeout: 10 * time.Millisecond,
			Baud:         115200,
			Message:      "hello from the host",
		},
	}
}

// loadConfig reads path over the defaults. An empty path returns the
// defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := lo.Map(undecoded, func(k toml.Key, _ int) string { return k.String() })
		pkg.LogWarn(pkg.ComponentDevice, "unknown config keys", "path", path, "keys", strings.Join(keys, ","))
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	switch c.Class {
	case classMSC, classCDC:
	default:
		return fmt.Errorf("%w: class %q", pkg.ErrInvalidParameter, c.Class)
	}
	if c.MSC.SizeMB < 0 || c.CDC.RingSize < 0 || c.CDC.WriteTimeout < 0 {
		return fmt.Errorf("%w: negative size or timeout", pkg.ErrInvalidParameter)
	}
	if c.CDC.RingSize != 0 && c.CDC.RingSize < minRingSize {
		return fmt.Errorf("%w: ring size %d below %d", pkg.ErrInvalidParameter, c.CDC.RingSize, minRingSize)
	}
	return nil
}

// logFormat resolves "auto" to text on a terminal and JSON elsewhere.
func logFormat(name string, f *os.File) (pkg.LogFormat, error) {
	switch strings.ToLower(name) {
	case "", "auto":
		if f != nil && term.IsTerminal(int(f.Fd())) {
			return pkg.LogFormatText, nil
		}
		return pkg.LogFormatJSON, nil
	case "text":
		return pkg.LogFormatText, nil
	case "json":
		return pkg.LogFormatJSON, nil
	}
	return 0, fmt.Errorf("%w: log format %q", pkg.ErrInvalidParameter, name)
}
