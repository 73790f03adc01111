// Command pmausb runs the device stack against a simulated host.
//
// It enumerates a mass storage or CDC ACM device over the simulated
// peripheral, drives a short session the way a host driver would and
// prints what it saw.
//
// Usage:
//
//	pmausb [global flags] msc [flags]
//	pmausb [global flags] cdc [flags]
//
// Settings come from a TOML file (--config) with flags taking precedence.
package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/ardnew/pmausb/pkg"
	"github.com/ardnew/pmausb/pkg/prof"
	"github.com/ardnew/pmausb/pkg/usbid"
)

// app holds what the Before hook sets up for the session actions.
type app struct {
	cfg     Config
	ids     *usbid.Database
	closers []io.Closer
}

func main() {
	if err := newCommand().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "pmausb: %v\n", err)
		os.Exit(1)
	}
}

func newCommand() *cli.Command {
	a := &app{cfg: defaultConfig()}
	return &cli.Command{
		Name:  "pmausb",
		Usage: "drive the USB device stack from a simulated host",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "TOML configuration file", TakesFile: true},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
			&cli.StringFlag{Name: "log-format", Usage: "auto, text or json"},
			&cli.StringFlag{Name: "log-file", Usage: "write logs to a rotating file", TakesFile: true},
			&cli.StringSliceFlag{Name: "usb-ids", Usage: "usb.ids database path"},
			&cli.StringFlag{Name: "cpuprofile", Usage: "write a CPU profile", TakesFile: true},
			&cli.StringFlag{Name: "memprofile", Usage: "write a heap profile on exit", TakesFile: true},
		},
		Before: a.setup,
		After:  a.teardown,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return a.run(ctx, a.cfg.Class, cmd)
		},
		Commands: []*cli.Command{
			{
				Name:  classMSC,
				Usage: "enumerate a mass storage device and read its disk",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "image", Usage: "disk image; a temporary one is created when empty", TakesFile: true},
					&cli.BoolFlag{Name: "format", Usage: "create a new FAT image even if one exists"},
					&cli.IntFlag{Name: "size-mb", Usage: "size of a new image"},
					&cli.StringFlag{Name: "label", Usage: "volume label of a new image"},
					&cli.BoolFlag{Name: "read-only", Usage: "serve the image write-protected"},
					&cli.BoolFlag{Name: "double-buffer", Usage: "double-buffer the bulk endpoints"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return a.run(ctx, classMSC, cmd)
				},
			},
			{
				Name:  classCDC,
				Usage: "open a virtual serial port and echo a message",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "message", Usage: "text to echo"},
					&cli.IntFlag{Name: "baud", Usage: "line coding data rate"},
					&cli.IntFlag{Name: "ring-size", Usage: "receive ring size"},
					&cli.DurationFlag{Name: "write-timeout", Usage: "transmit timeout"},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return a.run(ctx, classCDC, cmd)
				},
			},
		},
	}
}

// setup loads the configuration and starts logging and profiling.
func (a *app) setup(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	cfg, err := loadConfig(cmd.String("config"))
	if err != nil {
		return ctx, err
	}
	if cmd.IsSet("log-level") {
		cfg.Log.Level = cmd.String("log-level")
	}
	if cmd.IsSet("log-format") {
		cfg.Log.Format = cmd.String("log-format")
	}
	if cmd.IsSet("log-file") {
		cfg.Log.File.Path = cmd.String("log-file")
	}
	if cmd.IsSet("usb-ids") {
		cfg.IDs = cmd.StringSlice("usb-ids")
	}

	a.cfg = cfg
	closer, err := setupLogging(cfg.Log, os.Stderr)
	if err != nil {
		return ctx, err
	}
	if closer != nil {
		a.closers = append(a.closers, closer)
	}

	if a.ids, err = usbid.Open(cfg.IDs...); err != nil {
		pkg.LogDebug(pkg.ComponentDevice, "no usb.ids database", "error", err)
	}

	if path := cmd.String("cpuprofile"); path != "" {
		if !prof.Enabled {
			pkg.LogWarn(pkg.ComponentDevice, "built without profiling support", "flag", "cpuprofile")
		}
		if err := prof.StartCPU(path); err != nil {
			return ctx, err
		}
	}
	return ctx, nil
}

func (a *app) teardown(ctx context.Context, cmd *cli.Command) error {
	if err := prof.StopCPU(); err != nil {
		pkg.LogWarn(pkg.ComponentDevice, "stop CPU profile", "error", err)
	}
	if path := cmd.String("memprofile"); path != "" {
		if err := prof.Write(prof.ProfileHeap, path); err != nil {
			pkg.LogWarn(pkg.ComponentDevice, "write heap profile", "error", err)
		}
	}
	for _, c := range a.closers {
		c.Close()
	}
	a.closers = nil
	return nil
}

// setupLogging applies cfg to the package logger. The returned closer,
// when non-nil, flushes the log file.
func setupLogging(cfg LogConfig, stderr *os.File) (io.Closer, error) {
	level, err := pkg.ParseLogLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	pkg.SetLogLevel(level)

	if cfg.File.Path != "" {
		if cfg.File.Format, err = logFormat(cfg.Format, nil); err != nil {
			return nil, err
		}
		logger, closer := pkg.NewFileLogger(cfg.File)
		pkg.SetLogger(logger)
		return closer, nil
	}

	format, err := logFormat(cfg.Format, stderr)
	if err != nil {
		return nil, err
	}
	pkg.SetLogFormat(format)
	return nil, nil
}

// run applies the subcommand flags over the configuration and starts the
// session for class.
func (a *app) run(ctx context.Context, class string, cmd *cli.Command) error {
	cfg := a.cfg
	cfg.Class = class
	switch class {
	case classMSC:
		if cmd.IsSet("image") {
			cfg.MSC.Image = cmd.String("image")
		}
		if cmd.IsSet("format") {
			cfg.MSC.Format = cmd.Bool("format")
		}
		if cmd.IsSet("size-mb") {
			cfg.MSC.SizeMB = int(cmd.Int("size-mb"))
		}
		if cmd.IsSet("label") {
			cfg.MSC.Label = cmd.String("label")
		}
		if cmd.IsSet("read-only") {
			cfg.MSC.ReadOnly = cmd.Bool("read-only")
		}
		if cmd.IsSet("double-buffer") {
			cfg.MSC.DoubleBuffer = cmd.Bool("double-buffer")
		}
	case classCDC:
		if cmd.IsSet("message") {
			cfg.CDC.Message = cmd.String("message")
		}
		if cmd.IsSet("baud") {
			cfg.CDC.Baud = uint32(cmd.Int("baud"))
		}
		if cmd.IsSet("ring-size") {
			cfg.CDC.RingSize = int(cmd.Int("ring-size"))
		}
		if cmd.IsSet("write-timeout") {
			cfg.CDC.WriteTimeout = cmd.Duration("write-timeout")
		}
	}
	if err := cfg.validate(); err != nil {
		return err
	}

	out := cmd.Root().Writer
	if out == nil {
		out = os.Stdout
	}
	pkg.LogInfo(pkg.ComponentDevice, "starting session", "class", class,
		"vid", cfg.Device.VendorID, "pid", cfg.Device.ProductID)
	if class == classCDC {
		return runCDC(ctx, cfg, a.ids, out)
	}
	return runMSC(ctx, cfg, a.ids, out)
}
