// Package pkg holds the pieces shared by every layer of the pmausb stack:
// component-tagged structured logging on top of [log/slog], and the sentinel
// errors returned by configuration-time calls.
//
// # Logging
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogDebug(pkg.ComponentEndpoint, "endpoint opened", "address", "0x81")
//
// Records can be sent to a size-rotated file:
//
//	logger, closer := pkg.NewFileLogger(pkg.FileLogConfig{Path: "usb.log", MaxSizeMB: 4})
//	defer closer.Close()
//	pkg.SetLogger(logger)
//
// # Errors
//
// Protocol failures seen by the host are stalls or SCSI sense entries, never
// Go errors. Errors are returned only when wiring the stack together:
//
//	if errors.Is(err, pkg.ErrPMAOverflow) {
//	    // descriptor set does not fit packet memory
//	}
package pkg
