//go:build !profile

package prof

// Enabled reports whether the binary was built with the profile tag.
const Enabled = false

// StartCPU does nothing without the profile tag.
func StartCPU(string) error { return nil }

// StopCPU does nothing without the profile tag.
func StopCPU() error { return nil }

// Write does nothing without the profile tag.
func Write(Profile, string) error { return nil }
