//go:build profile

package prof

import (
	"errors"
	"os"
	"runtime/pprof"
	"sync"
)

// Enabled reports whether the binary was built with the profile tag.
const Enabled = true

var (
	// ErrCPUProfileActive indicates CPU profiling is already active.
	ErrCPUProfileActive = errors.New("cpu profile already active")

	// ErrInvalidProfile indicates an unknown profile, or ProfileCPU passed
	// to Write.
	ErrInvalidProfile = errors.New("invalid profile")
)

var (
	cpuMutex sync.Mutex
	cpuFile  *os.File
)

// StartCPU starts CPU profiling into a new file at path.
func StartCPU(path string) error {
	cpuMutex.Lock()
	defer cpuMutex.Unlock()

	if cpuFile != nil {
		return ErrCPUProfileActive
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return err
	}
	cpuFile = f
	return nil
}

// StopCPU stops CPU profiling and closes its file. It does nothing when
// profiling is not active.
func StopCPU() error {
	cpuMutex.Lock()
	defer cpuMutex.Unlock()

	if cpuFile == nil {
		return nil
	}
	pprof.StopCPUProfile()
	err := cpuFile.Close()
	cpuFile = nil
	return err
}

// Write saves a snapshot profile to path.
func Write(profile Profile, path string) error {
	p := pprof.Lookup(string(profile))
	if profile == ProfileCPU || p == nil {
		return ErrInvalidProfile
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := p.WriteTo(f, 0); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
