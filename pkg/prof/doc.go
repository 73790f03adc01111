// Package prof writes pprof profiles of the pmausb tools.
//
// Profiling is compiled in only with the profile build tag:
//
//	go build -tags profile ./cmd/pmausb
//
// Without the tag every function is a no-op and Enabled is false, so the
// --cpuprofile and --memprofile flags cost nothing in a normal build.
//
//	if err := prof.StartCPU("cpu.prof"); err != nil {
//		return err
//	}
//	defer prof.StopCPU()
//	...
//	prof.Write(prof.ProfileHeap, "heap.prof")
package prof
