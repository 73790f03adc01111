package prof

// Profile names a runtime/pprof profile.
type Profile string

// Profiles.
const (
	ProfileCPU       Profile = "cpu"
	ProfileHeap      Profile = "heap"
	ProfileAllocs    Profile = "allocs"
	ProfileGoroutine Profile = "goroutine"
)

func (p Profile) String() string { return string(p) }
