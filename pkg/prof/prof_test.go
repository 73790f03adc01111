//go:build profile

package prof

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartCPU(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cpu.prof")

	require.NoError(t, StartCPU(path))
	assert.ErrorIs(t, StartCPU(filepath.Join(dir, "again.prof")), ErrCPUProfileActive)
	require.NoError(t, StopCPU())
	require.NoError(t, StopCPU())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, info.Size())

	assert.Error(t, StartCPU(filepath.Join(dir, "missing", "cpu.prof")))
}

func TestWrite(t *testing.T) {
	dir := t.TempDir()
	for _, p := range []Profile{ProfileHeap, ProfileAllocs, ProfileGoroutine} {
		t.Run(p.String(), func(t *testing.T) {
			path := filepath.Join(dir, p.String()+".prof")
			require.NoError(t, Write(p, path))
			info, err := os.Stat(path)
			require.NoError(t, err)
			assert.NotZero(t, info.Size())
		})
	}
	assert.ErrorIs(t, Write(ProfileCPU, filepath.Join(dir, "cpu.prof")), ErrInvalidProfile)
	assert.ErrorIs(t, Write(Profile("bogus"), filepath.Join(dir, "bogus.prof")), ErrInvalidProfile)
}
