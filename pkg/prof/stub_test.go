//go:build !profile

package prof

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDisabled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cpu.prof")
	assert.False(t, Enabled)
	assert.NoError(t, StartCPU(path))
	assert.NoError(t, StopCPU())
	assert.NoError(t, Write(ProfileHeap, path))

	_, err := os.Stat(path)
	assert.ErrorIs(t, err, os.ErrNotExist)
}
