package osutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNumCPU(t *testing.T) {
	require.GreaterOrEqual(t, NumCPU(), 1)
}
