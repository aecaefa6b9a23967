package osutil

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
)

// NumCPU returns the number of logical CPUs.
// If gopsutil can't tell (eg inside some containers), fall back to the Go runtime's count.
func NumCPU() int {
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		return runtime.NumCPU()
	}
	return n
}
