package scheduler

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"
)

// MemoryStats reports process host memory for monitoring surfaces.
type MemoryStats struct {
	UsedGB  float64 `json:"used_gb"`
	TotalGB float64 `json:"total_gb"`
	Percent float64 `json:"percent"`
}

func readMemoryStats() (*MemoryStats, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return nil, err
	}
	const gb = 1024 * 1024 * 1024
	return &MemoryStats{
		UsedGB:  float64(vm.Used) / gb,
		TotalGB: float64(vm.Total) / gb,
		Percent: vm.UsedPercent,
	}, nil
}

// memoryPerWorkerGB is a coarse planning figure for one concurrent
// handler; hosts running heavier handlers should size MaxConcurrent
// themselves.
const (
	memoryPerWorkerGB = 0.5
	memoryBufferGB    = 2.0
)

// recommendedConcurrency suggests a global cap for the available memory.
func recommendedConcurrency(availableGB float64) int {
	if availableGB < memoryBufferGB {
		return 1
	}
	recommended := int((availableGB - memoryBufferGB) / memoryPerWorkerGB)
	if recommended < 1 {
		return 1
	}
	if recommended > 64 {
		return 64
	}
	return recommended
}

// checkMemoryPressure validates the configured concurrency cap against
// available memory. Returns a warning message, or "" when fine.
func (s *Scheduler) checkMemoryPressure() string {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return "" // can't check, assume OK
	}

	const gb = 1024 * 1024 * 1024
	availableGB := float64(vm.Available) / gb
	recommended := recommendedConcurrency(availableGB)

	if s.cfg.MaxConcurrent > recommended {
		return fmt.Sprintf(
			"max_concurrent (%d) exceeds recommended (%d) for available memory (%.1fGB free of %.1fGB)",
			s.cfg.MaxConcurrent, recommended, availableGB, float64(vm.Total)/gb)
	}
	return ""
}
