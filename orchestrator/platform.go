package orchestrator

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

const (
	// workersPerCPU assumes checks mostly wait on the network.
	workersPerCPU = 16
	// memoryPerWorkerMB is the budget for one in-flight iteration.
	memoryPerWorkerMB = 32
	// memoryBufferMB is kept free for the rest of the host.
	memoryBufferMB = 512
	// maxPlatformWorkers caps the derived limit on very large hosts.
	maxPlatformWorkers = 1024
)

// PlatformLimit is the most workers this host should run at once.
// A positive configured value wins; otherwise the limit is derived from
// logical CPUs and available memory. The result is at least 1.
func PlatformLimit(configured int) int {
	if configured > 0 {
		return configured
	}

	cpus, err := cpu.Counts(true)
	if err != nil || cpus <= 0 {
		cpus = runtime.NumCPU()
	}
	availableMB := -1.0
	if v, err := mem.VirtualMemory(); err == nil {
		availableMB = float64(v.Available) / 1024 / 1024
	}
	return safeWorkerCount(cpus, availableMB)
}

// safeWorkerCount combines the CPU and memory bounds. A negative
// availableMB means memory is unknown and only the CPU bound applies.
func safeWorkerCount(cpus int, availableMB float64) int {
	limit := max(cpus, 1) * workersPerCPU

	if availableMB >= 0 {
		byMemory := 1
		if availableMB > memoryBufferMB {
			byMemory = int((availableMB - memoryBufferMB) / memoryPerWorkerMB)
		}
		limit = min(limit, byMemory)
	}

	return max(min(limit, maxPlatformWorkers), 1)
}
