package worker

import (
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/sirupsen/logrus"
)

// HostStats is a snapshot of the worker host, attached to the result
// payload so overloaded workers can be told apart from slow targets.
type HostStats struct {
	CPUCount       int     `json:"cpu_count"`
	Load1          float64 `json:"load1"`
	MemTotalBytes  uint64  `json:"mem_total_bytes"`
	MemUsedPercent float64 `json:"mem_used_percent"`
}

// collectHostStats gathers the snapshot best-effort. Individual probe
// failures are logged and leave the field zero.
func collectHostStats(log logrus.FieldLogger) *HostStats {
	stats := &HostStats{}

	if count, err := cpu.Counts(true); err == nil {
		stats.CPUCount = count
	} else {
		log.WithError(err).Debug("Failed to read CPU count")
	}

	if avg, err := load.Avg(); err == nil {
		stats.Load1 = avg.Load1
	} else {
		log.WithError(err).Debug("Failed to read load average")
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		stats.MemTotalBytes = vm.Total
		stats.MemUsedPercent = vm.UsedPercent
	} else {
		log.WithError(err).Debug("Failed to read memory stats")
	}

	return stats
}
