package pool

import (
	"fmt"
	"runtime"
)

// Stats is a snapshot of pool activity and host memory
type Stats struct {
	UnitsActive   int     `json:"units_active"`
	UnitsTotal    int     `json:"units_total"`
	Handled       int64   `json:"handled"`
	Panics        int64   `json:"panics"`
	Skipped       int64   `json:"skipped"`
	MemoryUsedGB  float64 `json:"memory_used_gb"`
	MemoryTotalGB float64 `json:"memory_total_gb"`
	MemoryPercent float64 `json:"memory_percent"`
}

// Stats returns current pool counters
func (p *Pool) Stats() Stats {
	total, available, err := getMemoryStats()

	var usedGB, totalGB, percent float64
	if err == nil && total > 0 {
		totalGB = float64(total) / 1024 / 1024 / 1024
		usedGB = float64(total-available) / 1024 / 1024 / 1024
		percent = usedGB / totalGB * 100
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		UnitsActive:   p.active,
		UnitsTotal:    p.units,
		Handled:       p.handled,
		Panics:        p.panics,
		Skipped:       p.skipped,
		MemoryUsedGB:  usedGB,
		MemoryTotalGB: totalGB,
		MemoryPercent: percent,
	}
}

// recommendedUnits caps units at the CPU count and at what the available
// memory can hold, counting memoryPerUnitMB for each unit's connection cache.
func recommendedUnits(availableMB float64, cpus int) int {
	const memoryPerUnitMB = 64.0
	const memoryBufferMB = 256.0

	byMemory := int((availableMB - memoryBufferMB) / memoryPerUnitMB)
	recommended := min(byMemory, cpus)
	if recommended < 1 {
		return 1
	}
	return recommended
}

// checkMemoryPressure returns a warning when the unit count looks too high
// for this host, or "" when it is fine or cannot be checked.
func (p *Pool) checkMemoryPressure() string {
	total, available, err := getMemoryStats()
	if err != nil || total == 0 {
		return ""
	}

	availableMB := float64(available) / 1024 / 1024
	recommended := recommendedUnits(availableMB, runtime.NumCPU())
	if p.units > recommended {
		return fmt.Sprintf(
			"Unit count (%d) exceeds recommended (%d) for %d CPUs and %.0fMB available memory.",
			p.units, recommended, runtime.NumCPU(), availableMB)
	}
	return ""
}
