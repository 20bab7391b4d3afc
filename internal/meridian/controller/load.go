package controller

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
)

const procLoadAvg = "/proc/loadavg"

// NewProcLoadMonitor reads system load from /proc/loadavg, normalized by
// the CPU count into a percentage.
func NewProcLoadMonitor() *ProcLoadMonitor {
	return &ProcLoadMonitor{path: procLoadAvg, cpus: runtime.NumCPU()}
}

// ProcLoadMonitor is the default LoadMonitor on Linux hosts.
type ProcLoadMonitor struct {
	path string
	cpus int
}

// Load returns the one minute load average as a percentage of full CPU
// saturation, clamped to [0, 100].
func (p *ProcLoadMonitor) Load(context.Context) (float64, error) {
	raw, err := os.ReadFile(p.path)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", p.path, err)
	}

	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return 0, fmt.Errorf("malformed %s content %q", p.path, string(raw))
	}

	load1, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("parse load average %q: %w", fields[0], err)
	}

	cpus := p.cpus
	if cpus < 1 {
		cpus = 1
	}

	return clampFloat(load1/float64(cpus)*100, 0, 100), nil
}
