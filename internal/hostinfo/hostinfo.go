// Package hostinfo samples the local machine for status reports.
package hostinfo

import (
	"context"
	"fmt"
	"math"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// StateRunning is the only state a live agent reports.
const StateRunning = "Running"

// Status is the JSON object an agent publishes in StatusUpdateRequest.
type Status struct {
	CPU           float64 `json:"cpu"`
	MemoryMB      uint64  `json:"memory"`
	MemoryPercent float64 `json:"memoryPercent"`
	Status        string  `json:"status"`
	UptimeSeconds uint64  `json:"uptimeSeconds"`
	Platform      string  `json:"platform"`
}

// Collect samples CPU, memory and uptime. Sampling errors leave the
// corresponding field zero; the first error is returned alongside the
// partial status.
func Collect(ctx context.Context) (Status, error) {
	st := Status{Status: StateRunning, Platform: runtime.GOOS + "/" + runtime.GOARCH}
	var firstErr error
	keep := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err != nil {
		keep(fmt.Errorf("cpu: %w", err))
	} else if len(pct) > 0 {
		st.CPU = round2(pct[0])
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err != nil {
		keep(fmt.Errorf("memory: %w", err))
	} else {
		st.MemoryMB = vm.Used / 1024 / 1024
		st.MemoryPercent = round2(vm.UsedPercent)
	}
	if up, err := host.UptimeWithContext(ctx); err != nil {
		keep(fmt.Errorf("uptime: %w", err))
	} else {
		st.UptimeSeconds = up
	}
	return st, firstErr
}

// Diagnostics answers the get_diagnostics command.
type Diagnostics struct {
	DiskSpace string `json:"diskSpace"`
	Uptime    string `json:"uptime"`
	Hostname  string `json:"hostname,omitempty"`
}

// CollectDiagnostics reports disk usage of the volume holding path and the
// host uptime in human form.
func CollectDiagnostics(ctx context.Context, path string) (Diagnostics, error) {
	var d Diagnostics
	d.Hostname, _ = os.Hostname()
	usage, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return d, fmt.Errorf("disk usage %s: %w", path, err)
	}
	d.DiskSpace = fmt.Sprintf("%.0f%%", usage.UsedPercent)
	up, err := host.UptimeWithContext(ctx)
	if err != nil {
		return d, fmt.Errorf("uptime: %w", err)
	}
	d.Uptime = FormatUptime(up)
	return d, nil
}

// FormatUptime renders seconds as "12 days", "1 day", "5h 3m" or "42s".
func FormatUptime(seconds uint64) string {
	const day = 24 * 3600
	switch {
	case seconds >= 2*day:
		return fmt.Sprintf("%d days", seconds/day)
	case seconds >= day:
		return "1 day"
	case seconds >= 3600:
		return fmt.Sprintf("%dh %dm", seconds/3600, seconds%3600/60)
	case seconds >= 60:
		return fmt.Sprintf("%dm", seconds/60)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
