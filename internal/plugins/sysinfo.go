package plugins

import (
	"context"
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/dshills/axon/internal/plugin"
)

// SystemInfoOutput is the output of the system_info plugin.
type SystemInfoOutput struct {
	Summary         string  `json:"summary"`
	OS              string  `json:"os"`
	Platform        string  `json:"platform"`
	PlatformVersion string  `json:"platform_version"`
	KernelVersion   string  `json:"kernel_version"`
	Arch            string  `json:"arch"`
	Hostname        string  `json:"hostname"`
	UptimeSeconds   uint64  `json:"uptime_seconds"`
	LogicalCPUs     int     `json:"logical_cpus"`
	MemoryTotal     uint64  `json:"memory_total"`
	MemoryUsedPct   float64 `json:"memory_used_percent"`
	Load1           float64 `json:"load1"`
}

// SystemInfo reports the host operating system, CPU and memory.
// It needs no permissions; it only reads host metadata.
type SystemInfo struct {
	plugin.Base
}

// NewSystemInfo creates the system_info plugin.
func NewSystemInfo(env plugin.Env) (plugin.Plugin, error) {
	return &SystemInfo{Base: plugin.NewBase(env)}, nil
}

// OutputShape implements plugin.OutputShaper.
func (p *SystemInfo) OutputShape() any { return &SystemInfoOutput{} }

// Execute collects host information. Input is ignored.
func (p *SystemInfo) Execute(ctx context.Context, _ any) (any, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("host info: %w", err)
	}

	out := SystemInfoOutput{
		OS:              info.OS,
		Platform:        info.Platform,
		PlatformVersion: info.PlatformVersion,
		KernelVersion:   info.KernelVersion,
		Arch:            info.KernelArch,
		Hostname:        info.Hostname,
		UptimeSeconds:   info.Uptime,
	}
	if out.Arch == "" {
		out.Arch = runtime.GOARCH
	}

	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		out.LogicalCPUs = n
	} else {
		out.LogicalCPUs = runtime.NumCPU()
	}

	// Memory and load are best-effort; some platforms do not report them.
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		out.MemoryTotal = vm.Total
		out.MemoryUsedPct = vm.UsedPercent
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		out.Load1 = avg.Load1
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out.Summary = fmt.Sprintf("The current OS is: %s %s", info.OS, info.KernelVersion)
	return out, nil
}
