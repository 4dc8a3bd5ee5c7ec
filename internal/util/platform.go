package util

import (
	"fmt"
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemInfo holds information about the host running the relay.
type SystemInfo struct {
	Hostname     string `json:"hostname"`
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	CPUModel     string `json:"cpu_model"`
	CPUCores     int    `json:"cpu_cores"`
	TotalMemory  uint64 `json:"total_memory_mb"`
	GoVersion    string `json:"go_version"`
}

// GetSystemInfo gathers static host information.
func GetSystemInfo() SystemInfo {
	info := SystemInfo{
		Architecture: runtime.GOARCH,
		CPUCores:     runtime.NumCPU(),
		GoVersion:    runtime.Version(),
	}

	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	}

	if hostInfo, err := host.Info(); err == nil {
		info.OS = fmt.Sprintf("%s %s", hostInfo.Platform, hostInfo.PlatformVersion)
	} else {
		info.OS = runtime.GOOS
	}

	if cpuInfo, err := cpu.Info(); err == nil && len(cpuInfo) > 0 {
		info.CPUModel = cpuInfo[0].ModelName
	}

	if memInfo, err := mem.VirtualMemory(); err == nil {
		info.TotalMemory = memInfo.Total / (1024 * 1024)
	}

	return info
}

// ProcessUsage is a point-in-time resource snapshot of the relay process.
type ProcessUsage struct {
	CPUPercent    float64 `json:"cpu_percent"`
	RSSMB         uint64  `json:"rss_mb"`
	NumGoroutines int     `json:"goroutines"`
	NumFDs        int32   `json:"open_fds,omitempty"`
	HostMemPct    float64 `json:"host_memory_percent"`
}

// GetProcessUsage samples the resource usage of the current process.
func GetProcessUsage() (*ProcessUsage, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to open own process: %w", err)
	}

	usage := &ProcessUsage{NumGoroutines: runtime.NumGoroutine()}

	if pct, err := p.CPUPercent(); err == nil {
		usage.CPUPercent = pct
	}
	if memInfo, err := p.MemoryInfo(); err == nil && memInfo != nil {
		usage.RSSMB = memInfo.RSS / (1024 * 1024)
	}
	if fds, err := p.NumFDs(); err == nil {
		usage.NumFDs = fds
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		usage.HostMemPct = vm.UsedPercent
	}

	return usage, nil
}
