// Package monitor reports host resources relevant to downloads:
// free disk space of target directories plus CPU, memory and load.
package monitor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/shepherd-project/shepherd-fetch/internal/logger"
)

// DiskInfo describes the filesystem holding a directory
type DiskInfo struct {
	Path        string  `json:"path"`
	Fstype      string  `json:"fstype,omitempty"`
	Total       uint64  `json:"total"`
	Free        uint64  `json:"free"`
	Used        uint64  `json:"used"`
	UsedPercent float64 `json:"usedPercent"`
}

// SystemInfo is a point-in-time view of the host
type SystemInfo struct {
	Hostname        string    `json:"hostname"`
	OS              string    `json:"os"`
	Platform        string    `json:"platform,omitempty"`
	KernelVersion   string    `json:"kernelVersion,omitempty"`
	Uptime          uint64    `json:"uptime"`
	CPUCores        int       `json:"cpuCores"`
	CPUPercent      float64   `json:"cpuPercent"`
	MemoryTotal     uint64    `json:"memoryTotal"`
	MemoryAvailable uint64    `json:"memoryAvailable"`
	LoadAverage     []float64 `json:"loadAverage"`
	Disk            *DiskInfo `json:"disk,omitempty"`
	CollectedAt     time.Time `json:"collectedAt"`
}

// DiskUsage returns usage of the filesystem holding dir. When dir does
// not exist yet the nearest existing parent is used.
func DiskUsage(dir string) (*DiskInfo, error) {
	path, err := existingParent(dir)
	if err != nil {
		return nil, err
	}

	usage, err := disk.Usage(path)
	if err != nil {
		return nil, err
	}

	return &DiskInfo{
		Path:        path,
		Fstype:      usage.Fstype,
		Total:       usage.Total,
		Free:        usage.Free,
		Used:        usage.Used,
		UsedPercent: usage.UsedPercent,
	}, nil
}

// FreeBytes returns the bytes available in the filesystem holding dir
func FreeBytes(dir string) (uint64, error) {
	info, err := DiskUsage(dir)
	if err != nil {
		return 0, err
	}
	return info.Free, nil
}

// Collect samples host resources. Individual probes that fail are left
// zero and logged; only a missing download directory is reported.
func Collect(ctx context.Context, downloadDir string) (*SystemInfo, error) {
	info := &SystemInfo{
		OS:          runtime.GOOS,
		CPUCores:    runtime.NumCPU(),
		LoadAverage: []float64{0, 0, 0},
		CollectedAt: time.Now(),
	}

	if hostStat, err := host.InfoWithContext(ctx); err == nil {
		info.Hostname = hostStat.Hostname
		info.Platform = hostStat.Platform
		info.KernelVersion = hostStat.KernelVersion
		info.Uptime = hostStat.Uptime
	} else {
		logger.Debugf("Failed to read host info: %v", err)
		info.Hostname, _ = os.Hostname()
	}

	if cpuPercent, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(cpuPercent) > 0 {
		info.CPUPercent = cpuPercent[0]
	} else if err != nil {
		logger.Debugf("Failed to read CPU usage: %v", err)
	}

	if vmStat, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.MemoryTotal = vmStat.Total
		info.MemoryAvailable = vmStat.Available
	} else {
		logger.Debugf("Failed to read memory usage: %v", err)
	}

	if loadStat, err := load.AvgWithContext(ctx); err == nil {
		info.LoadAverage = []float64{loadStat.Load1, loadStat.Load5, loadStat.Load15}
	}

	if downloadDir != "" {
		diskInfo, err := DiskUsage(downloadDir)
		if err != nil {
			return info, err
		}
		info.Disk = diskInfo
	}

	return info, nil
}

func existingParent(dir string) (string, error) {
	path, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	for {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(path)
		if parent == path {
			return "", os.ErrNotExist
		}
		path = parent
	}
}
