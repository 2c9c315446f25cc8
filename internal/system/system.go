package system

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"
)

// MemoryInfo is a snapshot of host memory, in bytes.
type MemoryInfo struct {
	Total       uint64
	Available   uint64
	UsedPercent float64
}

func (m MemoryInfo) String() string {
	return fmt.Sprintf("%s available of %s (%.1f%% used)",
		FormatBytes(int64(m.Available)), FormatBytes(int64(m.Total)), m.UsedPercent)
}

func HostMemory() (MemoryInfo, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return MemoryInfo{}, fmt.Errorf("read host memory: %w", err)
	}
	return MemoryInfo{
		Total:       vm.Total,
		Available:   vm.Available,
		UsedPercent: vm.UsedPercent,
	}, nil
}

// AvailableMemory reports how much the host can still hand out without swapping.
func AvailableMemory() (uint64, error) {
	info, err := HostMemory()
	if err != nil {
		return 0, err
	}
	return info.Available, nil
}

// FormatBytes formats a byte count in human-readable form.
func FormatBytes(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}

	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}
