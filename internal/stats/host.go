package stats

import (
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/Tyrowin/nexushub/internal/jsonfile"
	"github.com/Tyrowin/nexushub/internal/metrics"
)

const gib = 1 << 30

// Usage is a used/total pair in gigabytes.
type Usage struct {
	Percent float64 `json:"percent"`
	UsedGB  float64 `json:"used_gb"`
	TotalGB float64 `json:"total_gb"`
}

type CPUStats struct {
	Percent float64 `json:"percent"`
	Count   int     `json:"count"`
}

type NetworkStats struct {
	Connections      int     `json:"connections"`
	ActiveInterfaces int     `json:"active_interfaces"`
	RxBytesPerSec    float64 `json:"rx_bytes_per_sec"`
	TxBytesPerSec    float64 `json:"tx_bytes_per_sec"`
}

// HostSnapshot describes the machine the server runs on.
type HostSnapshot struct {
	RAM       Usage        `json:"ram"`
	CPU       CPUStats     `json:"cpu"`
	Disk      Usage        `json:"disk"`
	Network   NetworkStats `json:"network"`
	Timestamp string       `json:"timestamp"`
}

// HostSampler samples host resources with gopsutil. CPU load and network
// throughput are measured across Window, during which Sample blocks.
type HostSampler struct {
	Window   time.Duration
	DiskPath string
}

// NewHostSampler returns a sampler with a 100ms window on the root filesystem.
func NewHostSampler() *HostSampler {
	return &HostSampler{Window: 100 * time.Millisecond, DiskPath: "/"}
}

// Sample implements Sampler. Memory, CPU and disk failures fail the sample;
// network counters that cannot be read are reported as zero.
func (h *HostSampler) Sample(ctx context.Context) (any, error) {
	start := time.Now()
	defer func() { metrics.HostSampleDuration.Observe(time.Since(start).Seconds()) }()

	before, beforeErr := psnet.IOCountersWithContext(ctx, false)
	percents, err := cpu.PercentWithContext(ctx, h.Window, false)
	if err != nil {
		return nil, fmt.Errorf("cpu percent: %w", err)
	}
	elapsed := time.Since(start).Seconds()
	after, afterErr := psnet.IOCountersWithContext(ctx, false)

	snap := HostSnapshot{Timestamp: jsonfile.FormatTime(time.Now())}
	if len(percents) > 0 {
		snap.CPU.Percent = round(percents[0], 1)
	}
	if snap.CPU.Count, err = cpu.CountsWithContext(ctx, true); err != nil {
		return nil, fmt.Errorf("cpu count: %w", err)
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("virtual memory: %w", err)
	}
	snap.RAM = usage(vm.UsedPercent, vm.Used, vm.Total)

	du, err := disk.UsageWithContext(ctx, h.DiskPath)
	if err != nil {
		return nil, fmt.Errorf("disk usage %s: %w", h.DiskPath, err)
	}
	snap.Disk = usage(du.UsedPercent, du.Used, du.Total)

	if beforeErr == nil && afterErr == nil && len(before) > 0 && len(after) > 0 && elapsed > 0 {
		snap.Network.RxBytesPerSec = perSecond(before[0].BytesRecv, after[0].BytesRecv, elapsed)
		snap.Network.TxBytesPerSec = perSecond(before[0].BytesSent, after[0].BytesSent, elapsed)
	}
	if conns, err := psnet.ConnectionsWithContext(ctx, "all"); err == nil {
		snap.Network.Connections = len(conns)
	}
	if ifaces, err := psnet.InterfacesWithContext(ctx); err == nil {
		for _, iface := range ifaces {
			if slices.Contains(iface.Flags, "up") {
				snap.Network.ActiveInterfaces++
			}
		}
	}
	return snap, nil
}

func usage(percent float64, used, total uint64) Usage {
	return Usage{
		Percent: round(percent, 1),
		UsedGB:  round(float64(used)/gib, 2),
		TotalGB: round(float64(total)/gib, 2),
	}
}

// perSecond is zero when a counter went backwards.
func perSecond(before, after uint64, seconds float64) float64 {
	if after < before {
		return 0
	}
	return round(float64(after-before)/seconds, 1)
}

func round(v float64, places int) float64 {
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
