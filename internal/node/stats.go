package node

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/basket/flotilla/internal/protocol"
)

// Sample collects the resource snapshot carried on every heartbeat.
// startedAt is process start; load average is best-effort and stays zero on
// platforms without /proc.
func Sample(startedAt time.Time) protocol.ResourceSnapshot {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return protocol.ResourceSnapshot{
		CPUCount:   runtime.NumCPU(),
		Goroutines: runtime.NumGoroutine(),
		MemAllocMB: float64(mem.Alloc) / (1 << 20),
		MemSysMB:   float64(mem.Sys) / (1 << 20),
		UptimeSec:  int64(time.Since(startedAt).Seconds()),
		Load1:      loadAvg1(),
	}
}

func loadAvg1() float64 {
	raw, err := os.ReadFile("/proc/loadavg")
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return 0
	}
	v, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0
	}
	return v
}
