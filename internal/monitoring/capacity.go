package monitoring

import (
	"os"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/mem"
)

const (
	// Memory reserved for the runtime, libraries, and heap overhead
	// before any connection is admitted.
	runtimeOverheadBytes = 128 * 1024 * 1024

	// Fixed per-session cost: three goroutine stacks, the buffered
	// transport writer, and struct overhead.
	sessionOverheadBytes = 32 * 1024

	// Assumed average frame size occupying an outbound queue slot.
	avgFrameBytes = 512

	minAutoConnections = 64
	maxAutoConnections = 50000
)

// MemoryLimit returns the memory ceiling for this process in bytes:
// the cgroup limit when one is set, otherwise total system memory.
// Returns 0 when nothing can be determined.
func MemoryLimit() int64 {
	// cgroup v2
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		limitStr := strings.TrimSpace(string(data))
		if limitStr != "max" {
			if limit, err := strconv.ParseInt(limitStr, 10, 64); err == nil {
				return limit
			}
		}
	}
	// cgroup v1
	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		if limit, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64); err == nil {
			return limit
		}
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		return int64(vm.Total)
	}
	return 0
}

// EstimateMaxConnections derives a safe connection cap from the memory
// ceiling and the configured per-session send buffer. Used when the
// operator leaves the connection limit unset.
func EstimateMaxConnections(sendBuffer int) int {
	return estimateFromLimit(MemoryLimit(), sendBuffer)
}

func estimateFromLimit(limitBytes int64, sendBuffer int) int {
	if limitBytes <= 0 {
		return maxAutoConnections
	}

	perConnection := int64(sendBuffer)*avgFrameBytes + sessionOverheadBytes

	available := limitBytes - runtimeOverheadBytes
	if available < 0 {
		// Very small containers still get half their memory for
		// connections.
		available = limitBytes / 2
	}

	conns := int(available / perConnection)
	if conns < minAutoConnections {
		return minAutoConnections
	}
	if conns > maxAutoConnections {
		return maxAutoConnections
	}
	return conns
}
