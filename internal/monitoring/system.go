package monitoring

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/williamchildres/terminal-messenger/internal/metrics"
)

// SystemStats is one sample of process resource usage.
type SystemStats struct {
	CPUPercent  float64   `json:"cpu_percent"`
	MemoryBytes uint64    `json:"memory_bytes"`
	Goroutines  int       `json:"goroutines"`
	SampledAt   time.Time `json:"sampled_at"`
}

// Sampler periodically measures process CPU, memory, and goroutine count,
// updating the Prometheus gauges and keeping the latest sample for the
// health endpoint.
type Sampler struct {
	proc     *process.Process
	logger   zerolog.Logger
	interval time.Duration

	mu    sync.RWMutex
	stats SystemStats

	wg sync.WaitGroup
}

// NewSampler builds a sampler for the current process.
func NewSampler(interval time.Duration, logger zerolog.Logger) *Sampler {
	s := &Sampler{
		interval: interval,
		logger:   logger.With().Str("component", "sampler").Logger(),
	}
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		// Host-level fallbacks are used below when proc is nil.
		s.logger.Warn().Err(err).Msg("process handle unavailable")
	} else {
		s.proc = proc
	}
	return s
}

// Start launches the sampling loop. It takes an immediate first sample and
// then one per interval until the context is cancelled.
func (s *Sampler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.sample()
		for {
			select {
			case <-ticker.C:
				s.sample()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Wait blocks until the sampling loop has exited.
func (s *Sampler) Wait() {
	s.wg.Wait()
}

// Stats returns the most recent sample.
func (s *Sampler) Stats() SystemStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

func (s *Sampler) sample() {
	var cpuPercent float64
	var memBytes uint64

	if s.proc != nil {
		if pct, err := s.proc.Percent(0); err == nil {
			cpuPercent = pct
		}
		if info, err := s.proc.MemoryInfo(); err == nil {
			memBytes = info.RSS
		}
	}
	if memBytes == 0 {
		if vm, err := mem.VirtualMemory(); err == nil {
			memBytes = vm.Used
		}
	}

	stats := SystemStats{
		CPUPercent:  cpuPercent,
		MemoryBytes: memBytes,
		Goroutines:  runtime.NumGoroutine(),
		SampledAt:   time.Now(),
	}

	s.mu.Lock()
	s.stats = stats
	s.mu.Unlock()

	metrics.CPUPercent.Set(stats.CPUPercent)
	metrics.MemoryBytes.Set(float64(stats.MemoryBytes))
	metrics.Goroutines.Set(float64(stats.Goroutines))

	s.logger.Debug().
		Float64("cpu_percent", stats.CPUPercent).
		Uint64("memory_bytes", stats.MemoryBytes).
		Int("goroutines", stats.Goroutines).
		Msg("system sample")
}
