package monitoring

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"
)

// ResourceSampler logs process CPU, RSS and goroutine counts on a fixed
// interval. One goroutine for the whole process; measurements are for
// operators, not for admission control.
type ResourceSampler struct {
	interval time.Duration
	logger   zerolog.Logger
	proc     *process.Process
}

// NewResourceSampler builds a sampler for the current process. A nil proc
// (unsupported platform) degrades to goroutine-count-only logging.
func NewResourceSampler(interval time.Duration, logger zerolog.Logger) *ResourceSampler {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		logger.Warn().Err(err).Msg("Process handle unavailable, sampling goroutines only")
		proc = nil
	}
	return &ResourceSampler{
		interval: interval,
		logger:   logger.With().Str("component", "resources").Logger(),
		proc:     proc,
	}
}

// Run samples until ctx is done. Intended as `go sampler.Run(ctx)`.
func (r *ResourceSampler) Run(ctx context.Context) {
	defer RecoverPanic(r.logger, "resourceSampler", nil)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sample()
		}
	}
}

func (r *ResourceSampler) sample() {
	event := r.logger.Info().Int("goroutines", runtime.NumGoroutine())

	if r.proc != nil {
		if cpu, err := r.proc.CPUPercent(); err == nil {
			event = event.Float64("cpu_pct", cpu)
		}
		if mem, err := r.proc.MemoryInfo(); err == nil {
			event = event.Float64("rss_mb", float64(mem.RSS)/(1024*1024))
		}
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	event.
		Float64("heap_alloc_mb", float64(ms.HeapAlloc)/(1024*1024)).
		Uint32("num_gc", ms.NumGC).
		Msg("Resource sample")
}
