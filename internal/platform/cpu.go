// Package platform samples host CPU usage for the client acceptor's
// admission control, the way the teacher's internal/single/platform
// CPUMonitor backs its ResourceGuard — simplified to host-only
// sampling (gopsutil) since this engine has no container-quota
// concept to defend in its own spec.
package platform

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/rs/zerolog"
)

// CPUMonitor periodically samples host CPU utilization and exposes the
// last reading without blocking callers on the next syscall round trip.
type CPUMonitor struct {
	logger   zerolog.Logger
	interval time.Duration
	percent  atomic.Value // float64
}

// NewCPUMonitor creates a monitor that samples every interval once
// Start is called. A zero or negative interval defaults to 1s.
func NewCPUMonitor(interval time.Duration, logger zerolog.Logger) *CPUMonitor {
	if interval <= 0 {
		interval = time.Second
	}
	m := &CPUMonitor{logger: logger, interval: interval}
	m.percent.Store(float64(0))
	return m
}

// Start runs the sampling loop until ctx is cancelled. Safe to run in
// its own goroutine; callers read the latest value via Percent.
func (m *CPUMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			samples, err := cpu.PercentWithContext(ctx, 0, false)
			if err != nil || len(samples) == 0 {
				m.logger.Debug().Err(err).Msg("cpu sample failed")
				continue
			}
			m.percent.Store(samples[0])
		}
	}
}

// Percent returns the most recent CPU utilization sample, 0-100.
func (m *CPUMonitor) Percent() float64 {
	return m.percent.Load().(float64)
}
