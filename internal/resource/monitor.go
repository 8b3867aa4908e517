package resource

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Usage is one host sample.
type Usage struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	SampledAt     time.Time `json:"sampled_at"`
}

// Sampler reads current host usage.
type Sampler func(ctx context.Context) (Usage, error)

// Monitor samples host load in the background and serves the latest reading.
type Monitor struct {
	sampler  Sampler
	interval time.Duration
	logger   *slog.Logger

	cpuBits atomic.Uint64
	memBits atomic.Uint64
	sampled atomic.Int64
}

func NewMonitor(interval time.Duration, logger *slog.Logger) *Monitor {
	return NewMonitorWithSampler(interval, HostSampler, logger)
}

func NewMonitorWithSampler(interval time.Duration, sampler Sampler, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = time.Second
	}
	return &Monitor{
		sampler:  sampler,
		interval: interval,
		logger:   logger.With("component", "resource_monitor"),
	}
}

// HostSampler measures CPU over a short window plus memory usage.
func HostSampler(ctx context.Context) (Usage, error) {
	percents, err := cpu.PercentWithContext(ctx, 100*time.Millisecond, false)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to sample cpu: %w", err)
	}
	if len(percents) == 0 {
		return Usage{}, fmt.Errorf("failed to sample cpu: no data")
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to sample memory: %w", err)
	}

	return Usage{
		CPUPercent:    percents[0],
		MemoryPercent: vm.UsedPercent,
		SampledAt:     time.Now(),
	}, nil
}

// Start samples until ctx is done.
func (m *Monitor) Start(ctx context.Context) {
	m.logger.Info("starting resource monitor", "interval", m.interval)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Sample(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("resource monitor stopped")
			return
		case <-ticker.C:
			m.Sample(ctx)
		}
	}
}

// Sample takes one reading now.
func (m *Monitor) Sample(ctx context.Context) {
	usage, err := m.sampler(ctx)
	if err != nil {
		if ctx.Err() == nil {
			m.logger.Warn("failed to sample host usage", "error", err)
		}
		return
	}

	m.cpuBits.Store(math.Float64bits(usage.CPUPercent))
	m.memBits.Store(math.Float64bits(usage.MemoryPercent))
	m.sampled.Store(usage.SampledAt.UnixNano())
}

// Pressure is the latest CPU percentage, 0 before the first sample.
func (m *Monitor) Pressure() float64 {
	return math.Float64frombits(m.cpuBits.Load())
}

// Usage returns the latest reading.
func (m *Monitor) Usage() Usage {
	u := Usage{
		CPUPercent:    math.Float64frombits(m.cpuBits.Load()),
		MemoryPercent: math.Float64frombits(m.memBits.Load()),
	}
	if ns := m.sampled.Load(); ns > 0 {
		u.SampledAt = time.Unix(0, ns)
	}
	return u
}
