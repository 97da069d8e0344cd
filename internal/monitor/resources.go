package monitor

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/reanahub/reana-job-controller/internal/metrics"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// ResourceMetrics holds current controller resource usage
type ResourceMetrics struct {
	Timestamp time.Time `json:"timestamp"`

	CPUPercent float64 `json:"cpu_percent"`
	CPUCores   int     `json:"cpu_cores"`
	GoRoutines int     `json:"go_routines"`

	MemoryUsedMB  uint64  `json:"memory_used_mb"`
	MemoryTotalMB uint64  `json:"memory_total_mb"`
	MemoryPercent float64 `json:"memory_percent"`
	HeapAllocMB   uint64  `json:"heap_alloc_mb"`
}

// ResourceMonitor samples host and runtime resource usage on an interval
// and feeds the controller gauges. The health endpoint reads the latest
// sample.
type ResourceMonitor struct {
	interval time.Duration

	mu      sync.RWMutex
	metrics ResourceMetrics

	cpuThreshold    float64
	memoryThreshold float64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewResourceMonitor creates a resource monitor sampling every interval
func NewResourceMonitor(interval time.Duration) *ResourceMonitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &ResourceMonitor{
		interval:        interval,
		cpuThreshold:    80.0,
		memoryThreshold: 90.0,
		stopCh:          make(chan struct{}),
	}
}

// Start begins sampling
func (rm *ResourceMonitor) Start(ctx context.Context) {
	rm.wg.Add(1)
	go rm.loop(ctx)
}

// Stop stops the resource monitor
func (rm *ResourceMonitor) Stop() {
	close(rm.stopCh)
	rm.wg.Wait()
}

func (rm *ResourceMonitor) loop(ctx context.Context) {
	defer rm.wg.Done()

	ticker := time.NewTicker(rm.interval)
	defer ticker.Stop()

	rm.collect()

	for {
		select {
		case <-ctx.Done():
			return
		case <-rm.stopCh:
			return
		case <-ticker.C:
			rm.collect()
			rm.checkThresholds()
		}
	}
}

func (rm *ResourceMonitor) collect() {
	sample := ResourceMetrics{
		Timestamp:  time.Now(),
		CPUCores:   runtime.NumCPU(),
		GoRoutines: runtime.NumGoroutine(),
	}

	if cpuPercent, err := cpu.Percent(time.Second, false); err == nil && len(cpuPercent) > 0 {
		sample.CPUPercent = cpuPercent[0]
	}

	var memoryUsedBytes float64
	if vmStat, err := mem.VirtualMemory(); err == nil {
		sample.MemoryUsedMB = vmStat.Used / 1024 / 1024
		sample.MemoryTotalMB = vmStat.Total / 1024 / 1024
		sample.MemoryPercent = vmStat.UsedPercent
		memoryUsedBytes = float64(vmStat.Used)
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	sample.HeapAllocMB = memStats.HeapAlloc / 1024 / 1024

	rm.mu.Lock()
	rm.metrics = sample
	rm.mu.Unlock()

	metrics.UpdateControllerResourceUsage(sample.CPUPercent, memoryUsedBytes)
}

func (rm *ResourceMonitor) checkThresholds() {
	sample := rm.GetMetrics()

	if sample.CPUPercent > rm.cpuThreshold {
		logging.Log.WithField("cpu_percent", sample.CPUPercent).
			WithField("threshold", rm.cpuThreshold).
			Warn("CPU usage exceeds threshold")
	}
	if sample.MemoryPercent > rm.memoryThreshold {
		logging.Log.WithField("memory_percent", sample.MemoryPercent).
			WithField("threshold", rm.memoryThreshold).
			Warn("Memory usage exceeds threshold")
	}
}

// GetMetrics returns the latest sample
func (rm *ResourceMonitor) GetMetrics() ResourceMetrics {
	rm.mu.RLock()
	defer rm.mu.RUnlock()
	return rm.metrics
}

// IsHealthy reports whether the controller is within healthy limits
func (rm *ResourceMonitor) IsHealthy() bool {
	sample := rm.GetMetrics()
	if sample.CPUPercent > rm.cpuThreshold {
		return false
	}
	if sample.MemoryPercent > rm.memoryThreshold {
		return false
	}
	return true
}
