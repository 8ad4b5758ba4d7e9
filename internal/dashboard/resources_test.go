package dashboard

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"cryptoguard/logger"
)

func stubCollectors(t *testing.T, cpuErr error) *atomic.Int32 {
	t.Helper()
	originalCPU := cpuPercentFn
	originalMem := memoryStatsFn
	originalDisk := diskUsageFn
	t.Cleanup(func() {
		cpuPercentFn = originalCPU
		memoryStatsFn = originalMem
		diskUsageFn = originalDisk
	})

	calls := &atomic.Int32{}
	cpuPercentFn = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		calls.Add(1)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
		if cpuErr != nil {
			return nil, cpuErr
		}
		return []float64{42.5}, nil
	}
	memoryStatsFn = func(ctx context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{Used: 1024, Total: 2048, UsedPercent: 50}, nil
	}
	diskUsageFn = func(ctx context.Context, path string) (*disk.UsageStat, error) {
		return &disk.UsageStat{Used: 4096, Total: 8192, UsedPercent: 50}, nil
	}
	return calls
}

func TestResourceSamplerCollectsSamples(t *testing.T) {
	calls := stubCollectors(t, nil)
	sampler := newResourceSampler(3, 5*time.Millisecond, "/", logger.Logger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sampler.start(ctx)

	deadline := time.Now().Add(time.Second)
	for len(sampler.snapshot()) < 3 {
		if time.Now().After(deadline) {
			t.Fatal("resource sampler did not collect samples in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
	sampler.stop()

	snapshots := sampler.snapshot()
	if len(snapshots) != 3 {
		t.Fatalf("expected the ring to hold 3 samples, got %d", len(snapshots))
	}
	latest := snapshots[len(snapshots)-1]
	if latest.CPUPercent != 42.5 || latest.MemoryPct != 50 || latest.DiskPct != 50 {
		t.Fatalf("unexpected snapshot data: %#v", latest)
	}
	if calls.Load() < 3 {
		t.Fatalf("expected at least 3 cpu samples, got %d", calls.Load())
	}
}

func TestResourceSamplerSkipsFailedSamples(t *testing.T) {
	calls := stubCollectors(t, errors.New("no cpu"))
	sampler := newResourceSampler(3, 2*time.Millisecond, "/", logger.Logger())

	ctx, cancel := context.WithCancel(context.Background())
	sampler.start(ctx)

	deadline := time.Now().Add(time.Second)
	for calls.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("sampler stopped retrying after an error")
		}
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	sampler.stop()

	if n := len(sampler.snapshot()); n != 0 {
		t.Fatalf("failed samples should not be stored, got %d", n)
	}
}
