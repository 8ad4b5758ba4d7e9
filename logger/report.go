package logger

import (
	"context"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// componentFamilies groups component names for the periodic report. A
// component belongs to the first family whose key it contains.
var componentFamilies = []string{"poller", "stream", "latency", "safety", "rate_limit", "store"}

type familyStat struct {
	warns  int64
	errors int64
}

var (
	families   sync.Map // map[string]*familyStat
	tickEvents int64
)

func familyOf(component string) string {
	for _, f := range componentFamilies {
		if strings.Contains(component, f) {
			return f
		}
	}
	return "other"
}

func statFor(component string) *familyStat {
	v, _ := families.LoadOrStore(familyOf(component), &familyStat{})
	return v.(*familyStat)
}

func recordWarn(component string) {
	atomic.AddInt64(&statFor(component).warns, 1)
}

func recordError(component string) {
	atomic.AddInt64(&statFor(component).errors, 1)
}

// IncrementTick counts a stream tick delivered to a subscriber.
func IncrementTick() {
	atomic.AddInt64(&tickEvents, 1)
}

// Counters returns the warn/error counts per component family.
func Counters() map[string][2]int64 {
	out := make(map[string][2]int64)
	families.Range(func(k, v any) bool {
		fs := v.(*familyStat)
		out[k.(string)] = [2]int64{atomic.LoadInt64(&fs.warns), atomic.LoadInt64(&fs.errors)}
		return true
	})
	return out
}

// StartReport begins periodic logging of runtime and per-family counters.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}
	var memUsed uint64
	if memStats, err := mem.VirtualMemory(); err == nil {
		memUsed = memStats.Used
	}

	counters := Counters()
	names := make([]string, 0, len(counters))
	for name := range counters {
		names = append(names, name)
	}
	sort.Strings(names)

	fields := Fields{
		"goroutines":  runtime.NumGoroutine(),
		"cpu_percent": cpuPct,
		"memory_mb":   int64(memUsed) / 1024 / 1024,
		"ticks":       atomic.LoadInt64(&tickEvents),
	}
	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memUsed) / 1024 / 1024)},
		{MetricName: aws.String("StreamTicks"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&tickEvents)))},
	}

	for _, name := range names {
		c := counters[name]
		fields["warns_"+name] = c[0]
		fields["errors_"+name] = c[1]
		dims := []cwtypes.Dimension{{Name: aws.String("Family"), Value: aws.String(name)}}
		data = append(data,
			cwtypes.MetricDatum{MetricName: aws.String("Warnings"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(c[0]))},
			cwtypes.MetricDatum{MetricName: aws.String("Errors"), Unit: cwtypes.StandardUnitCount, Dimensions: dims, Value: aws.Float64(float64(c[1]))},
		)
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")
	publishMetrics(ctx, data)
}
