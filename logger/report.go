package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/dustin/go-humanize"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

type stageStat struct {
	items  int64
	bytes  int64
	warns  int64
	errors int64
}

var (
	probesSent     int64
	probeHits      int64
	downloads      int64
	downloadBytes  int64
	conversions    int64
	convertedRows  int64
	stages         sync.Map // map[string]*stageStat
	reportDiskPath = "."
)

func stage(name string) *stageStat {
	v, _ := stages.LoadOrStore(name, &stageStat{})
	return v.(*stageStat)
}

func recordWarn(component string) {
	atomic.AddInt64(&stage(component).warns, 1)
}

func recordError(component string) {
	atomic.AddInt64(&stage(component).errors, 1)
}

// IncrementProbe counts one existence check against the remote repository.
func IncrementProbe(hit bool) {
	atomic.AddInt64(&probesSent, 1)
	if hit {
		atomic.AddInt64(&probeHits, 1)
	}
	atomic.AddInt64(&stage("prober").items, 1)
}

// IncrementDownload counts one archive written to disk.
func IncrementDownload(size int64) {
	atomic.AddInt64(&downloads, 1)
	atomic.AddInt64(&downloadBytes, size)
	st := stage("fetcher")
	atomic.AddInt64(&st.items, 1)
	atomic.AddInt64(&st.bytes, size)
}

// IncrementConversion counts one archive converted to parquet.
func IncrementConversion(rows int, size int64) {
	atomic.AddInt64(&conversions, 1)
	atomic.AddInt64(&convertedRows, int64(rows))
	st := stage("normalizer")
	atomic.AddInt64(&st.items, 1)
	atomic.AddInt64(&st.bytes, size)
}

// SetReportDiskPath selects the filesystem whose usage is included in reports.
func SetReportDiskPath(path string) {
	if path != "" {
		reportDiskPath = path
	}
}

// StartReport begins periodic logging of runtime and stage statistics until
// the context is cancelled.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				LogReport(ctx, log)
			}
		}
	}()
}

// LogReport emits one runtime report and publishes it to CloudWatch when
// enabled.
func LogReport(ctx context.Context, log *Log) {
	stageData := map[string]map[string]int64{}
	stages.Range(func(k, v any) bool {
		st := v.(*stageStat)
		stageData[k.(string)] = map[string]int64{
			"items":  atomic.LoadInt64(&st.items),
			"bytes":  atomic.LoadInt64(&st.bytes),
			"warns":  atomic.LoadInt64(&st.warns),
			"errors": atomic.LoadInt64(&st.errors),
		}
		return true
	})

	var memUsed, diskFree uint64
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		memUsed = vm.Used
	}
	if du, err := disk.UsageWithContext(ctx, reportDiskPath); err == nil {
		diskFree = du.Free
	}

	dl := atomic.LoadInt64(&downloadBytes)
	fields := Fields{
		"probes_sent":    atomic.LoadInt64(&probesSent),
		"probe_hits":     atomic.LoadInt64(&probeHits),
		"downloads":      atomic.LoadInt64(&downloads),
		"download_bytes": humanize.Bytes(uint64(dl)),
		"conversions":    atomic.LoadInt64(&conversions),
		"converted_rows": atomic.LoadInt64(&convertedRows),
		"goroutines":     runtime.NumGoroutine(),
		"memory_used":    humanize.Bytes(memUsed),
		"disk_free":      humanize.Bytes(diskFree),
		"stages":         stageData,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("ProbesSent"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&probesSent)))},
		{MetricName: aws.String("ProbeHits"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&probeHits)))},
		{MetricName: aws.String("Downloads"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&downloads)))},
		{MetricName: aws.String("DownloadBytes"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(dl))},
		{MetricName: aws.String("Conversions"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&conversions)))},
		{MetricName: aws.String("ConvertedRows"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&convertedRows)))},
		{MetricName: aws.String("DiskFreeBytes"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(diskFree))},
	}
	for name, stats := range stageData {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String("StageErrors"),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{{Name: aws.String("Stage"), Value: aws.String(name)}},
			Value:      aws.Float64(float64(stats["errors"])),
		})
	}

	publishMetrics(ctx, data)
}
