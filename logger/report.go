package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

var (
	eventsProcessed  int64
	snapshotsEmitted int64
	resyncRequests   int64
	historyWrites    int64
	archiveWrites    int64

	warnsByComponent  sync.Map // map[string]*int64
	errorsByComponent sync.Map // map[string]*int64
)

func recordWarn(component string) {
	v, _ := warnsByComponent.LoadOrStore(component, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

func recordError(component string) {
	v, _ := errorsByComponent.LoadOrStore(component, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

func IncrementEventsProcessed()  { atomic.AddInt64(&eventsProcessed, 1) }
func IncrementSnapshotsEmitted() { atomic.AddInt64(&snapshotsEmitted, 1) }
func IncrementResyncRequests()   { atomic.AddInt64(&resyncRequests, 1) }
func IncrementHistoryWrites()    { atomic.AddInt64(&historyWrites, 1) }
func IncrementArchiveWrites()    { atomic.AddInt64(&archiveWrites, 1) }

// StartReport begins periodic logging of runtime and engine counters, with a
// mirror to CloudWatch when configured.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	warns := map[string]int64{}
	warnsByComponent.Range(func(k, v any) bool {
		warns[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	errs := map[string]int64{}
	errorsByComponent.Range(func(k, v any) bool {
		errs[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})

	fields := Fields{
		"events_processed":  atomic.LoadInt64(&eventsProcessed),
		"snapshots_emitted": atomic.LoadInt64(&snapshotsEmitted),
		"resync_requests":   atomic.LoadInt64(&resyncRequests),
		"history_writes":    atomic.LoadInt64(&historyWrites),
		"archive_writes":    atomic.LoadInt64(&archiveWrites),
		"goroutines":        runtime.NumGoroutine(),
		"heap_mb":           int64(mem.HeapAlloc) / 1024 / 1024,
		"warns":             warns,
		"errors":            errs,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("EventsProcessed"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&eventsProcessed)))},
		{MetricName: aws.String("SnapshotsEmitted"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&snapshotsEmitted)))},
		{MetricName: aws.String("ResyncRequests"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&resyncRequests)))},
		{MetricName: aws.String("HistoryWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&historyWrites)))},
		{MetricName: aws.String("ArchiveWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&archiveWrites)))},
		{MetricName: aws.String("Goroutines"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(runtime.NumGoroutine()))},
		{MetricName: aws.String("HeapMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(mem.HeapAlloc) / 1024 / 1024)},
	}
	publishMetrics(ctx, data)
}
