// Package profiler - operation timing and detection counters for a detection run.
package profiler

import (
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Operation names recorded by the batch driver.
const (
	OperationDecode = "decode"
	OperationDetect = "detect"
	OperationRender = "render"
	OperationLoad   = "load"
)

// TimeTracker tracks operation timing statistics.
type TimeTracker struct {
	name      string
	totalTime time.Duration
	minTime   time.Duration
	maxTime   time.Duration
	count     int64
}

// OperationStats is a snapshot of a TimeTracker.
type OperationStats struct {
	Name  string
	Count int64
	Total time.Duration
	Min   time.Duration
	Max   time.Duration
}

// Average returns the mean duration, or zero when nothing was recorded.
func (s OperationStats) Average() time.Duration {
	if s.Count == 0 {
		return 0
	}
	return s.Total / time.Duration(s.Count)
}

// RuntimeProfiler times pipeline operations and counts detections.
//
// Every measurement is kept twice: as min/avg/max for the end of run report,
// and as Prometheus collectors on the profiler's registry so a run can be
// exported as a textfile.
type RuntimeProfiler struct {
	mu             sync.Mutex
	startTime      time.Time
	operationTimes map[string]*TimeTracker

	registry   *prometheus.Registry
	durations  *prometheus.HistogramVec
	detections *prometheus.CounterVec
	images     prometheus.Counter
}

// NewRuntimeProfiler creates a profiler with its own registry.
//
// Returns:
//   - *RuntimeProfiler: The profiler.
//   - error: An error if the collectors cannot be registered.
func NewRuntimeProfiler() (*RuntimeProfiler, error) {
	rp := &RuntimeProfiler{
		startTime:      time.Now(),
		operationTimes: make(map[string]*TimeTracker),
		registry:       prometheus.NewRegistry(),
		durations: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "yolov3_operation_duration_seconds",
				Help:    "Time spent per pipeline operation.",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
			},
			[]string{"operation"},
		),
		detections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "yolov3_detections_total",
				Help: "Detections partitioned by class name.",
			},
			[]string{"class"},
		),
		images: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "yolov3_images_total",
			Help: "Images processed.",
		}),
	}

	for _, c := range []prometheus.Collector{rp.durations, rp.detections, rp.images} {
		if err := rp.registry.Register(c); err != nil {
			return nil, errors.Wrap(err, "register profiler metrics")
		}
	}
	return rp, nil
}

// Registry returns the registry the collectors live on.
func (rp *RuntimeProfiler) Registry() *prometheus.Registry {
	return rp.registry
}

// StartOperation begins timing an operation.
//
// Arguments:
//   - name: The name of the operation to track.
//
// Returns:
//   - func(): Call it when the operation completes.
//
// @example
// done := rp.StartOperation(profiler.OperationDetect)
// res, err := engine.Detect(ctx, img)
// done()
func (rp *RuntimeProfiler) StartOperation(name string) func() {
	start := time.Now()
	return func() {
		rp.RecordOperation(name, time.Since(start))
	}
}

// RecordOperation records the completion time of an operation.
func (rp *RuntimeProfiler) RecordOperation(name string, duration time.Duration) {
	rp.durations.WithLabelValues(name).Observe(duration.Seconds())

	rp.mu.Lock()
	defer rp.mu.Unlock()

	tracker, exists := rp.operationTimes[name]
	if !exists {
		tracker = &TimeTracker{
			name:    name,
			minTime: duration,
			maxTime: duration,
		}
		rp.operationTimes[name] = tracker
	}

	tracker.totalTime += duration
	tracker.count++

	if duration < tracker.minTime {
		tracker.minTime = duration
	}
	if duration > tracker.maxTime {
		tracker.maxTime = duration
	}
}

// RecordImage counts one processed image and its detections by class name.
func (rp *RuntimeProfiler) RecordImage(classNames []string) {
	rp.images.Inc()
	for _, name := range classNames {
		rp.detections.WithLabelValues(name).Inc()
	}
}

// Operations returns a snapshot of every tracked operation, sorted by name.
func (rp *RuntimeProfiler) Operations() []OperationStats {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	out := make([]OperationStats, 0, len(rp.operationTimes))
	for _, t := range rp.operationTimes {
		out = append(out, OperationStats{
			Name:  t.name,
			Count: t.count,
			Total: t.totalTime,
			Min:   t.minTime,
			Max:   t.maxTime,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Report logs the operation timings and memory usage of the run.
func (rp *RuntimeProfiler) Report(log *zap.SugaredLogger) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	log.Infow("run summary",
		"uptime", time.Since(rp.startTime).Truncate(time.Millisecond),
		"heapAlloc", formatBytes(mem.HeapAlloc),
		"sys", formatBytes(mem.Sys),
		"gcCycles", mem.NumGC,
	)
	for _, op := range rp.Operations() {
		log.Infow("operation timing",
			"operation", op.Name,
			"count", op.Count,
			"avg", op.Average().Truncate(time.Microsecond),
			"min", op.Min.Truncate(time.Microsecond),
			"max", op.Max.Truncate(time.Microsecond),
		)
	}
}

// WriteTextfile writes the collectors in the Prometheus text format.
func (rp *RuntimeProfiler) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, rp.registry); err != nil {
		return errors.Wrapf(err, "write metrics to %s", path)
	}
	return nil
}

// formatBytes formats byte counts in human-readable format.
func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
