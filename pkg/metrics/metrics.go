// Package metrics exposes run counters to Prometheus. Benchmarks record
// through a Recorder so the hot loop pays nothing when exposition is off.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder receives reactor events.
type Recorder interface {
	Submitted(op string)
	Completed(kind string, bytes int)
	Sample(d time.Duration)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Submitted(string)      {}
func (Nop) Completed(string, int) {}
func (Nop) Sample(time.Duration)  {}

// Registry owns the collectors of one process. Workers get their own
// Recorder labelled with the worker index.
type Registry struct {
	reg *prometheus.Registry

	submissions *prometheus.CounterVec
	completions *prometheus.CounterVec
	bytes       *prometheus.CounterVec
	latency     *prometheus.HistogramVec
}

func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Registry{
		reg: reg,
		submissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pingring_submissions_total",
				Help: "Asynchronous operations submitted to the substrate",
			}, []string{"worker", "op"},
		),
		completions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pingring_completions_total",
				Help: "Completions dispatched by the reactor",
			}, []string{"worker", "kind"},
		),
		bytes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pingring_bytes_total",
				Help: "Payload bytes carried by completed sends and receives",
			}, []string{"worker"},
		),
		latency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pingring_round_trip_seconds",
				Help:    "Closed-loop round trip latency",
				Buckets: prometheus.ExponentialBuckets(1e-6, 2, 20),
			}, []string{"worker"},
		),
	}
}

// Gatherer is used by tests and by Serve.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Worker returns a Recorder whose series carry the given worker label.
func (r *Registry) Worker(id int) Recorder {
	w := strconv.Itoa(id)
	return &workerRecorder{
		r:       r,
		worker:  w,
		bytes:   r.bytes.WithLabelValues(w),
		latency: r.latency.WithLabelValues(w),
	}
}

type workerRecorder struct {
	r       *Registry
	worker  string
	bytes   prometheus.Counter
	latency prometheus.Observer
}

func (w *workerRecorder) Submitted(op string) {
	w.r.submissions.WithLabelValues(w.worker, op).Inc()
}

func (w *workerRecorder) Completed(kind string, bytes int) {
	w.r.completions.WithLabelValues(w.worker, kind).Inc()
	if bytes > 0 {
		w.bytes.Add(float64(bytes))
	}
}

func (w *workerRecorder) Sample(d time.Duration) {
	w.latency.Observe(d.Seconds())
}

// Serve exposes the registry on addr until ctx is done.
func (r *Registry) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{DisableCompression: true}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
