// Package metrics exposes Prometheus counters and histograms for the
// worker pool: submissions processed, grading latency, and verdict
// correctness. It is an ambient observability surface - nothing in the
// grading path depends on it being scraped, or even listening.
package metrics

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SubmissionsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "xqueue_watcher_submissions_processed_total",
		Help: "Submissions graded, labeled by queue and outcome.",
	}, []string{"queue", "outcome"})

	GradingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "xqueue_watcher_grading_duration_seconds",
		Help:    "Time spent grading one submission end to end.",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})

	VerdictScore = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "xqueue_watcher_verdict_score",
		Help:    "Distribution of the fraction-correct score assigned to submissions.",
		Buckets: []float64{0, 0.25, 0.5, 0.75, 1},
	}, []string{"queue"})
)

// ObserveGrade records one completed grading attempt's outcome, latency,
// and score in a single call.
func ObserveGrade(queue, outcome string, duration time.Duration, score float64) {
	SubmissionsProcessed.WithLabelValues(queue, outcome).Inc()
	GradingDuration.WithLabelValues(queue).Observe(duration.Seconds())
	VerdictScore.WithLabelValues(queue).Observe(score)
}

// Serve serves /metrics on addr until its context is cancelled. An empty
// addr disables the server entirely: Serve returns nil immediately.
func Serve(ctx context.Context, addr string) error {
	if addr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
