// Package metrics exports the Prometheus instruments of the pipeline.
package metrics

import (
	"fmt"
	"net/http"
	_ "net/http/pprof"

	"github.com/gorilla/mux"
	"github.com/pingcap/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	// TxnCompletedCounter counts finished transactions by type and status.
	TxnCompletedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "slog",
			Subsystem: "server",
			Name:      "txn_completed_total",
			Help:      "Finished transactions by type and final status.",
		}, []string{"type", "status"})

	// BatchesSequencedCounter counts batches cut by the sequencer.
	BatchesSequencedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "slog",
			Subsystem: "sequencer",
			Name:      "batches_total",
			Help:      "Single-home batches sent for ordering.",
		})

	// BatchSizeHistogram observes transactions per sequenced batch.
	BatchSizeHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "slog",
			Subsystem: "sequencer",
			Name:      "batch_size",
			Help:      "Transactions per sequenced batch.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		})

	// TxnDispatchedCounter counts dispatches from the scheduler to workers.
	TxnDispatchedCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "slog",
			Subsystem: "scheduler",
			Name:      "txn_dispatched_total",
			Help:      "Transactions dispatched to workers.",
		})

	// RemasterCounter counts applied remasters.
	RemasterCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "slog",
			Subsystem: "scheduler",
			Name:      "remaster_total",
			Help:      "Committed remaster transactions.",
		})
)

func init() {
	prometheus.MustRegister(
		TxnCompletedCounter,
		BatchesSequencedCounter,
		BatchSizeHistogram,
		TxnDispatchedCounter,
		RemasterCounter,
	)
}

// ServeAdmin exposes /metrics and the pprof handlers on the given port.
func ServeAdmin(port int) {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	r.PathPrefix("/debug/").Handler(http.DefaultServeMux)
	addr := fmt.Sprintf(":%d", port)
	go func() {
		if err := http.ListenAndServe(addr, r); err != nil {
			log.Error("admin server stopped", zap.Error(err))
		}
	}()
	log.Info("admin server listening", zap.String("addr", addr))
}
