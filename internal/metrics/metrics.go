// Package metrics exposes Prometheus counters/gauges for the KVS
// engine and a loopback /metrics + /healthz HTTP listener.
//
// Grounded on the teacher's root metrics.go: package-level prometheus
// collectors registered once via init(), small Record* helper
// functions called from the hot paths (table ops, notification
// dispatch, job execution, backups, client sessions).
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	tableOpsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kvs_table_operations_total",
		Help: "Total KVS table operations by kind and outcome.",
	}, []string{"op", "outcome"})

	subscriptionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kvs_subscriptions_active",
		Help: "Current number of (key, subscriber) subscription entries.",
	})

	notificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kvs_notifications_total",
		Help: "Total notifications dispatched by opcode and outcome.",
	}, []string{"opcode", "outcome"})

	jobsProcessedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kvs_jobs_processed_total",
		Help: "Total job files fully executed.",
	})

	jobCommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kvs_job_commands_total",
		Help: "Total job-script commands executed, by command and outcome.",
	}, []string{"command", "outcome"})

	backupsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kvs_backups_active",
		Help: "Current number of in-flight backup snapshots.",
	})

	backupsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kvs_backups_total",
		Help: "Total backup attempts by outcome.",
	}, []string{"outcome"})

	clientsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kvs_clients_active",
		Help: "Current number of connected clients.",
	})

	clientsAcceptedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kvs_clients_accepted_total",
		Help: "Total client connection attempts by outcome.",
	}, []string{"outcome"})
)

func init() {
	prometheus.MustRegister(
		tableOpsTotal,
		subscriptionsActive,
		notificationsTotal,
		jobsProcessedTotal,
		jobCommandsTotal,
		backupsActive,
		backupsTotal,
		clientsActive,
		clientsAcceptedTotal,
	)
}

// RecordTableOp records a write/read/delete/show/terminate outcome.
func RecordTableOp(op, outcome string) { tableOpsTotal.WithLabelValues(op, outcome).Inc() }

// SetSubscriptionsActive sets the current subscription-entry gauge.
func SetSubscriptionsActive(n int) { subscriptionsActive.Set(float64(n)) }

// RecordNotification records a dispatched (or failed) notification.
func RecordNotification(opcode, outcome string) {
	notificationsTotal.WithLabelValues(opcode, outcome).Inc()
}

// RecordJobProcessed increments the completed-job-files counter.
func RecordJobProcessed() { jobsProcessedTotal.Inc() }

// RecordJobCommand records one executed job-script command.
func RecordJobCommand(command, outcome string) {
	jobCommandsTotal.WithLabelValues(command, outcome).Inc()
}

// SetBackupsActive sets the in-flight-backups gauge.
func SetBackupsActive(n int) { backupsActive.Set(float64(n)) }

// RecordBackup records a completed backup attempt.
func RecordBackup(outcome string) { backupsTotal.WithLabelValues(outcome).Inc() }

// SetClientsActive sets the connected-clients gauge.
func SetClientsActive(n int) { clientsActive.Set(float64(n)) }

// RecordClientAccepted records a connect attempt's outcome (ok/queue_full/cpu_reject/open_failed).
func RecordClientAccepted(outcome string) { clientsAcceptedTotal.WithLabelValues(outcome).Inc() }

// Server is a minimal loopback HTTP listener for /metrics and
// /healthz. It never serves the spec's client protocol, which runs
// exclusively over named pipes.
type Server struct {
	httpServer *http.Server
}

// NewServer builds (without starting) the metrics HTTP server.
func NewServer(addr string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return &Server{httpServer: &http.Server{Addr: addr, Handler: mux}}
}

// Serve starts the listener; callers typically run it in a goroutine.
func (s *Server) Serve() error {
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
