package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/arenakeeper/keeper-server-go/internal/eventbus"
	"github.com/arenakeeper/keeper-server-go/internal/repository"
	"github.com/arenakeeper/keeper-server-go/internal/supervisor"
	"go.uber.org/zap"
)

// ledgerPingTimeout bounds the ledger connectivity check of one report.
const ledgerPingTimeout = 2 * time.Second

// BusSource reports event bus status.
type BusSource interface {
	Status() eventbus.Status
}

// SupervisorSource reports supervisor status.
type SupervisorSource interface {
	Status() supervisor.Status
}

// LedgerSource reports action ledger connectivity. It is optional.
type LedgerSource interface {
	Ping(ctx context.Context) error
	Stats() repository.PoolStatus
}

// LedgerReport describes the action ledger. The ledger is best effort, so it never
// makes the keeper unhealthy.
type LedgerReport struct {
	Reachable bool                  `json:"reachable"`
	Error     string                `json:"error,omitempty"`
	Pool      repository.PoolStatus `json:"pool"`
}

// Report is the body of GET /status.
type Report struct {
	Healthy        bool              `json:"healthy"`
	BusHealthy     bool              `json:"bus_healthy"`
	WorkersHealthy bool              `json:"workers_healthy"`
	EventBus       eventbus.Status   `json:"event_bus"`
	Supervisor     supervisor.Status `json:"supervisor"`
	Ledger         *LedgerReport     `json:"ledger,omitempty"`
}

// BusHealthy reports whether the bus is connected or has nothing to connect for.
func BusHealthy(st eventbus.Status) bool {
	if st.Closed {
		return false
	}
	return st.Connected || st.Subscriptions == 0
}

// WorkersHealthy reports whether the supervisor is running and every worker was alive at
// the last pass.
func WorkersHealthy(st supervisor.Status) bool {
	return !st.Stopped && st.AllAlive()
}

// BuildReport combines the sources into one report. ledger may be nil.
func BuildReport(ctx context.Context, bus BusSource, sup SupervisorSource, ledger LedgerSource) Report {
	busStatus := bus.Status()
	supStatus := sup.Status()
	r := Report{
		BusHealthy:     BusHealthy(busStatus),
		WorkersHealthy: WorkersHealthy(supStatus),
		EventBus:       busStatus,
		Supervisor:     supStatus,
	}
	r.Healthy = r.BusHealthy && r.WorkersHealthy
	if ledger != nil {
		r.Ledger = checkLedger(ctx, ledger)
	}
	return r
}

func checkLedger(ctx context.Context, ledger LedgerSource) *LedgerReport {
	ctx, cancel := context.WithTimeout(ctx, ledgerPingTimeout)
	defer cancel()

	lr := &LedgerReport{Reachable: true}
	if err := ledger.Ping(ctx); err != nil {
		lr.Reachable = false
		lr.Error = err.Error()
	}
	lr.Pool = ledger.Stats()
	return lr
}

// NewStatusHandler serves GET /status (JSON report) and GET /healthz.
func NewStatusHandler(bus BusSource, sup SupervisorSource, ledger LedgerSource, logger *zap.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(BuildReport(r.Context(), bus, sup, ledger)); err != nil {
			logger.Warn("failed to write status", zap.Error(err))
		}
	})

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		report := BuildReport(r.Context(), bus, sup, nil)
		if !report.Healthy {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok\n"))
	})

	return mux
}
