// Package ops serves liveness and readiness probes on a separate port from
// the banking API.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const pingTimeout = 2 * time.Second

// Pinger is anything whose reachability gates readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// Check names one readiness dependency.
type Check struct {
	Name string
	Ping Pinger
}

// Router returns the probe handler. /healthz always answers 200 while the
// process is up; /readyz answers 503 when any check fails.
func Router(log *zap.Logger, checks ...Check) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	r := mux.NewRouter()
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
	r.HandleFunc("/readyz", readiness(log, checks)).Methods(http.MethodGet)
	return r
}

func readiness(log *zap.Logger, checks []Check) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		defer cancel()

		code := http.StatusOK
		status := make(map[string]string, len(checks))
		for _, c := range checks {
			if err := c.Ping.Ping(ctx); err != nil {
				log.Warn("readiness check failed", zap.String("check", c.Name), zap.Error(err))
				status[c.Name] = err.Error()
				code = http.StatusServiceUnavailable
				continue
			}
			status[c.Name] = "ok"
		}
		writeJSON(w, code, status)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
