// Package http serves the operational surface: health, Prometheus
// metrics, and the connected-devices status query.
package http

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"fleet-monitor/devicegw/internal/gateway"
)

// DeviceLister is the status-query boundary, implemented by the gateway
// registry.
type DeviceLister interface {
	Snapshot() []gateway.DeviceInfo
}

// Pinger reports backing-store health for the readiness check.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	srv *http.Server
	log *zap.SugaredLogger
}

func NewServer(port string, devices DeviceLister, db, redis Pinger, log *zap.SugaredLogger) *Server {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()
		status := map[string]string{"status": "ok", "db": "ok", "redis": "ok"}
		code := http.StatusOK
		if err := db.Ping(ctx); err != nil {
			status["status"], status["db"] = "degraded", err.Error()
			code = http.StatusServiceUnavailable
		}
		if err := redis.Ping(ctx); err != nil {
			status["status"], status["redis"] = "degraded", err.Error()
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, status)
	}).Methods(http.MethodGet)

	r.HandleFunc("/devices", func(w http.ResponseWriter, req *http.Request) {
		list := devices.Snapshot()
		writeJSON(w, http.StatusOK, map[string]any{
			"count":   len(list),
			"devices": list,
		})
	}).Methods(http.MethodGet)

	return &Server{
		srv: &http.Server{
			Addr:         ":" + port,
			Handler:      r,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		log: log,
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.srv.Shutdown(shutdownCtx)
	}()

	s.log.Infow("ops server listening", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
