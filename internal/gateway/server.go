// Package gateway owns the device-facing TCP listener: one goroutine per
// tracker connection, the handshake/acknowledgement protocol, frame
// buffering, and the live registry of connected devices. Decoded records
// flow to the persistence and broadcast boundaries defined here.
package gateway

import (
	"context"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"fleet-monitor/devicegw/internal/config"
	"fleet-monitor/devicegw/internal/domain"
	"fleet-monitor/devicegw/internal/metrics"
)

// VehicleStore is the persistence boundary the gateway consumes. A nil
// vehicle with nil error from FindVehicleByIdentity means "not registered".
// An empty status in UpdateVehicleActivity refreshes last-seen only.
type VehicleStore interface {
	FindVehicleByIdentity(ctx context.Context, imei string) (*domain.Vehicle, error)
	InsertGPSFix(ctx context.Context, rec domain.GPSRecord) error
	InsertCANSnapshot(ctx context.Context, rec domain.CANRecord) error
	UpdateVehicleActivity(ctx context.Context, vehicleID, status string, lastSeen time.Time) error
}

// Broadcaster is the live-update boundary, invoked synchronously after
// each successful persistence step so per-vehicle ordering is explicit.
type Broadcaster interface {
	PublishLocationUpdate(ctx context.Context, update domain.LocationUpdate) error
	PublishCANUpdate(ctx context.Context, vehicleID string, snap domain.CanSnapshot, at time.Time) error
}

// AlertSink consumes mapped CAN snapshots for rule evaluation.
type AlertSink interface {
	Process(ctx context.Context, vehicleID string, snap domain.CanSnapshot)
}

// Server accepts tracker connections and runs one session per connection.
type Server struct {
	addr           string
	idleTimeout    time.Duration
	maxFrameErrors int

	store    VehicleStore
	bus      Broadcaster
	alerts   AlertSink
	registry *Registry
	log      *zap.SugaredLogger
}

func New(cfg *config.Config, store VehicleStore, bus Broadcaster, alerts AlertSink, log *zap.SugaredLogger) *Server {
	return &Server{
		addr:           ":" + cfg.DeviceTCPPort,
		idleTimeout:    cfg.IdleTimeout,
		maxFrameErrors: cfg.MaxFrameErrors,
		store:          newCachedVehicleStore(store, cfg.LookupCacheTTL),
		bus:            bus,
		alerts:         alerts,
		registry:       NewRegistry(),
		log:            log,
	}
}

// Registry exposes the live-session table for the ops status query.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Run listens until ctx is cancelled. Cancellation closes the listener so
// no new sessions start; established sessions drain on their own idle
// timeout or peer disconnect.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.addr, err)
	}
	s.log.Infow("device gateway listening", "addr", s.addr)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	metrics.ConnectionsActive.Inc()
	newSession(s, conn).run(ctx)
}
