package gateway

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"fleet-monitor/devicegw/internal/codec"
	"fleet-monitor/devicegw/internal/domain"
	"fleet-monitor/devicegw/internal/metrics"
)

// Session lifecycle states and transitions.
const (
	stateAwaitingIdentity = "awaiting_identity"
	stateRegistered       = "registered"
	stateUnregistered     = "unregistered"
	stateClosed           = "closed"

	eventRegister      = "register"
	eventAcceptUnknown = "accept_unknown"
	eventPromote       = "promote"
	eventClose         = "close"
)

// identityAccepted is the single-byte handshake reply. Unknown devices get
// it too: rejecting would lose telemetry for a device whose registration
// simply lags behind its installation.
const identityAccepted = 0x01

const readChunkSize = 4096

// sessionSeq hands out session identities for registry ownership checks.
var sessionSeq atomic.Uint64

// session owns one tracker connection: the accumulated byte buffer, the
// device identity once the handshake completes, and the assigned vehicle
// when one exists. It is used from a single goroutine.
type session struct {
	srv  *Server
	conn net.Conn

	id          uint64
	remoteAddr  string
	connectedAt time.Time
	imei        string
	vehicle     *domain.Vehicle
	buf         []byte
	frameErrors int
	fsm         *fsm.FSM
	log         *zap.SugaredLogger
}

func newSession(srv *Server, conn net.Conn) *session {
	s := &session{
		srv:         srv,
		conn:        conn,
		id:          sessionSeq.Add(1),
		remoteAddr:  conn.RemoteAddr().String(),
		connectedAt: time.Now(),
	}
	s.log = srv.log.With("remote", s.remoteAddr)
	s.fsm = fsm.NewFSM(
		stateAwaitingIdentity,
		fsm.Events{
			{Name: eventRegister, Src: []string{stateAwaitingIdentity}, Dst: stateRegistered},
			{Name: eventAcceptUnknown, Src: []string{stateAwaitingIdentity}, Dst: stateUnregistered},
			{Name: eventPromote, Src: []string{stateUnregistered}, Dst: stateRegistered},
			{Name: eventClose, Src: []string{stateAwaitingIdentity, stateRegistered, stateUnregistered}, Dst: stateClosed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				s.log.Debugw("session state change", "from", e.Src, "to", e.Dst)
			},
		},
	)
	return s
}

// run is the session read loop. It returns when the peer disconnects, the
// idle deadline passes, or the session accumulates too many frame errors.
// Decoding never blocks; network reads are the only suspension points.
func (s *session) run(ctx context.Context) {
	defer s.close()
	s.log.Infow("device connected")

	chunk := make([]byte, readChunkSize)
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.srv.idleTimeout)); err != nil {
			return
		}
		n, err := s.conn.Read(chunk)
		if n > 0 {
			s.buf = append(s.buf, chunk[:n]...)
			if derr := s.drain(ctx); derr != nil {
				s.log.Warnw("closing session", "error", derr)
				return
			}
		}
		if err != nil {
			switch {
			case errors.Is(err, os.ErrDeadlineExceeded):
				s.log.Infow("idle timeout", "timeout", s.srv.idleTimeout)
			case errors.Is(err, io.EOF):
				s.log.Infow("device disconnected")
			default:
				s.log.Warnw("socket error", "error", err)
			}
			return
		}
	}
}

// drain consumes as many complete frames from the buffer as possible,
// never parsing past the boundary of a fully buffered frame.
func (s *session) drain(ctx context.Context) error {
	if s.fsm.Is(stateAwaitingIdentity) {
		if err := s.handleIdentity(ctx); err != nil {
			return err
		}
		if s.fsm.Is(stateAwaitingIdentity) || len(s.buf) == 0 {
			return nil
		}
	}
	return s.handlePackets(ctx)
}

func (s *session) handleIdentity(ctx context.Context) error {
	imei, consumed, err := codec.DecodeIdentity(s.buf)
	if errors.Is(err, codec.ErrNeedMoreData) {
		return nil
	}
	if err != nil {
		metrics.FramesInvalid.Inc()
		s.frameErrors++
		s.log.Warnw("invalid identity frame", "error", err)
		// Drop the garbage; the device is expected to retry the handshake.
		s.buf = nil
		if s.frameErrors >= s.srv.maxFrameErrors {
			return fmt.Errorf("%d consecutive frame errors during handshake", s.frameErrors)
		}
		return nil
	}
	s.buf = s.buf[consumed:]
	s.frameErrors = 0
	s.imei = imei
	s.log = s.log.With("imei", imei)

	vehicle, err := s.srv.store.FindVehicleByIdentity(ctx, imei)
	if err != nil {
		// Registry unavailable is not a reason to drop the device; treat
		// as unregistered and let the per-batch re-check promote it.
		s.log.Errorw("vehicle lookup failed", "error", err)
		vehicle = nil
	}

	info := DeviceInfo{
		IMEI:        imei,
		RemoteAddr:  s.remoteAddr,
		ConnectedAt: s.connectedAt,
		sessionID:   s.id,
	}
	if vehicle != nil {
		s.vehicle = vehicle
		info.VehicleID = vehicle.ID
		_ = s.fsm.Event(ctx, eventRegister)
		s.log.Infow("device accepted", "vehicle", vehicle.ID)
		if err := s.srv.store.UpdateVehicleActivity(ctx, vehicle.ID, "", time.Now()); err != nil {
			s.log.Warnw("last-seen update failed", "error", err)
		}
	} else {
		info.Unregistered = true
		_ = s.fsm.Event(ctx, eventAcceptUnknown)
		s.log.Infow("accepted unregistered device, telemetry persists once registered")
	}
	s.srv.registry.Add(info)

	if _, err := s.conn.Write([]byte{identityAccepted}); err != nil {
		return fmt.Errorf("handshake reply: %w", err)
	}
	return nil
}

func (s *session) handlePackets(ctx context.Context) error {
	for len(s.buf) > 0 {
		pkt, consumed, err := codec.DecodePacket(s.buf)
		if errors.Is(err, codec.ErrNeedMoreData) {
			return nil
		}
		if err != nil {
			metrics.FramesInvalid.Inc()
			s.frameErrors++
			s.log.Warnw("invalid frame, awaiting resend", "error", err, "skipped_bytes", consumed)
			if s.frameErrors >= s.srv.maxFrameErrors {
				return fmt.Errorf("%d consecutive frame errors", s.frameErrors)
			}
			if consumed == 0 {
				// Desynced stream: the frame span is unknowable, keep the
				// bytes and wait for more before judging again.
				return nil
			}
			s.buf = s.buf[consumed:]
			continue
		}

		s.buf = s.buf[consumed:]
		s.frameErrors = 0
		if pkt.CRCMismatch {
			metrics.CRCMismatches.Inc()
			s.log.Warnw("checksum mismatch, processing anyway", "records", len(pkt.Records))
		}
		if pkt.CountMismatch {
			s.log.Warnw("record count bracket mismatch", "records", len(pkt.Records))
		}
		metrics.RecordsDecoded.Add(float64(len(pkt.Records)))

		s.processBatch(ctx, pkt.Records)

		// Flow-control acknowledgement: the device will not send the next
		// batch until it sees the accepted-record count.
		ack := binary.BigEndian.AppendUint32(nil, uint32(len(pkt.Records)))
		if _, err := s.conn.Write(ack); err != nil {
			return fmt.Errorf("ack write: %w", err)
		}
	}
	return nil
}

func (s *session) processBatch(ctx context.Context, records []codec.Record) {
	if s.fsm.Is(stateUnregistered) {
		vehicle, err := s.srv.store.FindVehicleByIdentity(ctx, s.imei)
		if err == nil && vehicle != nil {
			s.vehicle = vehicle
			_ = s.fsm.Event(ctx, eventPromote)
			s.srv.registry.Promote(s.imei, vehicle.ID)
			s.log.Infow("device registered mid-session", "vehicle", vehicle.ID)
		}
	}
	if s.vehicle == nil {
		s.log.Debugw("skipping records for unregistered device", "count", len(records))
		return
	}
	for _, rec := range records {
		s.processRecord(ctx, rec)
	}
}

// processRecord persists a fix and CAN snapshot, forwards the snapshot to
// the alert evaluator, and publishes live updates. A failed write drops
// that record only; the session and the acknowledgement carry on.
func (s *session) processRecord(ctx context.Context, rec codec.Record) {
	fix := domain.GPSFix{
		Latitude:   rec.GPS.Latitude,
		Longitude:  rec.GPS.Longitude,
		AltitudeM:  int(rec.GPS.Altitude),
		HeadingDeg: int(rec.GPS.Heading),
		Satellites: int(rec.GPS.Satellites),
		SpeedKmh:   int(rec.GPS.Speed),
	}
	snap := codec.ExtractCAN(rec.Elements)

	// An exact (0,0) fix means "no GPS lock", never a real location.
	if !fix.IsZero() {
		gpsRec := domain.GPSRecord{
			VehicleID:  s.vehicle.ID,
			DeviceIMEI: s.imei,
			Fix:        fix,
			Priority:   domain.Priority(rec.Priority),
			EventID:    rec.EventID,
			RecordedAt: rec.Timestamp,
		}
		if err := s.srv.store.InsertGPSFix(ctx, gpsRec); err != nil {
			metrics.PersistFailures.Inc()
			s.log.Errorw("gps insert failed, record dropped", "error", err)
		} else {
			status := s.deriveStatus(fix.SpeedKmh)
			if err := s.srv.store.UpdateVehicleActivity(ctx, s.vehicle.ID, status, time.Now()); err != nil {
				s.log.Warnw("activity update failed", "error", err)
			} else if status != "" {
				s.vehicle.Status = status
			}

			fuel := s.vehicle.FuelLevelPct
			if snap.FuelLevelPct != nil {
				fuel = *snap.FuelLevelPct
				s.vehicle.FuelLevelPct = fuel
			}
			update := domain.LocationUpdate{
				VehicleID:    s.vehicle.ID,
				Fix:          fix,
				FuelLevelPct: fuel,
				RecordedAt:   rec.Timestamp,
			}
			if err := s.srv.bus.PublishLocationUpdate(ctx, update); err != nil {
				s.log.Warnw("location publish failed", "error", err)
			}
		}
	}

	if !codec.HasCANData(rec.Elements) {
		return
	}
	raw, err := json.Marshal(rawElements(rec.Elements))
	if err != nil {
		raw = nil
	}
	canRec := domain.CANRecord{
		VehicleID:  s.vehicle.ID,
		DeviceIMEI: s.imei,
		Snapshot:   snap,
		RawIO:      raw,
		RecordedAt: rec.Timestamp,
	}
	if err := s.srv.store.InsertCANSnapshot(ctx, canRec); err != nil {
		metrics.PersistFailures.Inc()
		s.log.Errorw("can insert failed, record dropped", "error", err)
		return
	}
	if snap.TotalDistanceKm != nil {
		s.vehicle.OdometerKm = *snap.TotalDistanceKm
	}
	if err := s.srv.bus.PublishCANUpdate(ctx, s.vehicle.ID, snap, rec.Timestamp); err != nil {
		s.log.Warnw("can publish failed", "error", err)
	}
	s.srv.alerts.Process(ctx, s.vehicle.ID, snap)
}

// deriveStatus maps movement onto vehicle activity. Moving promotes to
// active unless the vehicle is in maintenance; stopping demotes an active
// vehicle to idle. Empty means "leave status unchanged".
func (s *session) deriveStatus(speedKmh int) string {
	switch {
	case speedKmh > 0 && s.vehicle.Status != domain.StatusMaintenance:
		return domain.StatusActive
	case speedKmh == 0 && s.vehicle.Status == domain.StatusActive:
		return domain.StatusIdle
	}
	return ""
}

func (s *session) close() {
	if !s.fsm.Is(stateClosed) {
		_ = s.fsm.Event(context.Background(), eventClose)
	}
	if s.imei != "" {
		s.srv.registry.Remove(s.imei, s.id)
	}
	s.conn.Close()
	metrics.ConnectionsActive.Dec()
	s.log.Infow("session closed")
}

// rawElements renders the IO map for the raw_io_data debug column.
func rawElements(elements map[uint16]codec.IOValue) map[string]any {
	out := make(map[string]any, len(elements))
	for id, v := range elements {
		key := strconv.Itoa(int(id))
		if v.Kind == codec.IOBytes {
			out[key] = hex.EncodeToString(v.Bytes)
		} else {
			out[key] = v.Uint
		}
	}
	return out
}
