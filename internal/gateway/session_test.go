package gateway

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"fleet-monitor/devicegw/internal/codec"
	"fleet-monitor/devicegw/internal/config"
	"fleet-monitor/devicegw/internal/domain"
)

const testIMEI = "352625090000001"

type activityCall struct {
	vehicleID string
	status    string
}

// fakeVehicleStore records every write the gateway performs. Setting
// insertErr makes both insert paths fail.
type fakeVehicleStore struct {
	mu        sync.Mutex
	vehicles  map[string]*domain.Vehicle
	gps       []domain.GPSRecord
	can       []domain.CANRecord
	activity  []activityCall
	lookups   int
	insertErr error
}

func (s *fakeVehicleStore) FindVehicleByIdentity(_ context.Context, imei string) (*domain.Vehicle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lookups++
	v, ok := s.vehicles[imei]
	if !ok {
		return nil, nil
	}
	cp := *v
	return &cp, nil
}

func (s *fakeVehicleStore) InsertGPSFix(_ context.Context, rec domain.GPSRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	s.gps = append(s.gps, rec)
	return nil
}

func (s *fakeVehicleStore) InsertCANSnapshot(_ context.Context, rec domain.CANRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	s.can = append(s.can, rec)
	return nil
}

func (s *fakeVehicleStore) UpdateVehicleActivity(_ context.Context, vehicleID, status string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activity = append(s.activity, activityCall{vehicleID, status})
	return nil
}

func (s *fakeVehicleStore) failInserts(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.insertErr = err
}

func (s *fakeVehicleStore) register(imei string, v *domain.Vehicle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.vehicles == nil {
		s.vehicles = make(map[string]*domain.Vehicle)
	}
	s.vehicles[imei] = v
}

func (s *fakeVehicleStore) counts() (gps, can int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.gps), len(s.can)
}

type fakeBroadcaster struct {
	mu        sync.Mutex
	locations []domain.LocationUpdate
	canCount  int
}

func (b *fakeBroadcaster) PublishLocationUpdate(_ context.Context, update domain.LocationUpdate) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.locations = append(b.locations, update)
	return nil
}

func (b *fakeBroadcaster) PublishCANUpdate(_ context.Context, _ string, _ domain.CanSnapshot, _ time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.canCount++
	return nil
}

type captureSink struct {
	mu    sync.Mutex
	snaps []domain.CanSnapshot
}

func (c *captureSink) Process(_ context.Context, _ string, snap domain.CanSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snaps = append(c.snaps, snap)
}

func testConfig() *config.Config {
	return &config.Config{
		DeviceTCPPort:  "0",
		IdleTimeout:    2 * time.Second,
		MaxFrameErrors: 8,
		LookupCacheTTL: time.Minute,
	}
}

// startSession wires a session to an in-memory pipe and returns the client
// end plus the fakes behind the server.
func startSession(t *testing.T, cfg *config.Config, store *fakeVehicleStore) (net.Conn, *Server, *fakeBroadcaster, *captureSink) {
	t.Helper()
	bus := &fakeBroadcaster{}
	sink := &captureSink{}
	srv := New(cfg, store, bus, sink, zap.NewNop().Sugar())

	client, server := net.Pipe()
	go srv.handleConn(context.Background(), server)
	t.Cleanup(func() { client.Close() })
	return client, srv, bus, sink
}

func handshake(t *testing.T, conn net.Conn, imei string) {
	t.Helper()
	if _, err := conn.Write(codec.EncodeIdentity(imei)); err != nil {
		t.Fatalf("identity write: %v", err)
	}
	reply := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := io.ReadFull(conn, reply); err != nil {
		t.Fatalf("handshake reply read: %v", err)
	}
	if reply[0] != 0x01 {
		t.Fatalf("handshake reply = 0x%02x, want 0x01", reply[0])
	}
}

func readAck(t *testing.T, conn net.Conn) uint32 {
	t.Helper()
	ack := make([]byte, 4)
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := io.ReadFull(conn, ack); err != nil {
		t.Fatalf("ack read: %v", err)
	}
	return binary.BigEndian.Uint32(ack)
}

func telemetryRecord(lat, lon float64, elements map[uint16]codec.IOValue) codec.Record {
	return codec.Record{
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
		Priority:  1,
		GPS: codec.GPS{
			Latitude:   lat,
			Longitude:  lon,
			Altitude:   210,
			Heading:    90,
			Satellites: 11,
			Speed:      54,
		},
		EventID:  0,
		Elements: elements,
	}
}

func TestSession_RegisteredDeviceFlow(t *testing.T) {
	store := &fakeVehicleStore{}
	store.register(testIMEI, &domain.Vehicle{ID: "TRK-001", Status: domain.StatusIdle})
	client, srv, bus, sink := startSession(t, testConfig(), store)

	handshake(t, client, testIMEI)

	devices := srv.Registry().Snapshot()
	if len(devices) != 1 || devices[0].VehicleID != "TRK-001" || devices[0].Unregistered {
		t.Fatalf("registry after handshake = %+v", devices)
	}

	// Coolant raw 150 carries the -40 offset: 110°C, the overheat boundary.
	rec := telemetryRecord(28.6139391, 77.2090212, map[uint16]codec.IOValue{
		72: {Kind: codec.IOU16, Uint: 150},
		24: {Kind: codec.IOU16, Uint: 1850},
	})
	if _, err := client.Write(codec.EncodePacket(codec.Codec8E, []codec.Record{rec})); err != nil {
		t.Fatalf("packet write: %v", err)
	}
	if ack := readAck(t, client); ack != 1 {
		t.Fatalf("ack = %d, want 1", ack)
	}

	gps, can := store.counts()
	if gps != 1 || can != 1 {
		t.Fatalf("persisted gps=%d can=%d, want 1/1", gps, can)
	}

	store.mu.Lock()
	gpsRec := store.gps[0]
	canRec := store.can[0]
	store.mu.Unlock()
	if gpsRec.VehicleID != "TRK-001" || gpsRec.DeviceIMEI != testIMEI {
		t.Errorf("gps record attribution = %s/%s", gpsRec.VehicleID, gpsRec.DeviceIMEI)
	}
	if gpsRec.Fix.SpeedKmh != 54 {
		t.Errorf("gps speed = %d, want 54", gpsRec.Fix.SpeedKmh)
	}
	if canRec.Snapshot.CoolantTempC == nil || *canRec.Snapshot.CoolantTempC != 110 {
		t.Errorf("coolant = %v, want 110", canRec.Snapshot.CoolantTempC)
	}

	sink.mu.Lock()
	snaps := len(sink.snaps)
	var coolant *float64
	if snaps > 0 {
		coolant = sink.snaps[0].CoolantTempC
	}
	sink.mu.Unlock()
	if snaps != 1 || coolant == nil || *coolant != 110 {
		t.Errorf("alert sink got %d snapshots, coolant %v", snaps, coolant)
	}

	bus.mu.Lock()
	locs, canPubs := len(bus.locations), bus.canCount
	bus.mu.Unlock()
	if locs != 1 || canPubs != 1 {
		t.Errorf("published locations=%d can=%d, want 1/1", locs, canPubs)
	}
}

func TestSession_MovementDrivesStatus(t *testing.T) {
	store := &fakeVehicleStore{}
	store.register(testIMEI, &domain.Vehicle{ID: "TRK-001", Status: domain.StatusIdle})
	client, _, _, _ := startSession(t, testConfig(), store)
	handshake(t, client, testIMEI)

	moving := telemetryRecord(28.61, 77.20, nil)
	stopped := telemetryRecord(28.61, 77.20, nil)
	stopped.GPS.Speed = 0
	client.Write(codec.EncodePacket(codec.Codec8E, []codec.Record{moving, stopped}))
	if ack := readAck(t, client); ack != 2 {
		t.Fatalf("ack = %d, want 2", ack)
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	// Call 0 is the handshake last-seen refresh with empty status.
	if len(store.activity) != 3 {
		t.Fatalf("activity calls = %d, want 3", len(store.activity))
	}
	if store.activity[0].status != "" {
		t.Errorf("handshake activity status = %q, want empty", store.activity[0].status)
	}
	if store.activity[1].status != domain.StatusActive {
		t.Errorf("moving record status = %q, want %q", store.activity[1].status, domain.StatusActive)
	}
	if store.activity[2].status != domain.StatusIdle {
		t.Errorf("stopped record status = %q, want %q", store.activity[2].status, domain.StatusIdle)
	}
}

func TestSession_UnregisteredDevicePromotes(t *testing.T) {
	store := &fakeVehicleStore{}
	client, srv, _, _ := startSession(t, testConfig(), store)

	// Unknown devices complete the handshake anyway.
	handshake(t, client, testIMEI)
	devices := srv.Registry().Snapshot()
	if len(devices) != 1 || !devices[0].Unregistered {
		t.Fatalf("registry = %+v, want one unregistered entry", devices)
	}

	// Records are acknowledged but not persisted while unregistered.
	rec := telemetryRecord(28.61, 77.20, nil)
	client.Write(codec.EncodePacket(codec.Codec8E, []codec.Record{rec}))
	if ack := readAck(t, client); ack != 1 {
		t.Fatalf("ack = %d, want 1", ack)
	}
	if gps, _ := store.counts(); gps != 0 {
		t.Fatalf("unregistered device persisted %d fixes", gps)
	}

	// Registration lands mid-session; the next batch promotes and persists.
	store.register(testIMEI, &domain.Vehicle{ID: "TRK-009"})
	client.Write(codec.EncodePacket(codec.Codec8E, []codec.Record{rec}))
	if ack := readAck(t, client); ack != 1 {
		t.Fatalf("ack = %d, want 1", ack)
	}
	if gps, _ := store.counts(); gps != 1 {
		t.Fatalf("promoted device persisted %d fixes, want 1", gps)
	}
	devices = srv.Registry().Snapshot()
	if len(devices) != 1 || devices[0].Unregistered || devices[0].VehicleID != "TRK-009" {
		t.Fatalf("registry after promotion = %+v", devices)
	}
}

func TestSession_ZeroFixSuppressed(t *testing.T) {
	store := &fakeVehicleStore{}
	store.register(testIMEI, &domain.Vehicle{ID: "TRK-001"})
	client, _, bus, _ := startSession(t, testConfig(), store)
	handshake(t, client, testIMEI)

	// No GPS lock reads as exactly (0,0); CAN data still flows through.
	rec := telemetryRecord(0, 0, map[uint16]codec.IOValue{
		24: {Kind: codec.IOU16, Uint: 800},
	})
	client.Write(codec.EncodePacket(codec.Codec8E, []codec.Record{rec}))
	if ack := readAck(t, client); ack != 1 {
		t.Fatalf("ack = %d, want 1", ack)
	}

	gps, can := store.counts()
	if gps != 0 {
		t.Errorf("zero fix persisted as gps record")
	}
	if can != 1 {
		t.Errorf("can snapshot should persist despite missing fix, got %d", can)
	}
	bus.mu.Lock()
	defer bus.mu.Unlock()
	if len(bus.locations) != 0 {
		t.Errorf("zero fix should not publish a location")
	}
}

func TestSession_InvalidFrameSkippedValidFrameProcessed(t *testing.T) {
	store := &fakeVehicleStore{}
	store.register(testIMEI, &domain.Vehicle{ID: "TRK-001"})
	client, _, _, _ := startSession(t, testConfig(), store)
	handshake(t, client, testIMEI)

	bad := codec.EncodePacket(codec.Codec8E, []codec.Record{telemetryRecord(28.61, 77.20, nil)})
	bad[8] = 0x07 // unsupported codec, frame span still intact
	good := codec.EncodePacket(codec.Codec8E, []codec.Record{telemetryRecord(12.9715987, 77.5945627, nil)})

	client.Write(append(append([]byte{}, bad...), good...))

	// Only the good frame is acknowledged.
	if ack := readAck(t, client); ack != 1 {
		t.Fatalf("ack = %d, want 1", ack)
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.gps) != 1 {
		t.Fatalf("persisted fixes = %d, want 1", len(store.gps))
	}
	if got := store.gps[0].Fix.Latitude; got < 12.97 || got > 12.98 {
		t.Errorf("persisted fix latitude = %v, want the valid frame's", got)
	}
}

func TestSession_DesyncClosesAfterRepeatedErrors(t *testing.T) {
	cfg := testConfig()
	cfg.MaxFrameErrors = 2
	store := &fakeVehicleStore{}
	store.register(testIMEI, &domain.Vehicle{ID: "TRK-001"})
	client, _, _, _ := startSession(t, cfg, store)
	handshake(t, client, testIMEI)

	// A non-zero preamble has no recoverable frame span. Each read that
	// fails to resync counts a strike; the session closes at the limit.
	garbage := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0xDE, 0xAD, 0xBE, 0xEF}
	client.Write(garbage)
	client.Write(garbage)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Read(make([]byte, 1)); !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("expected closed connection, got %v", err)
	}
}

func TestSession_PersistFailureDropsRecordKeepsSession(t *testing.T) {
	store := &fakeVehicleStore{}
	store.register(testIMEI, &domain.Vehicle{ID: "TRK-001"})
	client, _, bus, sink := startSession(t, testConfig(), store)
	handshake(t, client, testIMEI)
	store.failInserts(errors.New("connection refused"))

	// The store is down: the record is dropped, but the device still gets
	// its acknowledgement and nothing reaches the broadcast or alert paths.
	rec := telemetryRecord(28.61, 77.20, map[uint16]codec.IOValue{
		72: {Kind: codec.IOU16, Uint: 150},
	})
	client.Write(codec.EncodePacket(codec.Codec8E, []codec.Record{rec}))
	if ack := readAck(t, client); ack != 1 {
		t.Fatalf("ack = %d, want 1 despite persist failure", ack)
	}

	gps, can := store.counts()
	if gps != 0 || can != 0 {
		t.Fatalf("persisted gps=%d can=%d, want 0/0", gps, can)
	}
	bus.mu.Lock()
	locs, canPubs := len(bus.locations), bus.canCount
	bus.mu.Unlock()
	if locs != 0 || canPubs != 0 {
		t.Errorf("published locations=%d can=%d for a dropped record", locs, canPubs)
	}
	sink.mu.Lock()
	snaps := len(sink.snaps)
	sink.mu.Unlock()
	if snaps != 0 {
		t.Errorf("alert sink saw %d snapshots for a dropped record", snaps)
	}

	// The store recovers; the session never noticed.
	store.failInserts(nil)
	client.Write(codec.EncodePacket(codec.Codec8E, []codec.Record{rec}))
	if ack := readAck(t, client); ack != 1 {
		t.Fatalf("ack after recovery = %d, want 1", ack)
	}
	if gps, can := store.counts(); gps != 1 || can != 1 {
		t.Errorf("persisted gps=%d can=%d after recovery, want 1/1", gps, can)
	}
}

func TestSession_IdleTimeoutClosesSession(t *testing.T) {
	cfg := testConfig()
	cfg.IdleTimeout = 200 * time.Millisecond
	store := &fakeVehicleStore{}
	store.register(testIMEI, &domain.Vehicle{ID: "TRK-001"})
	client, srv, _, _ := startSession(t, cfg, store)
	handshake(t, client, testIMEI)

	// A silent device is disconnected once the idle window passes.
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Read(make([]byte, 1)); !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
		t.Fatalf("expected server-side close, got %v", err)
	}
	if n := srv.Registry().Len(); n != 0 {
		t.Errorf("registry len after idle close = %d, want 0", n)
	}
}

func TestSession_ReconnectSurvivesOldSessionClose(t *testing.T) {
	store := &fakeVehicleStore{}
	store.register(testIMEI, &domain.Vehicle{ID: "TRK-001"})
	srv := New(testConfig(), store, &fakeBroadcaster{}, &captureSink{}, zap.NewNop().Sugar())

	dial := func() net.Conn {
		client, server := net.Pipe()
		go srv.handleConn(context.Background(), server)
		return client
	}

	first := dial()
	handshake(t, first, testIMEI)
	second := dial()
	defer second.Close()
	handshake(t, second, testIMEI)
	if n := srv.Registry().Len(); n != 1 {
		t.Fatalf("registry len after reconnect = %d, want 1", n)
	}

	// The abandoned session closing must not evict the live one.
	first.Close()
	for i := 0; i < 20; i++ {
		if srv.Registry().Len() != 1 {
			t.Fatal("old session close evicted the reconnected device")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The live session is still fully functional.
	second.Write(codec.EncodePacket(codec.Codec8E, []codec.Record{telemetryRecord(28.61, 77.20, nil)}))
	if ack := readAck(t, second); ack != 1 {
		t.Fatalf("ack on live session = %d, want 1", ack)
	}
}

func TestSession_MalformedIdentityDropsAndRetries(t *testing.T) {
	store := &fakeVehicleStore{}
	store.register(testIMEI, &domain.Vehicle{ID: "TRK-001"})
	client, _, _, _ := startSession(t, testConfig(), store)

	// Bad identity gets no reply; the buffer resets for the retry.
	if _, err := client.Write(codec.EncodeIdentity("35262509000000X")); err != nil {
		t.Fatalf("write: %v", err)
	}
	handshake(t, client, testIMEI)
}
