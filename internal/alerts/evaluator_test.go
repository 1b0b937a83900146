package alerts

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"fleet-monitor/devicegw/internal/domain"
)

func ptr[T any](v T) *T { return &v }

// fakeStore keeps inserted alerts in memory and answers the dedup lookup
// from them, mirroring the partial-index query the real store runs.
type fakeStore struct {
	alerts    []*domain.Alert
	insertErr error
	lookupErr error
}

func (s *fakeStore) FindRecentUnacknowledgedAlert(_ context.Context, vehicleID string, typ domain.AlertType, within time.Duration) (*domain.Alert, error) {
	if s.lookupErr != nil {
		return nil, s.lookupErr
	}
	cutoff := time.Now().Add(-within)
	for i := len(s.alerts) - 1; i >= 0; i-- {
		a := s.alerts[i]
		if a.VehicleID == vehicleID && a.Type == typ && !a.Acknowledged && a.CreatedAt.After(cutoff) {
			return a, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) InsertAlert(_ context.Context, alert *domain.Alert) (*domain.Alert, error) {
	if s.insertErr != nil {
		return nil, s.insertErr
	}
	saved := *alert
	saved.ID = int64(len(s.alerts) + 1)
	saved.CreatedAt = time.Now()
	s.alerts = append(s.alerts, &saved)
	return &saved, nil
}

type fakeBus struct {
	published []*domain.Alert
}

func (b *fakeBus) PublishAlert(_ context.Context, alert *domain.Alert) error {
	b.published = append(b.published, alert)
	return nil
}

func newTestEvaluator(store *fakeStore, bus *fakeBus) *Evaluator {
	return NewEvaluator(store, bus, time.Hour, zap.NewNop().Sugar())
}

func TestProcess_Thresholds(t *testing.T) {
	tests := []struct {
		name         string
		snap         domain.CanSnapshot
		wantType     domain.AlertType
		wantSeverity domain.AlertSeverity
		wantNone     bool
	}{
		{
			name:         "coolant critical at 110",
			snap:         domain.CanSnapshot{CoolantTempC: ptr(110.0)},
			wantType:     domain.AlertEngineWarning,
			wantSeverity: domain.SeverityCritical,
		},
		{
			name:         "coolant warning at 100",
			snap:         domain.CanSnapshot{CoolantTempC: ptr(100.0)},
			wantType:     domain.AlertEngineWarning,
			wantSeverity: domain.SeverityWarning,
		},
		{
			name:     "coolant normal",
			snap:     domain.CanSnapshot{CoolantTempC: ptr(92.0)},
			wantNone: true,
		},
		{
			name:         "rpm above redline",
			snap:         domain.CanSnapshot{EngineRPM: ptr(3600)},
			wantType:     domain.AlertEngineWarning,
			wantSeverity: domain.SeverityWarning,
		},
		{
			name:     "rpm at limit does not fire",
			snap:     domain.CanSnapshot{EngineRPM: ptr(3500)},
			wantNone: true,
		},
		{
			name:         "low oil pressure",
			snap:         domain.CanSnapshot{OilPressureKPa: ptr(50.0)},
			wantType:     domain.AlertEngineWarning,
			wantSeverity: domain.SeverityCritical,
		},
		{
			name:     "zero oil pressure means not reported",
			snap:     domain.CanSnapshot{OilPressureKPa: ptr(0.0)},
			wantNone: true,
		},
		{
			name:         "battery undervoltage",
			snap:         domain.CanSnapshot{BatteryVoltage: ptr(11.0)},
			wantType:     domain.AlertEngineWarning,
			wantSeverity: domain.SeverityWarning,
		},
		{
			name:         "battery overcharge",
			snap:         domain.CanSnapshot{BatteryVoltage: ptr(15.4)},
			wantType:     domain.AlertEngineWarning,
			wantSeverity: domain.SeverityWarning,
		},
		{
			name:     "battery nominal",
			snap:     domain.CanSnapshot{BatteryVoltage: ptr(13.8)},
			wantNone: true,
		},
		{
			name:         "dtc warning",
			snap:         domain.CanSnapshot{DTCCount: ptr(2)},
			wantType:     domain.AlertEngineWarning,
			wantSeverity: domain.SeverityWarning,
		},
		{
			name:         "dtc escalates to critical",
			snap:         domain.CanSnapshot{DTCCount: ptr(4)},
			wantType:     domain.AlertEngineWarning,
			wantSeverity: domain.SeverityCritical,
		},
		{
			name:         "fuel warning at 30",
			snap:         domain.CanSnapshot{FuelLevelPct: ptr(30.0)},
			wantType:     domain.AlertLowFuel,
			wantSeverity: domain.SeverityWarning,
		},
		{
			name:         "fuel critical at 15",
			snap:         domain.CanSnapshot{FuelLevelPct: ptr(15.0)},
			wantType:     domain.AlertLowFuel,
			wantSeverity: domain.SeverityCritical,
		},
		{
			name:     "empty snapshot",
			snap:     domain.CanSnapshot{},
			wantNone: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &fakeStore{}
			bus := &fakeBus{}
			newTestEvaluator(store, bus).Process(context.Background(), "TRK-001", tt.snap)

			if tt.wantNone {
				if len(store.alerts) != 0 {
					t.Fatalf("expected no alerts, got %d (%+v)", len(store.alerts), store.alerts[0])
				}
				return
			}
			if len(store.alerts) != 1 {
				t.Fatalf("expected 1 alert, got %d", len(store.alerts))
			}
			a := store.alerts[0]
			if a.Type != tt.wantType || a.Severity != tt.wantSeverity {
				t.Errorf("alert = %s/%s, want %s/%s", a.Type, a.Severity, tt.wantType, tt.wantSeverity)
			}
			if a.VehicleID != "TRK-001" {
				t.Errorf("vehicle = %q, want TRK-001", a.VehicleID)
			}
			if len(bus.published) != 1 {
				t.Errorf("published = %d, want 1", len(bus.published))
			}
		})
	}
}

func TestProcess_DedupWindow(t *testing.T) {
	store := &fakeStore{}
	bus := &fakeBus{}
	ev := newTestEvaluator(store, bus)
	snap := domain.CanSnapshot{CoolantTempC: ptr(112.0)}

	ev.Process(context.Background(), "TRK-001", snap)
	ev.Process(context.Background(), "TRK-001", snap)
	if len(store.alerts) != 1 {
		t.Fatalf("repeat within window should be suppressed, got %d alerts", len(store.alerts))
	}

	// A different vehicle is never suppressed by TRK-001's alert.
	ev.Process(context.Background(), "TRK-002", snap)
	if len(store.alerts) != 2 {
		t.Fatalf("other vehicle should alert independently, got %d", len(store.alerts))
	}

	// Acknowledging the open alert re-arms the rule.
	store.alerts[0].Acknowledged = true
	ev.Process(context.Background(), "TRK-001", snap)
	if len(store.alerts) != 3 {
		t.Fatalf("acknowledged alert should not suppress, got %d", len(store.alerts))
	}

	// So does the window elapsing.
	store.alerts[2].CreatedAt = time.Now().Add(-2 * time.Hour)
	ev.Process(context.Background(), "TRK-001", snap)
	if len(store.alerts) != 4 {
		t.Fatalf("expired alert should not suppress, got %d", len(store.alerts))
	}
}

func TestProcess_SharedTypeSuppressesWithinWindow(t *testing.T) {
	store := &fakeStore{}
	bus := &fakeBus{}
	ev := newTestEvaluator(store, bus)

	// Coolant and RPM both map to engine_warning; one open engine_warning
	// suppresses the second finding in the same pass.
	ev.Process(context.Background(), "TRK-001", domain.CanSnapshot{
		CoolantTempC: ptr(115.0),
		EngineRPM:    ptr(3800),
	})
	if len(store.alerts) != 1 {
		t.Fatalf("expected 1 engine_warning, got %d", len(store.alerts))
	}

	// A low-fuel finding is a different type and still fires.
	ev.Process(context.Background(), "TRK-001", domain.CanSnapshot{
		CoolantTempC: ptr(115.0),
		FuelLevelPct: ptr(10.0),
	})
	if len(store.alerts) != 2 {
		t.Fatalf("expected low_fuel alongside open engine_warning, got %d", len(store.alerts))
	}
	if store.alerts[1].Type != domain.AlertLowFuel {
		t.Errorf("second alert type = %s, want %s", store.alerts[1].Type, domain.AlertLowFuel)
	}
}

func TestProcess_StoreFailuresAreNonFatal(t *testing.T) {
	snap := domain.CanSnapshot{CoolantTempC: ptr(115.0)}

	store := &fakeStore{lookupErr: errors.New("db down")}
	bus := &fakeBus{}
	newTestEvaluator(store, bus).Process(context.Background(), "TRK-001", snap)
	if len(store.alerts) != 0 || len(bus.published) != 0 {
		t.Error("lookup failure should skip the finding")
	}

	store = &fakeStore{insertErr: errors.New("db down")}
	bus = &fakeBus{}
	newTestEvaluator(store, bus).Process(context.Background(), "TRK-001", snap)
	if len(bus.published) != 0 {
		t.Error("insert failure should not publish")
	}
}
