// Package alerts turns CAN snapshots into operator alerts: a stateless
// rule table plus persistence-backed de-duplication, so repeated alerts
// survive process restarts without any in-memory window state.
package alerts

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"fleet-monitor/devicegw/internal/domain"
	"fleet-monitor/devicegw/internal/metrics"
)

// Alert thresholds for engine-bus telemetry.
const (
	coolantTempWarning  = 100.0 // °C
	coolantTempCritical = 110.0 // °C
	engineRPMHigh       = 3500
	oilPressureLowKPa   = 100.0
	batteryVoltageLow   = 11.5
	batteryVoltageHigh  = 15.0
	fuelLevelWarning    = 30.0 // %
	fuelLevelCritical   = 15.0 // %
	dtcCountCritical    = 3
)

// Store is the persistence boundary the evaluator needs: the dedup lookup
// and the insert. Implemented by the Postgres store.
type Store interface {
	FindRecentUnacknowledgedAlert(ctx context.Context, vehicleID string, typ domain.AlertType, within time.Duration) (*domain.Alert, error)
	InsertAlert(ctx context.Context, alert *domain.Alert) (*domain.Alert, error)
}

// Broadcaster publishes persisted alerts to live subscribers.
type Broadcaster interface {
	PublishAlert(ctx context.Context, alert *domain.Alert) error
}

// Rule inspects one snapshot and reports at most one candidate alert.
// Absent fields never fire: a nil pointer means "not reported".
type Rule struct {
	Type  domain.AlertType
	Check func(vehicleID string, c domain.CanSnapshot) *Finding
}

// Finding is a candidate alert produced by a firing rule.
type Finding struct {
	Title    string
	Message  string
	Severity domain.AlertSeverity
	Metadata map[string]any
}

// Evaluator applies the rule table and persists non-duplicate findings.
type Evaluator struct {
	store  Store
	bus    Broadcaster
	window time.Duration
	rules  []Rule
	log    *zap.SugaredLogger
}

func NewEvaluator(store Store, bus Broadcaster, dedupWindow time.Duration, log *zap.SugaredLogger) *Evaluator {
	return &Evaluator{
		store:  store,
		bus:    bus,
		window: dedupWindow,
		rules:  defaultRules,
		log:    log,
	}
}

// Process evaluates every rule against the snapshot. An unacknowledged
// alert of the same (vehicle, type) within the dedup window suppresses
// the new one. Store failures skip the finding and keep the session alive.
func (e *Evaluator) Process(ctx context.Context, vehicleID string, snap domain.CanSnapshot) {
	for _, rule := range e.rules {
		finding := rule.Check(vehicleID, snap)
		if finding == nil {
			continue
		}

		existing, err := e.store.FindRecentUnacknowledgedAlert(ctx, vehicleID, rule.Type, e.window)
		if err != nil {
			e.log.Errorw("alert dedup check failed", "vehicle", vehicleID, "type", rule.Type, "error", err)
			continue
		}
		if existing != nil {
			metrics.AlertsSuppressed.Inc()
			continue
		}

		alert := &domain.Alert{
			VehicleID: vehicleID,
			Type:      rule.Type,
			Title:     finding.Title,
			Message:   finding.Message,
			Severity:  finding.Severity,
			Metadata:  finding.Metadata,
		}
		saved, err := e.store.InsertAlert(ctx, alert)
		if err != nil {
			e.log.Errorw("alert insert failed", "vehicle", vehicleID, "type", rule.Type, "error", err)
			continue
		}
		metrics.AlertsFired.Inc()
		e.log.Infow("alert created",
			"vehicle", vehicleID, "type", rule.Type, "severity", finding.Severity)

		if err := e.bus.PublishAlert(ctx, saved); err != nil {
			e.log.Warnw("alert publish failed", "vehicle", vehicleID, "error", err)
		}
	}
}

var defaultRules = []Rule{
	{
		Type: domain.AlertEngineWarning,
		Check: func(vehicleID string, c domain.CanSnapshot) *Finding {
			if c.CoolantTempC == nil {
				return nil
			}
			t := *c.CoolantTempC
			switch {
			case t >= coolantTempCritical:
				return &Finding{
					Title:    fmt.Sprintf("Engine Overheat - %s", vehicleID),
					Message:  fmt.Sprintf("Engine coolant temperature at %.0f°C. STOP VEHICLE IMMEDIATELY.", t),
					Severity: domain.SeverityCritical,
					Metadata: map[string]any{"engine_coolant_temp": t, "source": "can_bus"},
				}
			case t >= coolantTempWarning:
				return &Finding{
					Title:    fmt.Sprintf("High Engine Temp - %s", vehicleID),
					Message:  fmt.Sprintf("Engine coolant temperature at %.0f°C. Monitor closely.", t),
					Severity: domain.SeverityWarning,
					Metadata: map[string]any{"engine_coolant_temp": t, "source": "can_bus"},
				}
			}
			return nil
		},
	},
	{
		Type: domain.AlertEngineWarning,
		Check: func(vehicleID string, c domain.CanSnapshot) *Finding {
			if c.EngineRPM == nil || *c.EngineRPM <= engineRPMHigh {
				return nil
			}
			return &Finding{
				Title:    fmt.Sprintf("High RPM Alert - %s", vehicleID),
				Message:  fmt.Sprintf("Engine RPM at %d. Excessive engine stress detected.", *c.EngineRPM),
				Severity: domain.SeverityWarning,
				Metadata: map[string]any{"engine_rpm": *c.EngineRPM, "source": "can_bus"},
			}
		},
	},
	{
		Type: domain.AlertEngineWarning,
		Check: func(vehicleID string, c domain.CanSnapshot) *Finding {
			// Zero means the sensor did not report, not zero pressure.
			if c.OilPressureKPa == nil || *c.OilPressureKPa <= 0 || *c.OilPressureKPa >= oilPressureLowKPa {
				return nil
			}
			return &Finding{
				Title:    fmt.Sprintf("Low Oil Pressure - %s", vehicleID),
				Message:  fmt.Sprintf("Engine oil pressure at %.0f kPa. Check oil level immediately.", *c.OilPressureKPa),
				Severity: domain.SeverityCritical,
				Metadata: map[string]any{"engine_oil_pressure": *c.OilPressureKPa, "source": "can_bus"},
			}
		},
	},
	{
		Type: domain.AlertEngineWarning,
		Check: func(vehicleID string, c domain.CanSnapshot) *Finding {
			if c.BatteryVoltage == nil {
				return nil
			}
			v := *c.BatteryVoltage
			switch {
			case v < batteryVoltageLow:
				return &Finding{
					Title:    fmt.Sprintf("Low Battery Voltage - %s", vehicleID),
					Message:  fmt.Sprintf("Battery voltage at %.1fV. Check alternator and battery.", v),
					Severity: domain.SeverityWarning,
					Metadata: map[string]any{"battery_voltage": v, "source": "can_bus"},
				}
			case v > batteryVoltageHigh:
				return &Finding{
					Title:    fmt.Sprintf("High Battery Voltage - %s", vehicleID),
					Message:  fmt.Sprintf("Battery voltage at %.1fV. Possible overcharging.", v),
					Severity: domain.SeverityWarning,
					Metadata: map[string]any{"battery_voltage": v, "source": "can_bus"},
				}
			}
			return nil
		},
	},
	{
		Type: domain.AlertEngineWarning,
		Check: func(vehicleID string, c domain.CanSnapshot) *Finding {
			if c.DTCCount == nil || *c.DTCCount == 0 {
				return nil
			}
			severity := domain.SeverityWarning
			if *c.DTCCount > dtcCountCritical {
				severity = domain.SeverityCritical
			}
			return &Finding{
				Title:    fmt.Sprintf("Diagnostic Codes Detected - %s", vehicleID),
				Message:  fmt.Sprintf("%d active diagnostic trouble code(s) detected. Schedule diagnostics.", *c.DTCCount),
				Severity: severity,
				Metadata: map[string]any{"dtc_count": *c.DTCCount, "source": "can_bus"},
			}
		},
	},
	{
		Type: domain.AlertLowFuel,
		Check: func(vehicleID string, c domain.CanSnapshot) *Finding {
			if c.FuelLevelPct == nil || *c.FuelLevelPct > fuelLevelWarning {
				return nil
			}
			severity := domain.SeverityWarning
			advice := "Recommend refueling soon."
			if *c.FuelLevelPct <= fuelLevelCritical {
				severity = domain.SeverityCritical
				advice = "Immediate refueling required."
			}
			return &Finding{
				Title:    fmt.Sprintf("Low Fuel (CAN) - %s", vehicleID),
				Message:  fmt.Sprintf("CAN bus fuel level at %.1f%%. %s", *c.FuelLevelPct, advice),
				Severity: severity,
				Metadata: map[string]any{"fuel_level": *c.FuelLevelPct, "source": "can_bus"},
			}
		},
	},
}
