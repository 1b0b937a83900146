// Package store implements the persistence and broadcast boundaries:
// Postgres for vehicles, GPS fixes, CAN snapshots and alerts; Redis for
// live-state fan-out.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fleet-monitor/devicegw/internal/config"
	"fleet-monitor/devicegw/internal/domain"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(ctx context.Context, cfg *config.Config) (*Store, error) {
	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?pool_max_conns=%d",
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBHost,
		cfg.DBPort,
		cfg.DBName,
		cfg.DBMaxConns,
	)

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create db pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// FindVehicleByIdentity resolves a device identity to its vehicle. Devices
// are provisioned with either field populated, so both are matched. A nil
// vehicle with nil error means the device is not registered.
func (s *Store) FindVehicleByIdentity(ctx context.Context, imei string) (*domain.Vehicle, error) {
	const query = `
		SELECT id, status,
		       COALESCE(current_fuel_level, 0),
		       COALESCE(odometer, 0)
		FROM trucks
		WHERE gps_device_imei = $1 OR gps_device_id = $1
	`
	var v domain.Vehicle
	err := s.pool.QueryRow(ctx, query, imei).Scan(&v.ID, &v.Status, &v.FuelLevelPct, &v.OdometerKm)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("vehicle lookup for %s failed: %w", imei, err)
	}
	return &v, nil
}

func (s *Store) InsertGPSFix(ctx context.Context, rec domain.GPSRecord) error {
	const query = `
		INSERT INTO gps_data
			(truck_id, device_imei, latitude, longitude, speed, heading,
			 altitude, satellites, priority, event_id, recorded_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := s.pool.Exec(ctx, query,
		rec.VehicleID,
		rec.DeviceIMEI,
		rec.Fix.Latitude,
		rec.Fix.Longitude,
		rec.Fix.SpeedKmh,
		rec.Fix.HeadingDeg,
		rec.Fix.AltitudeM,
		rec.Fix.Satellites,
		int(rec.Priority),
		fmt.Sprintf("%d", rec.EventID),
		rec.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("gps insert for %s failed: %w", rec.VehicleID, err)
	}
	return nil
}

// InsertCANSnapshot appends a snapshot and syncs the rolling fuel and
// odometer figures onto the vehicle row when the snapshot carries them.
func (s *Store) InsertCANSnapshot(ctx context.Context, rec domain.CANRecord) error {
	const query = `
		INSERT INTO can_data
			(truck_id, device_imei, engine_rpm, engine_coolant_temp,
			 engine_load, engine_total_hours, fuel_level_can, fuel_rate,
			 total_fuel_used, vehicle_speed_can, accelerator_pedal_pos,
			 total_distance, battery_voltage, intake_air_temp,
			 intake_manifold_pressure, engine_oil_pressure, ambient_air_temp,
			 dtc_count, raw_io_data, recorded_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			 $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`
	c := rec.Snapshot
	dtc := 0
	if c.DTCCount != nil {
		dtc = *c.DTCCount
	}
	_, err := s.pool.Exec(ctx, query,
		rec.VehicleID,
		rec.DeviceIMEI,
		c.EngineRPM,
		c.CoolantTempC,
		c.EngineLoadPct,
		c.EngineHours,
		c.FuelLevelPct,
		c.FuelRateLph,
		c.TotalFuelUsedL,
		c.VehicleSpeedKmh,
		c.AcceleratorPct,
		c.TotalDistanceKm,
		c.BatteryVoltage,
		c.IntakeAirTempC,
		c.IntakeManifoldKPa,
		c.OilPressureKPa,
		c.AmbientAirTempC,
		dtc,
		rec.RawIO,
		rec.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("can insert for %s failed: %w", rec.VehicleID, err)
	}

	if c.FuelLevelPct != nil || c.TotalDistanceKm != nil {
		const sync = `
			UPDATE trucks SET
				current_fuel_level = COALESCE($2, current_fuel_level),
				odometer           = COALESCE($3, odometer)
			WHERE id = $1
		`
		if _, err := s.pool.Exec(ctx, sync, rec.VehicleID, c.FuelLevelPct, c.TotalDistanceKm); err != nil {
			return fmt.Errorf("vehicle fuel/odometer sync for %s failed: %w", rec.VehicleID, err)
		}
	}
	return nil
}

// UpdateVehicleActivity bumps the device-last-seen timestamp and, when
// status is non-empty, moves the vehicle to that status.
func (s *Store) UpdateVehicleActivity(ctx context.Context, vehicleID, status string, lastSeen time.Time) error {
	var err error
	if status == "" {
		_, err = s.pool.Exec(ctx,
			`UPDATE trucks SET device_last_seen = $2 WHERE id = $1`,
			vehicleID, lastSeen)
	} else {
		_, err = s.pool.Exec(ctx,
			`UPDATE trucks SET device_last_seen = $2, status = $3 WHERE id = $1`,
			vehicleID, lastSeen, status)
	}
	if err != nil {
		return fmt.Errorf("activity update for %s failed: %w", vehicleID, err)
	}
	return nil
}

// FindRecentUnacknowledgedAlert is the dedup lookup: the newest
// unacknowledged alert of the given (vehicle, type) created within the
// window, or nil.
func (s *Store) FindRecentUnacknowledgedAlert(ctx context.Context, vehicleID string, typ domain.AlertType, within time.Duration) (*domain.Alert, error) {
	const query = `
		SELECT id, truck_id, type, title, message, severity, created_at
		FROM alerts
		WHERE truck_id = $1
		  AND type = $2
		  AND acknowledged = false
		  AND created_at > NOW() - $3::interval
		ORDER BY created_at DESC
		LIMIT 1
	`
	var a domain.Alert
	err := s.pool.QueryRow(ctx, query, vehicleID, string(typ), within).
		Scan(&a.ID, &a.VehicleID, &a.Type, &a.Title, &a.Message, &a.Severity, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("alert dedup lookup for %s/%s failed: %w", vehicleID, typ, err)
	}
	return &a, nil
}

func (s *Store) InsertAlert(ctx context.Context, alert *domain.Alert) (*domain.Alert, error) {
	metadata, err := json.Marshal(alert.Metadata)
	if err != nil {
		return nil, fmt.Errorf("alert metadata marshal failed: %w", err)
	}
	const query = `
		INSERT INTO alerts (truck_id, type, title, message, severity, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	saved := *alert
	err = s.pool.QueryRow(ctx, query,
		alert.VehicleID,
		string(alert.Type),
		alert.Title,
		alert.Message,
		string(alert.Severity),
		metadata,
	).Scan(&saved.ID, &saved.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("alert insert for %s failed: %w", alert.VehicleID, err)
	}
	return &saved, nil
}
