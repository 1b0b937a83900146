package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"fleet-monitor/devicegw/internal/config"
	"fleet-monitor/devicegw/internal/domain"
)

// Redis keys and channels. The serving layer subscribes to the channels
// and reads the per-vehicle state hashes for its latest-position view.
const (
	channelTelemetry = "fleet:telemetry"
	channelCAN       = "fleet:can"
	channelAlerts    = "fleet:alerts"
	geoKey           = "fleet:geo"

	stateTTL = 30 * time.Second
)

// Broadcast implements the broadcast boundary on Redis: a pipelined
// latest-state write plus a pub/sub publish per update. Callers invoke it
// from the session goroutine, so per-vehicle ordering holds.
type Broadcast struct {
	client *redis.Client
}

func NewBroadcast(ctx context.Context, cfg *config.Config) (*Broadcast, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     20,
		MinIdleConns: 5,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Broadcast{client: client}, nil
}

func (b *Broadcast) Close() error {
	return b.client.Close()
}

func (b *Broadcast) Ping(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}

func (b *Broadcast) PublishLocationUpdate(ctx context.Context, update domain.LocationUpdate) error {
	state := map[string]interface{}{
		"vehicle_id": update.VehicleID,
		"lat":        update.Fix.Latitude,
		"lng":        update.Fix.Longitude,
		"speed_kmh":  update.Fix.SpeedKmh,
		"heading":    update.Fix.HeadingDeg,
		"altitude":   update.Fix.AltitudeM,
		"satellites": update.Fix.Satellites,
		"fuel_pct":   update.FuelLevelPct,
		"timestamp":  update.RecordedAt.Unix(),
	}

	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal location update: %w", err)
	}

	stateKey := fmt.Sprintf("vehicle:%s:state", update.VehicleID)

	pipe := b.client.Pipeline()
	pipe.HSet(ctx, stateKey, state)
	pipe.Expire(ctx, stateKey, stateTTL)
	pipe.GeoAdd(ctx, geoKey, &redis.GeoLocation{
		Name:      update.VehicleID,
		Longitude: update.Fix.Longitude,
		Latitude:  update.Fix.Latitude,
	})
	pipe.Publish(ctx, channelTelemetry, payload)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis pipeline failed: %w", err)
	}
	return nil
}

func (b *Broadcast) PublishCANUpdate(ctx context.Context, vehicleID string, snap domain.CanSnapshot, at time.Time) error {
	payload, err := json.Marshal(map[string]interface{}{
		"vehicle_id": vehicleID,
		"can":        canFields(snap),
		"timestamp":  at.Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal can update: %w", err)
	}
	if err := b.client.Publish(ctx, channelCAN, payload).Err(); err != nil {
		return fmt.Errorf("can publish failed: %w", err)
	}
	return nil
}

func (b *Broadcast) PublishAlert(ctx context.Context, alert *domain.Alert) error {
	payload, err := json.Marshal(map[string]interface{}{
		"id":         alert.ID,
		"vehicle_id": alert.VehicleID,
		"type":       string(alert.Type),
		"title":      alert.Title,
		"message":    alert.Message,
		"severity":   string(alert.Severity),
		"metadata":   alert.Metadata,
		"created_at": alert.CreatedAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}
	if err := b.client.Publish(ctx, channelAlerts, payload).Err(); err != nil {
		return fmt.Errorf("alert publish failed: %w", err)
	}
	return nil
}

// canFields renders only the signals present in the snapshot.
func canFields(c domain.CanSnapshot) map[string]interface{} {
	out := make(map[string]interface{})
	put := func(key string, v any) {
		switch p := v.(type) {
		case *int:
			if p != nil {
				out[key] = *p
			}
		case *float64:
			if p != nil {
				out[key] = *p
			}
		case *bool:
			if p != nil {
				out[key] = *p
			}
		}
	}
	put("engine_rpm", c.EngineRPM)
	put("engine_coolant_temp", c.CoolantTempC)
	put("engine_load", c.EngineLoadPct)
	put("engine_total_hours", c.EngineHours)
	put("fuel_level_can", c.FuelLevelPct)
	put("fuel_rate", c.FuelRateLph)
	put("total_fuel_used", c.TotalFuelUsedL)
	put("vehicle_speed_can", c.VehicleSpeedKmh)
	put("accelerator_pedal_pos", c.AcceleratorPct)
	put("total_distance", c.TotalDistanceKm)
	put("battery_voltage", c.BatteryVoltage)
	put("intake_air_temp", c.IntakeAirTempC)
	put("intake_manifold_pressure", c.IntakeManifoldKPa)
	put("engine_oil_pressure", c.OilPressureKPa)
	put("ambient_air_temp", c.AmbientAirTempC)
	put("dtc_count", c.DTCCount)
	put("ignition", c.Ignition)
	return out
}
