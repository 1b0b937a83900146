package domain

import "time"

// Vehicle is the slice of the fleet registry this service cares about:
// identity, operational status and the rolling fuel/odometer figures that
// CAN data keeps in sync.
type Vehicle struct {
	ID           string
	Status       string
	FuelLevelPct float64
	OdometerKm   float64
}

// Vehicle status values. A vehicle in maintenance is never auto-promoted
// to active by incoming telemetry.
const (
	StatusActive      = "active"
	StatusIdle        = "idle"
	StatusMaintenance = "maintenance"
)

// Priority is the AVL record priority class reported by the device.
type Priority uint8

const (
	PriorityLow   Priority = 0
	PriorityHigh  Priority = 1
	PriorityPanic Priority = 2
)

// GPSFix is one position sample. Latitude/longitude are decimal degrees.
type GPSFix struct {
	Latitude   float64
	Longitude  float64
	AltitudeM  int
	HeadingDeg int
	Satellites int
	SpeedKmh   int
}

// IsZero reports whether the fix is the (0,0) "no fix" sentinel the
// trackers emit before GPS lock. Such fixes are never persisted.
func (f GPSFix) IsZero() bool {
	return f.Latitude == 0 && f.Longitude == 0
}

// GPSRecord is a fix bound to a vehicle, ready for persistence.
type GPSRecord struct {
	VehicleID  string
	DeviceIMEI string
	Fix        GPSFix
	Priority   Priority
	EventID    uint16
	RecordedAt time.Time
}

// CanSnapshot is the named projection of a record's IO elements. Every
// field is optional: presence depends on which IO IDs the device sent,
// and absent fields persist as NULL.
type CanSnapshot struct {
	EngineRPM         *int
	CoolantTempC      *float64
	EngineLoadPct     *float64
	EngineHours       *int
	FuelLevelPct      *float64
	FuelRateLph       *float64
	TotalFuelUsedL    *float64
	VehicleSpeedKmh   *float64
	AcceleratorPct    *float64
	TotalDistanceKm   *float64
	BatteryVoltage    *float64
	IntakeAirTempC    *float64
	IntakeManifoldKPa *float64
	OilPressureKPa    *float64
	AmbientAirTempC   *float64
	DTCCount          *int
	Ignition          *bool
}

// CANRecord is a snapshot bound to a vehicle, ready for persistence.
// RawIO carries the original IO-element map as JSON for debugging.
type CANRecord struct {
	VehicleID  string
	DeviceIMEI string
	Snapshot   CanSnapshot
	RawIO      []byte
	RecordedAt time.Time
}

// LocationUpdate is the combined live-position payload published to the
// broadcast boundary after each persisted fix.
type LocationUpdate struct {
	VehicleID    string
	Fix          GPSFix
	FuelLevelPct float64
	RecordedAt   time.Time
}

type AlertType string

const (
	AlertEngineWarning AlertType = "engine_warning"
	AlertLowFuel       AlertType = "low_fuel"
)

type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is a generated operator notice. Acknowledgement happens outside
// this service; unacknowledged alerts drive the dedup window.
type Alert struct {
	ID           int64
	VehicleID    string
	Type         AlertType
	Title        string
	Message      string
	Severity     AlertSeverity
	Metadata     map[string]any
	Acknowledged bool
	CreatedAt    time.Time
}
