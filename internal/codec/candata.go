package codec

import "fleet-monitor/devicegw/internal/domain"

// AVL IO-element identifiers the FMC-class trackers report. Temperature
// values carry the J1939 −40 offset; voltages and distances arrive in
// milli-units; engine hours arrive in seconds.
const (
	ioOdometer        uint16 = 16  // meters
	ioGSMSignal       uint16 = 21  // 1-5
	ioEngineRPM       uint16 = 24  // rpm
	ioDTCCount        uint16 = 30  // active trouble codes
	ioPedalPosition   uint16 = 31  // %
	ioFuelLevel       uint16 = 51  // % from CAN
	ioExternalVoltage uint16 = 66  // mV
	ioBatteryVoltage  uint16 = 67  // mV
	ioCoolantTemp     uint16 = 72  // °C, offset −40
	ioFuelRate        uint16 = 73  // L/h × 20
	ioEngineLoad      uint16 = 74  // %
	ioIntakeAirTemp   uint16 = 75  // °C, offset −40
	ioIntakeManifold  uint16 = 76  // kPa
	ioOilPressure     uint16 = 77  // kPa
	ioAmbientAirTemp  uint16 = 78  // °C, offset −40
	ioVehicleSpeed    uint16 = 191 // km/h from CAN
	ioIgnition        uint16 = 239 // 0=off 1=on
	ioMovement        uint16 = 240 // 0=stationary 1=moving
	ioEngineHours     uint16 = 247 // seconds
	ioTotalFuelUsed   uint16 = 252 // liters
)

// canIDs is the set of identifiers that make a record worth persisting as
// a CAN snapshot; pure-GPS frames carry none of these.
var canIDs = []uint16{
	ioEngineRPM, ioPedalPosition, ioFuelLevel, ioCoolantTemp, ioFuelRate,
	ioEngineLoad, ioIntakeAirTemp, ioIntakeManifold, ioOilPressure,
	ioAmbientAirTemp, ioVehicleSpeed, ioEngineHours, ioTotalFuelUsed,
}

// ExtractCAN maps raw IO elements onto named, unit-correct engine signals.
// It is total: unknown identifiers are ignored and byte-blob values are
// skipped for numeric fields, so it never fails.
func ExtractCAN(elements map[uint16]IOValue) domain.CanSnapshot {
	var snap domain.CanSnapshot

	if v, ok := numeric(elements, ioEngineRPM); ok {
		snap.EngineRPM = ptr(int(v))
	}
	if v, ok := numeric(elements, ioCoolantTemp); ok {
		snap.CoolantTempC = ptr(float64(v) - 40)
	}
	if v, ok := numeric(elements, ioEngineLoad); ok {
		snap.EngineLoadPct = ptr(float64(v))
	}
	if v, ok := numeric(elements, ioEngineHours); ok {
		snap.EngineHours = ptr(int(v / 3600))
	}
	if v, ok := numeric(elements, ioFuelLevel); ok {
		snap.FuelLevelPct = ptr(float64(v))
	}
	if v, ok := numeric(elements, ioFuelRate); ok {
		snap.FuelRateLph = ptr(float64(v) / 20)
	}
	if v, ok := numeric(elements, ioTotalFuelUsed); ok {
		snap.TotalFuelUsedL = ptr(float64(v))
	}
	if v, ok := numeric(elements, ioVehicleSpeed); ok {
		snap.VehicleSpeedKmh = ptr(float64(v))
	}
	if v, ok := numeric(elements, ioPedalPosition); ok {
		snap.AcceleratorPct = ptr(float64(v))
	}
	if v, ok := numeric(elements, ioOdometer); ok {
		snap.TotalDistanceKm = ptr(float64(v) / 1000)
	}
	if v, ok := numeric(elements, ioExternalVoltage); ok {
		snap.BatteryVoltage = ptr(float64(v) / 1000)
	}
	if v, ok := numeric(elements, ioIntakeAirTemp); ok {
		snap.IntakeAirTempC = ptr(float64(v) - 40)
	}
	if v, ok := numeric(elements, ioIntakeManifold); ok {
		snap.IntakeManifoldKPa = ptr(float64(v))
	}
	if v, ok := numeric(elements, ioOilPressure); ok {
		snap.OilPressureKPa = ptr(float64(v))
	}
	if v, ok := numeric(elements, ioAmbientAirTemp); ok {
		snap.AmbientAirTempC = ptr(float64(v) - 40)
	}
	if v, ok := numeric(elements, ioDTCCount); ok {
		snap.DTCCount = ptr(int(v))
	}
	if v, ok := numeric(elements, ioIgnition); ok {
		snap.Ignition = ptr(v == 1)
	}

	return snap
}

// HasCANData reports whether any engine-bus identifier is present, so the
// gateway can avoid writing empty snapshots for GPS-only frames.
func HasCANData(elements map[uint16]IOValue) bool {
	for _, id := range canIDs {
		if _, ok := elements[id]; ok {
			return true
		}
	}
	return false
}

func numeric(elements map[uint16]IOValue, id uint16) (uint64, bool) {
	v, ok := elements[id]
	if !ok || v.Kind == IOBytes {
		return 0, false
	}
	return v.Uint, true
}

func ptr[T any](v T) *T { return &v }
