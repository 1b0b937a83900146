package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found — using system environment variables")
	}

	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s",
		dbGetEnv("DB_USER", "fleet_user"),
		dbGetEnv("DB_PASSWORD", "fleet_password"),
		dbGetEnv("DB_HOST", "localhost"),
		dbGetEnv("DB_PORT", "5432"),
		dbGetEnv("DB_NAME", "fleet_monitor"),
	)

	ctx := context.Background()

	fmt.Println("Connecting to Postgres...")
	conn, err := pgx.Connect(ctx, connStr)
	if err != nil {
		log.Fatalf("Connection failed: %v\n\nMake sure Postgres is running:\n  docker-compose up -d postgres", err)
	}
	defer conn.Close(ctx)
	fmt.Println("✓ Connected")

	step1_trucks_table(ctx, conn)
	step2_gps_table(ctx, conn)
	step3_can_table(ctx, conn)
	step4_alerts_table(ctx, conn)
	step5_indexes(ctx, conn)
	step6_verify(ctx, conn)

	fmt.Println("\n✅ Database initialised successfully")
	fmt.Println("   Run next: go run scripts/seed_fleet/seed_fleet.go")
}

// ─────────────────────────────────────────────────────────────
// Step 1 — trucks table (the vehicle registry slice we consume)
// ─────────────────────────────────────────────────────────────
func step1_trucks_table(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 1: trucks table ────────────────────────")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS trucks (
			id                 VARCHAR(20)  PRIMARY KEY,
			status             VARCHAR(20)  NOT NULL DEFAULT 'idle',
			current_fuel_level DOUBLE PRECISION DEFAULT 0,
			odometer           DOUBLE PRECISION DEFAULT 0,

			-- Device binding; devices report either identifier
			gps_device_imei    VARCHAR(50),
			gps_device_id      VARCHAR(50),
			device_last_seen   TIMESTAMPTZ
		);
	`, "trucks table created")
}

// ─────────────────────────────────────────────────────────────
// Step 2 — gps_data table
// ─────────────────────────────────────────────────────────────
func step2_gps_table(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 2: gps_data table ──────────────────────")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS gps_data (
			id          BIGSERIAL PRIMARY KEY,
			truck_id    VARCHAR(20) NOT NULL REFERENCES trucks(id) ON DELETE CASCADE,
			device_imei VARCHAR(50),
			latitude    DECIMAL(10,7) NOT NULL,
			longitude   DECIMAL(10,7) NOT NULL,
			speed       DECIMAL(6,2)  DEFAULT 0,
			heading     DECIMAL(5,2),
			altitude    DECIMAL(8,2),
			satellites  INTEGER,

			-- Tracker record context
			priority    INTEGER DEFAULT 0,
			event_id    VARCHAR(20),

			recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`, "gps_data table created")
}

// ─────────────────────────────────────────────────────────────
// Step 3 — can_data table
// ─────────────────────────────────────────────────────────────
func step3_can_table(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 3: can_data table ──────────────────────")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS can_data (
			id                       BIGSERIAL PRIMARY KEY,
			truck_id                 VARCHAR(20) NOT NULL REFERENCES trucks(id) ON DELETE CASCADE,
			device_imei              VARCHAR(50),

			-- Engine
			engine_rpm               INTEGER,
			engine_coolant_temp      DECIMAL(5,1),
			engine_load              DECIMAL(5,1),
			engine_total_hours       INTEGER,

			-- Fuel
			fuel_level_can           DECIMAL(5,1),
			fuel_rate                DECIMAL(8,2),
			total_fuel_used          DECIMAL(12,2),

			-- Dynamics
			vehicle_speed_can        DECIMAL(6,1),
			accelerator_pedal_pos    DECIMAL(5,1),
			total_distance           DECIMAL(12,2),

			-- Electrics and air path
			battery_voltage          DECIMAL(5,2),
			intake_air_temp          DECIMAL(5,1),
			intake_manifold_pressure DECIMAL(6,1),
			engine_oil_pressure      DECIMAL(6,1),
			ambient_air_temp         DECIMAL(5,1),

			-- Diagnostics
			dtc_count                INTEGER DEFAULT 0,

			raw_io_data              JSONB,
			recorded_at              TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at               TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`, "can_data table created")
}

// ─────────────────────────────────────────────────────────────
// Step 4 — alerts table
// ─────────────────────────────────────────────────────────────
func step4_alerts_table(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 4: alerts table ────────────────────────")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS alerts (
			id              BIGSERIAL PRIMARY KEY,
			truck_id        VARCHAR(20) REFERENCES trucks(id) ON DELETE CASCADE,
			type            VARCHAR(30) NOT NULL,
			title           VARCHAR(255) NOT NULL,
			message         TEXT,
			severity        VARCHAR(10) NOT NULL DEFAULT 'info',
			acknowledged    BOOLEAN NOT NULL DEFAULT false,
			acknowledged_at TIMESTAMPTZ,
			metadata        JSONB,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),

			CONSTRAINT chk_severity CHECK (
				severity IN ('info', 'warning', 'critical')
			)
		);
	`, "alerts table created")
}

// ─────────────────────────────────────────────────────────────
// Step 5 — Indexes
// ─────────────────────────────────────────────────────────────
func step5_indexes(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 5: Indexes ─────────────────────────────")

	indexes := []struct {
		name string
		sql  string
		why  string
	}{
		{
			name: "idx_trucks_device",
			sql: `CREATE INDEX IF NOT EXISTS idx_trucks_device
				  ON trucks (gps_device_imei, gps_device_id);`,
			why: "query: vehicle lookup by device identity",
		},
		{
			name: "idx_gps_truck_time",
			sql: `CREATE INDEX IF NOT EXISTS idx_gps_truck_time
				  ON gps_data (truck_id, recorded_at DESC);`,
			why: "query: position history for one vehicle",
		},
		{
			name: "idx_can_truck_time",
			sql: `CREATE INDEX IF NOT EXISTS idx_can_truck_time
				  ON can_data (truck_id, recorded_at DESC);`,
			why: "query: CAN history for one vehicle",
		},
		{
			name: "idx_can_imei_time",
			sql: `CREATE INDEX IF NOT EXISTS idx_can_imei_time
				  ON can_data (device_imei, recorded_at DESC);`,
			why: "query: CAN history by device",
		},
		{
			name: "idx_alerts_dedup",
			sql: `CREATE INDEX IF NOT EXISTS idx_alerts_dedup
				  ON alerts (truck_id, type, created_at DESC)
				  WHERE acknowledged = false;`,
			why: "query: dedup window lookup (partial index)",
		},
	}

	for _, idx := range indexes {
		execOrFatal(ctx, conn, idx.sql,
			fmt.Sprintf("%-40s ← %s", idx.name, idx.why),
		)
	}
}

// ─────────────────────────────────────────────────────────────
// Step 6 — Verify everything was created
// ─────────────────────────────────────────────────────────────
func step6_verify(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 6: Verification ────────────────────────")

	tables := []string{"trucks", "gps_data", "can_data", "alerts"}
	for _, table := range tables {
		var exists bool
		err := conn.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM information_schema.tables
				WHERE table_name = $1
			)
		`, table).Scan(&exists)
		if err != nil || !exists {
			log.Fatalf("Table %s was not created: %v", table, err)
		}
		fmt.Printf("  ✓ table: %s\n", table)
	}

	var indexCount int
	err := conn.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM pg_indexes
		WHERE tablename IN ('trucks', 'gps_data', 'can_data', 'alerts')
		AND indexname LIKE 'idx_%'
	`).Scan(&indexCount)
	if err != nil {
		log.Fatalf("Index check failed: %v", err)
	}
	fmt.Printf("  ✓ indexes created: %d\n", indexCount)
}

// ─────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────

// execOrFatal runs a SQL statement and prints result or exits on error
func execOrFatal(ctx context.Context, conn *pgx.Conn, sql, label string) {
	_, err := conn.Exec(ctx, sql)
	if err != nil {
		log.Fatalf("FAILED — %s\nError: %v\nSQL: %s", label, err, sql)
	}
	fmt.Printf("  ✓ %s\n", label)
}

func dbGetEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
