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
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file — using system environment variables")
	}

	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s",
		seedGetEnv("DB_USER", "fleet_user"),
		seedGetEnv("DB_PASSWORD", "fleet_password"),
		seedGetEnv("DB_HOST", "localhost"),
		seedGetEnv("DB_PORT", "5432"),
		seedGetEnv("DB_NAME", "fleet_monitor"),
	)

	ctx := context.Background()

	fmt.Println("Connecting to Postgres...")
	conn, err := pgx.Connect(ctx, connStr)
	if err != nil {
		log.Fatalf("Connection failed: %v\n\nRun init_db first:\n  go run scripts/init_db/init_db.go", err)
	}
	defer conn.Close(ctx)
	fmt.Println("✓ Connected")

	step1_trucks(ctx, conn)
	step2_verify(ctx, conn)

	fmt.Println("\n✅ Fleet seeded successfully")
	fmt.Println("   Devices with these IMEIs will resolve to registered vehicles")
}

func step1_trucks(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 1: Seeding trucks ──────────────────────")

	// IMEI → truck binding the gateway resolves during the handshake.
	trucks := []struct {
		id   string
		imei string
	}{
		{"TRK-001", "352625090000001"},
		{"TRK-002", "352625090000002"},
		{"TRK-003", "352625090000003"},
		{"TRK-004", "352625090000004"},
	}

	for _, t := range trucks {
		_, err := conn.Exec(ctx, `
			INSERT INTO trucks (id, status, gps_device_imei)
			VALUES ($1, 'idle', $2)
			ON CONFLICT (id) DO UPDATE SET gps_device_imei = EXCLUDED.gps_device_imei
		`, t.id, t.imei)
		if err != nil {
			log.Fatalf("Failed to seed truck %s: %v", t.id, err)
		}
		fmt.Printf("  ✓ %-10s → %s\n", t.id, t.imei)
	}
}

func step2_verify(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 2: Verification ────────────────────────")

	var count int
	if err := conn.QueryRow(ctx,
		`SELECT COUNT(*) FROM trucks WHERE gps_device_imei IS NOT NULL`,
	).Scan(&count); err != nil {
		log.Fatalf("Verification failed: %v", err)
	}
	fmt.Printf("  ✓ %d trucks bound to device IMEIs\n", count)

	var truckID string
	if err := conn.QueryRow(ctx,
		`SELECT id FROM trucks WHERE gps_device_imei = '352625090000001'`,
	).Scan(&truckID); err != nil {
		log.Fatalf("Spot check failed: %v", err)
	}
	fmt.Printf("  ✓ spot check: 352625090000001 → %s\n", truckID)
}

func seedGetEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
