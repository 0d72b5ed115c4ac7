package main

import (
	"context"
	"fmt"
	"log"

	"github.com/jackc/pgx/v5"

	"fleet-monitor/aggregator/internal/config"
)

func main() {
	cfg, err := config.Load(nil)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx := context.Background()

	fmt.Println("Connecting to TimescaleDB...")
	conn, err := pgx.Connect(ctx, cfg.PostgresURL())
	if err != nil {
		log.Fatalf("Connection failed: %v\n\nMake sure TimescaleDB is running:\n  docker-compose up -d timescaledb", err)
	}
	defer conn.Close(ctx)
	fmt.Println("✓ Connected")

	createExtension(ctx, conn)
	createFaultEvents(ctx, conn)
	createAlerts(ctx, conn)
	createIndexes(ctx, conn)
	verify(ctx, conn)

	fmt.Println("\n✅ Fault archive initialised")
	fmt.Println("   Run next: go run ./scripts/seed_redis")
}

func createExtension(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Extensions ──────────────────────────────────")
	execOrFatal(ctx, conn,
		"CREATE EXTENSION IF NOT EXISTS timescaledb CASCADE;",
		"timescaledb extension",
	)
}

// Column order must match store.faultEventColumns.
func createFaultEvents(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── fault_events table ──────────────────────────")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS fault_events (
			time         TIMESTAMPTZ NOT NULL,
			received_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			asset_id     TEXT        NOT NULL,
			vin          TEXT        NOT NULL DEFAULT '',
			serial       TEXT        NOT NULL DEFAULT '',
			fault_id     TEXT        NOT NULL,
			code         TEXT        NOT NULL,
			description  TEXT        NOT NULL DEFAULT '',
			severity     TEXT        NOT NULL,
			active       BOOLEAN     NOT NULL,
			spn          INTEGER,
			fmi          INTEGER,
			lamp_on      BOOLEAN     NOT NULL DEFAULT false,
			-- empty unless the row records a manual clear
			cleared_by   TEXT        NOT NULL DEFAULT '',
			raw          JSONB,

			CONSTRAINT chk_fault_severity CHECK (
				severity IN ('critical', 'warning', 'info', 'unknown')
			)
		);
	`, "fault_events table created")

	execOrFatal(ctx, conn, `
		SELECT create_hypertable('fault_events', 'time', if_not_exists => TRUE);
	`, "fault_events converted to hypertable")
}

func createAlerts(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── asset_alerts table ──────────────────────────")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS asset_alerts (
			id               BIGSERIAL   PRIMARY KEY,
			asset_id         TEXT        NOT NULL,
			vin              TEXT        NOT NULL DEFAULT '',
			code             TEXT        NOT NULL,
			severity         TEXT        NOT NULL,
			description      TEXT        NOT NULL DEFAULT '',
			fault_time       TIMESTAMPTZ NOT NULL,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			acknowledged_at  TIMESTAMPTZ,
			acknowledged_by  TEXT,

			UNIQUE (asset_id, code, fault_time)
		);
	`, "asset_alerts table created")
}

func createIndexes(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Indexes ─────────────────────────────────────")

	indexes := []struct {
		name string
		sql  string
		use  string
	}{
		{
			name: "idx_fault_events_asset_time",
			sql: `CREATE INDEX IF NOT EXISTS idx_fault_events_asset_time
				  ON fault_events (asset_id, time DESC);`,
			use: "fault history for one asset",
		},
		{
			name: "idx_fault_events_code_time",
			sql: `CREATE INDEX IF NOT EXISTS idx_fault_events_code_time
				  ON fault_events (code, time DESC);`,
			use: "fleet-wide occurrences of one code",
		},
		{
			name: "idx_alerts_asset",
			sql: `CREATE INDEX IF NOT EXISTS idx_alerts_asset
				  ON asset_alerts (asset_id, created_at DESC);`,
			use: "alerts for one asset",
		},
		{
			name: "idx_alerts_unacknowledged",
			sql: `CREATE INDEX IF NOT EXISTS idx_alerts_unacknowledged
				  ON asset_alerts (created_at DESC)
				  WHERE acknowledged_at IS NULL;`,
			use: "open alerts",
		},
	}

	for _, idx := range indexes {
		execOrFatal(ctx, conn, idx.sql, fmt.Sprintf("%-32s ← %s", idx.name, idx.use))
	}
}

func verify(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Verification ────────────────────────────────")

	for _, table := range []string{"fault_events", "asset_alerts"} {
		var exists bool
		err := conn.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM information_schema.tables WHERE table_name = $1
			)
		`, table).Scan(&exists)
		if err != nil || !exists {
			log.Fatalf("Table %s was not created: %v", table, err)
		}
		fmt.Printf("  ✓ table: %s\n", table)
	}

	var hypertable string
	err := conn.QueryRow(ctx, `
		SELECT hypertable_name
		FROM timescaledb_information.hypertables
		WHERE hypertable_name = 'fault_events'
	`).Scan(&hypertable)
	if err != nil {
		log.Fatalf("fault_events is not a hypertable: %v", err)
	}
	fmt.Printf("  ✓ hypertable: %s\n", hypertable)
}

func execOrFatal(ctx context.Context, conn *pgx.Conn, sql, label string) {
	if _, err := conn.Exec(ctx, sql); err != nil {
		log.Fatalf("FAILED: %s\nError: %v\nSQL: %s", label, err, sql)
	}
	fmt.Printf("  ✓ %s\n", label)
}
