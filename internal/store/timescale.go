package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"fleet-monitor/aggregator/internal/config"
	"fleet-monitor/aggregator/internal/domain"
)

// TimescaleStore archives fault events and alerts. The engine never reads
// from it.
type TimescaleStore struct {
	pool *pgxpool.Pool
}

func NewTimescaleStore(ctx context.Context, cfg *config.Config) (*TimescaleStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresURL())
	if err != nil {
		return nil, fmt.Errorf("failed to parse db config: %w", err)
	}
	if cfg.DBMaxConns > 0 {
		poolCfg.MaxConns = cfg.DBMaxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create db pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	return &TimescaleStore{pool: pool}, nil
}

func (s *TimescaleStore) Close() {
	s.pool.Close()
}

func (s *TimescaleStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

var faultEventColumns = []string{
	"time",
	"asset_id",
	"vin",
	"serial",
	"fault_id",
	"code",
	"description",
	"severity",
	"active",
	"spn",
	"fmi",
	"lamp_on",
	"cleared_by",
	"raw",
}

// FaultEventRows converts events to CopyFrom rows in faultEventColumns order.
func FaultEventRows(events []domain.FaultEvent) ([][]interface{}, error) {
	rows := make([][]interface{}, len(events))
	for i, e := range events {
		raw, err := json.Marshal(e)
		if err != nil {
			return nil, fmt.Errorf("marshal fault event %s: %w", e.ID, err)
		}
		var spn, fmi *int
		var lampOn bool
		var clearedBy string
		if e.Meta != nil {
			spn, fmi, lampOn, clearedBy = e.Meta.SPN, e.Meta.FMI, e.Meta.LampOn, e.Meta.ClearedBy
		}
		rows[i] = []interface{}{
			e.Time,
			e.AssetID,
			e.VIN,
			e.Serial,
			e.ID,
			e.Code,
			e.Description,
			string(e.Severity),
			e.Active,
			spn,
			fmi,
			lampOn,
			clearedBy,
			string(raw),
		}
	}
	return rows, nil
}

func (s *TimescaleStore) BatchInsertFaults(ctx context.Context, events []domain.FaultEvent) error {
	if len(events) == 0 {
		return nil
	}

	rows, err := FaultEventRows(events)
	if err != nil {
		return err
	}

	_, err = s.pool.CopyFrom(
		ctx,
		pgx.Identifier{"fault_events"},
		faultEventColumns,
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("CopyFrom failed for batch of %d: %w", len(events), err)
	}

	return nil
}

func (s *TimescaleStore) InsertAlert(ctx context.Context, e domain.FaultEvent) error {
	query := `
		INSERT INTO asset_alerts
			(asset_id, vin, code, severity, description, fault_time, created_at)
		VALUES
			($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT DO NOTHING
	`
	_, err := s.pool.Exec(
		ctx,
		query,
		e.AssetID,
		e.VIN,
		e.Code,
		string(e.Severity),
		e.Description,
		e.Time,
	)
	return err
}
