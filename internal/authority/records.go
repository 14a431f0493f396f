package authority

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"offline-sync-core/internal/database"
	"offline-sync-core/internal/remote"
)

var schema = map[string][]string{
	database.DriverSQLite: {
		`CREATE TABLE IF NOT EXISTS records (
			tbl TEXT NOT NULL,
			id TEXT NOT NULL,
			data TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (tbl, id)
		)`,
		`CREATE TABLE IF NOT EXISTS applied_operations (
			operation_id TEXT PRIMARY KEY,
			response TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)`,
	},
	database.DriverMySQL: {
		`CREATE TABLE IF NOT EXISTS records (
			tbl VARCHAR(64) NOT NULL,
			id VARCHAR(191) NOT NULL,
			data LONGTEXT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (tbl, id)
		)`,
		`CREATE TABLE IF NOT EXISTS applied_operations (
			operation_id VARCHAR(64) PRIMARY KEY,
			response TEXT NOT NULL,
			applied_at BIGINT NOT NULL
		)`,
	},
}

var upsertRecord = map[string]string{
	database.DriverSQLite: `INSERT INTO records (tbl, id, data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (tbl, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
	database.DriverMySQL: `INSERT INTO records (tbl, id, data, updated_at) VALUES (?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE data = VALUES(data), updated_at = VALUES(updated_at)`,
}

// Migrate creates the authority tables if they do not exist.
func (s *Server) Migrate(ctx context.Context) error {
	stmts, ok := schema[s.db.Driver]
	if !ok {
		return fmt.Errorf("no schema for driver %q", s.db.Driver)
	}
	for _, q := range stmts {
		if _, err := s.db.DB.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("failed to migrate: %w", err)
		}
	}
	return nil
}

// Record is the authority's copy of one row.
type Record struct {
	Table     string          `json:"table"`
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadRecord(ctx context.Context, q queryer, table, id string) (Record, bool, error) {
	var (
		data string
		ts   int64
	)
	err := q.QueryRowContext(ctx,
		`SELECT data, updated_at FROM records WHERE tbl = ? AND id = ?`, table, id).Scan(&data, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("load %s/%s: %w", table, id, err)
	}
	return Record{Table: table, ID: id, Data: json.RawMessage(data), UpdatedAt: time.Unix(0, ts).UTC()}, true, nil
}

func (s *Server) saveRecord(ctx context.Context, tx *sql.Tx, rec Record) error {
	_, err := tx.ExecContext(ctx, upsertRecord[s.db.Driver], rec.Table, rec.ID, string(rec.Data), rec.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("save %s/%s: %w", rec.Table, rec.ID, err)
	}
	return nil
}

func deleteRecord(ctx context.Context, tx *sql.Tx, table, id string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE tbl = ? AND id = ?`, table, id); err != nil {
		return fmt.Errorf("delete %s/%s: %w", table, id, err)
	}
	return nil
}

func priorResponse(ctx context.Context, tx *sql.Tx, opID string) (remote.Response, bool, error) {
	var raw string
	err := tx.QueryRowContext(ctx,
		`SELECT response FROM applied_operations WHERE operation_id = ?`, opID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return remote.Response{}, false, nil
	}
	if err != nil {
		return remote.Response{}, false, fmt.Errorf("load applied operation %s: %w", opID, err)
	}
	var resp remote.Response
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return remote.Response{}, false, fmt.Errorf("decode applied operation %s: %w", opID, err)
	}
	return resp, true, nil
}

func rememberResponse(ctx context.Context, tx *sql.Tx, resp remote.Response, at time.Time) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO applied_operations (operation_id, response, applied_at) VALUES (?, ?, ?)`,
		resp.OperationID, string(raw), at.UnixNano())
	if err != nil {
		return fmt.Errorf("remember operation %s: %w", resp.OperationID, err)
	}
	return nil
}
