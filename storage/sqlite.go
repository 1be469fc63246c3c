package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/wirebird/wirebird/model"
	"github.com/wirebird/wirebird/utils"
	_ "modernc.org/sqlite"
)

// SqliteStorage implements Storage using SQLite as the backend. Flow graphs
// and block outputs are stored as JSON columns; the graph always round-trips
// bit-for-bit (same block uuids, same input bindings).
type SqliteStorage struct {
	db *sql.DB
}

var _ Storage = (*SqliteStorage)(nil)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS flows (
	id TEXT PRIMARY KEY,
	user_id INTEGER NOT NULL,
	name TEXT NOT NULL,
	description TEXT,
	blocks JSON NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 0,
	is_valid INTEGER NOT NULL DEFAULT 0,
	schedule TEXT,
	poll_interval INTEGER,
	last_run INTEGER,
	created_at INTEGER,
	updated_at INTEGER
);
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	flow_id TEXT NOT NULL,
	trigger_id TEXT,
	status TEXT NOT NULL,
	started_at INTEGER,
	ended_at INTEGER
);
CREATE TABLE IF NOT EXISTS block_runs (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	block_id TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at INTEGER,
	ended_at INTEGER,
	outputs JSON,
	error TEXT
);
CREATE TABLE IF NOT EXISTS credentials (
	user_id INTEGER NOT NULL,
	provider TEXT NOT NULL,
	access_token TEXT,
	refresh_token TEXT,
	expires_at INTEGER,
	connected INTEGER NOT NULL DEFAULT 1,
	updated_at INTEGER,
	PRIMARY KEY (user_id, provider)
);
CREATE INDEX IF NOT EXISTS idx_runs_flow ON runs(flow_id);
CREATE INDEX IF NOT EXISTS idx_block_runs_run ON block_runs(run_id);
`

func NewSqliteStorage(dsn string) (*SqliteStorage, error) {
	if dsn != ":memory:" && dsn != "" {
		dir := filepath.Dir(dsn)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, utils.Errorf("failed to create db directory %q: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, err
	}
	return &SqliteStorage{db: db}, nil
}

func unixOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func timeFromUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func (s *SqliteStorage) SaveFlow(ctx context.Context, flow *model.Flow) error {
	blocks, err := json.Marshal(flow.Blocks)
	if err != nil {
		return fmt.Errorf("failed to marshal flow blocks: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO flows (id, user_id, name, description, blocks, enabled, is_valid, schedule, poll_interval, last_run, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	user_id=excluded.user_id, name=excluded.name, description=excluded.description,
	blocks=excluded.blocks, enabled=excluded.enabled, is_valid=excluded.is_valid,
	schedule=excluded.schedule, poll_interval=excluded.poll_interval,
	last_run=excluded.last_run, updated_at=excluded.updated_at
`, flow.ID.String(), flow.UserID, flow.Name, flow.Description, blocks,
		flow.Enabled, flow.IsValid, flow.Schedule, int64(flow.PollInterval),
		unixOrNil(flow.LastRun), flow.CreatedAt.Unix(), flow.UpdatedAt.Unix())
	return err
}

func scanFlow(scan func(dest ...any) error) (*model.Flow, error) {
	var (
		flow                 model.Flow
		id                   string
		blocks               []byte
		pollInterval         sql.NullInt64
		lastRun, created, up sql.NullInt64
		desc, schedule       sql.NullString
	)
	if err := scan(&id, &flow.UserID, &flow.Name, &desc, &blocks, &flow.Enabled,
		&flow.IsValid, &schedule, &pollInterval, &lastRun, &created, &up); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	flow.ID = parsed
	flow.Description = desc.String
	flow.Schedule = schedule.String
	if pollInterval.Valid {
		flow.PollInterval = time.Duration(pollInterval.Int64)
	}
	flow.LastRun = timeFromUnix(lastRun)
	if created.Valid {
		flow.CreatedAt = time.Unix(created.Int64, 0).UTC()
	}
	if up.Valid {
		flow.UpdatedAt = time.Unix(up.Int64, 0).UTC()
	}
	if err := json.Unmarshal(blocks, &flow.Blocks); err != nil {
		return nil, fmt.Errorf("failed to unmarshal flow blocks: %w", err)
	}
	return &flow, nil
}

const flowColumns = `id, user_id, name, description, blocks, enabled, is_valid, schedule, poll_interval, last_run, created_at, updated_at`

func (s *SqliteStorage) GetFlow(ctx context.Context, id uuid.UUID) (*model.Flow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+flowColumns+` FROM flows WHERE id=?`, id.String())
	return scanFlow(row.Scan)
}

func (s *SqliteStorage) listFlows(ctx context.Context, query string, args ...any) ([]*model.Flow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Flow
	for rows.Next() {
		flow, err := scanFlow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, flow)
	}
	return out, rows.Err()
}

func (s *SqliteStorage) ListFlows(ctx context.Context, userID int64) ([]*model.Flow, error) {
	return s.listFlows(ctx, `SELECT `+flowColumns+` FROM flows WHERE user_id=? ORDER BY created_at`, userID)
}

func (s *SqliteStorage) ListEnabledFlows(ctx context.Context) ([]*model.Flow, error) {
	return s.listFlows(ctx, `SELECT `+flowColumns+` FROM flows WHERE enabled=1`)
}

func (s *SqliteStorage) DeleteFlow(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM flows WHERE id=?`, id.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *SqliteStorage) UpdateLastRun(ctx context.Context, id uuid.UUID, endedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE flows SET last_run=? WHERE id=?`, endedAt.Unix(), id.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *SqliteStorage) SaveRun(ctx context.Context, run *model.Run) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO runs (id, flow_id, trigger_id, status, started_at, ended_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET status=excluded.status, ended_at=excluded.ended_at
`, run.ID.String(), run.FlowID.String(), run.TriggerID, run.Status,
		run.StartedAt.Unix(), unixOrNil(run.EndedAt))
	return err
}

func scanRun(scan func(dest ...any) error) (*model.Run, error) {
	var (
		run              model.Run
		id, flowID       string
		triggerID        sql.NullString
		started, ended   sql.NullInt64
	)
	if err := scan(&id, &flowID, &triggerID, &run.Status, &started, &ended); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	var err error
	if run.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if run.FlowID, err = uuid.Parse(flowID); err != nil {
		return nil, err
	}
	run.TriggerID = triggerID.String
	if started.Valid {
		run.StartedAt = time.Unix(started.Int64, 0).UTC()
	}
	run.EndedAt = timeFromUnix(ended)
	return &run, nil
}

func (s *SqliteStorage) GetRun(ctx context.Context, id uuid.UUID) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, flow_id, trigger_id, status, started_at, ended_at FROM runs WHERE id=?`, id.String())
	return scanRun(row.Scan)
}

func (s *SqliteStorage) ListRuns(ctx context.Context, flowID uuid.UUID) ([]*model.Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, flow_id, trigger_id, status, started_at, ended_at FROM runs WHERE flow_id=? ORDER BY started_at`, flowID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *SqliteStorage) SaveBlockRun(ctx context.Context, br *model.BlockRun) error {
	outputs, err := json.Marshal(br.Outputs)
	if err != nil {
		return fmt.Errorf("failed to marshal block outputs: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO block_runs (id, run_id, block_id, status, started_at, ended_at, outputs, error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET status=excluded.status, ended_at=excluded.ended_at,
	outputs=excluded.outputs, error=excluded.error
`, br.ID.String(), br.RunID.String(), br.BlockID.String(), br.Status,
		br.StartedAt.Unix(), unixOrNil(br.EndedAt), outputs, br.Error)
	return err
}

func (s *SqliteStorage) GetBlockRuns(ctx context.Context, runID uuid.UUID) ([]*model.BlockRun, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, run_id, block_id, status, started_at, ended_at, outputs, error FROM block_runs WHERE run_id=? ORDER BY started_at`, runID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.BlockRun
	for rows.Next() {
		var (
			br             model.BlockRun
			id, rid, bid   string
			started, ended sql.NullInt64
			outputs        []byte
			errMsg         sql.NullString
		)
		if err := rows.Scan(&id, &rid, &bid, &br.Status, &started, &ended, &outputs, &errMsg); err != nil {
			return nil, err
		}
		if br.ID, err = uuid.Parse(id); err != nil {
			return nil, err
		}
		if br.RunID, err = uuid.Parse(rid); err != nil {
			return nil, err
		}
		if br.BlockID, err = uuid.Parse(bid); err != nil {
			return nil, err
		}
		if started.Valid {
			br.StartedAt = time.Unix(started.Int64, 0).UTC()
		}
		br.EndedAt = timeFromUnix(ended)
		br.Error = errMsg.String
		if len(outputs) > 0 {
			if err := json.Unmarshal(outputs, &br.Outputs); err != nil {
				return nil, err
			}
		}
		out = append(out, &br)
	}
	return out, rows.Err()
}

func (s *SqliteStorage) SaveCredential(ctx context.Context, rec *model.CredentialRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO credentials (user_id, provider, access_token, refresh_token, expires_at, connected, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(user_id, provider) DO UPDATE SET
	access_token=excluded.access_token, refresh_token=excluded.refresh_token,
	expires_at=excluded.expires_at, connected=excluded.connected, updated_at=excluded.updated_at
`, rec.UserID, rec.Provider, rec.AccessToken, rec.RefreshToken,
		rec.ExpiresAt.Unix(), rec.Connected, rec.UpdatedAt.Unix())
	return err
}

func scanCredential(scan func(dest ...any) error) (*model.CredentialRecord, error) {
	var (
		rec             model.CredentialRecord
		expires, update sql.NullInt64
		access, refresh sql.NullString
	)
	if err := scan(&rec.UserID, &rec.Provider, &access, &refresh, &expires, &rec.Connected, &update); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrNotFound
		}
		return nil, err
	}
	rec.AccessToken = access.String
	rec.RefreshToken = refresh.String
	if expires.Valid {
		rec.ExpiresAt = time.Unix(expires.Int64, 0).UTC()
	}
	if update.Valid {
		rec.UpdatedAt = time.Unix(update.Int64, 0).UTC()
	}
	return &rec, nil
}

func (s *SqliteStorage) GetCredential(ctx context.Context, userID int64, provider string) (*model.CredentialRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT user_id, provider, access_token, refresh_token, expires_at, connected, updated_at FROM credentials WHERE user_id=? AND provider=?`, userID, provider)
	return scanCredential(row.Scan)
}

func (s *SqliteStorage) ListCredentials(ctx context.Context, userID int64) ([]*model.CredentialRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, provider, access_token, refresh_token, expires_at, connected, updated_at FROM credentials WHERE user_id=?`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*model.CredentialRecord
	for rows.Next() {
		rec, err := scanCredential(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SqliteStorage) DeleteCredential(ctx context.Context, userID int64, provider string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE user_id=? AND provider=?`, userID, provider)
	return err
}

func (s *SqliteStorage) Close() error {
	return s.db.Close()
}
