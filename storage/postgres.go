package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/wirebird/wirebird/model"
)

// PostgresStorage implements Storage on PostgreSQL. Same column layout as the
// SQLite driver, with JSONB for graphs and outputs.
type PostgresStorage struct {
	db *sql.DB
}

var _ Storage = (*PostgresStorage)(nil)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS flows (
	id UUID PRIMARY KEY,
	user_id BIGINT NOT NULL,
	name TEXT NOT NULL,
	description TEXT,
	blocks JSONB NOT NULL,
	enabled BOOLEAN NOT NULL DEFAULT FALSE,
	is_valid BOOLEAN NOT NULL DEFAULT FALSE,
	schedule TEXT,
	poll_interval BIGINT,
	last_run BIGINT,
	created_at BIGINT,
	updated_at BIGINT
);
CREATE TABLE IF NOT EXISTS runs (
	id UUID PRIMARY KEY,
	flow_id UUID NOT NULL,
	trigger_id TEXT,
	status TEXT NOT NULL,
	started_at BIGINT,
	ended_at BIGINT
);
CREATE TABLE IF NOT EXISTS block_runs (
	id UUID PRIMARY KEY,
	run_id UUID NOT NULL,
	block_id UUID NOT NULL,
	status TEXT NOT NULL,
	started_at BIGINT,
	ended_at BIGINT,
	outputs JSONB,
	error TEXT
);
CREATE TABLE IF NOT EXISTS credentials (
	user_id BIGINT NOT NULL,
	provider TEXT NOT NULL,
	access_token TEXT,
	refresh_token TEXT,
	expires_at BIGINT,
	connected BOOLEAN NOT NULL DEFAULT TRUE,
	updated_at BIGINT,
	PRIMARY KEY (user_id, provider)
);
CREATE INDEX IF NOT EXISTS idx_runs_flow ON runs(flow_id);
CREATE INDEX IF NOT EXISTS idx_block_runs_run ON block_runs(run_id);
`

func NewPostgresStorage(dsn string) (*PostgresStorage, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		return nil, fmt.Errorf("failed to initialize postgres schema: %w", err)
	}
	return &PostgresStorage{db: db}, nil
}

func (s *PostgresStorage) SaveFlow(ctx context.Context, flow *model.Flow) error {
	blocks, err := json.Marshal(flow.Blocks)
	if err != nil {
		return fmt.Errorf("failed to marshal flow blocks: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO flows (id, user_id, name, description, blocks, enabled, is_valid, schedule, poll_interval, last_run, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
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

func (s *PostgresStorage) GetFlow(ctx context.Context, id uuid.UUID) (*model.Flow, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+flowColumns+` FROM flows WHERE id=$1`, id.String())
	return scanFlow(row.Scan)
}

func (s *PostgresStorage) listFlows(ctx context.Context, query string, args ...any) ([]*model.Flow, error) {
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

func (s *PostgresStorage) ListFlows(ctx context.Context, userID int64) ([]*model.Flow, error) {
	return s.listFlows(ctx, `SELECT `+flowColumns+` FROM flows WHERE user_id=$1 ORDER BY created_at`, userID)
}

func (s *PostgresStorage) ListEnabledFlows(ctx context.Context) ([]*model.Flow, error) {
	return s.listFlows(ctx, `SELECT `+flowColumns+` FROM flows WHERE enabled`)
}

func (s *PostgresStorage) DeleteFlow(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM flows WHERE id=$1`, id.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *PostgresStorage) UpdateLastRun(ctx context.Context, id uuid.UUID, endedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE flows SET last_run=$1 WHERE id=$2`, endedAt.Unix(), id.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.ErrNotFound
	}
	return nil
}

func (s *PostgresStorage) SaveRun(ctx context.Context, run *model.Run) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO runs (id, flow_id, trigger_id, status, started_at, ended_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT(id) DO UPDATE SET status=excluded.status, ended_at=excluded.ended_at
`, run.ID.String(), run.FlowID.String(), run.TriggerID, run.Status,
		run.StartedAt.Unix(), unixOrNil(run.EndedAt))
	return err
}

func (s *PostgresStorage) GetRun(ctx context.Context, id uuid.UUID) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, flow_id, trigger_id, status, started_at, ended_at FROM runs WHERE id=$1`, id.String())
	return scanRun(row.Scan)
}

func (s *PostgresStorage) ListRuns(ctx context.Context, flowID uuid.UUID) ([]*model.Run, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, flow_id, trigger_id, status, started_at, ended_at FROM runs WHERE flow_id=$1 ORDER BY started_at`, flowID.String())
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

func (s *PostgresStorage) SaveBlockRun(ctx context.Context, br *model.BlockRun) error {
	outputs, err := json.Marshal(br.Outputs)
	if err != nil {
		return fmt.Errorf("failed to marshal block outputs: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO block_runs (id, run_id, block_id, status, started_at, ended_at, outputs, error)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT(id) DO UPDATE SET status=excluded.status, ended_at=excluded.ended_at,
	outputs=excluded.outputs, error=excluded.error
`, br.ID.String(), br.RunID.String(), br.BlockID.String(), br.Status,
		br.StartedAt.Unix(), unixOrNil(br.EndedAt), outputs, br.Error)
	return err
}

func (s *PostgresStorage) GetBlockRuns(ctx context.Context, runID uuid.UUID) ([]*model.BlockRun, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, run_id, block_id, status, started_at, ended_at, outputs, error FROM block_runs WHERE run_id=$1 ORDER BY started_at`, runID.String())
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

func (s *PostgresStorage) SaveCredential(ctx context.Context, rec *model.CredentialRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO credentials (user_id, provider, access_token, refresh_token, expires_at, connected, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT(user_id, provider) DO UPDATE SET
	access_token=excluded.access_token, refresh_token=excluded.refresh_token,
	expires_at=excluded.expires_at, connected=excluded.connected, updated_at=excluded.updated_at
`, rec.UserID, rec.Provider, rec.AccessToken, rec.RefreshToken,
		rec.ExpiresAt.Unix(), rec.Connected, rec.UpdatedAt.Unix())
	return err
}

func (s *PostgresStorage) GetCredential(ctx context.Context, userID int64, provider string) (*model.CredentialRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT user_id, provider, access_token, refresh_token, expires_at, connected, updated_at FROM credentials WHERE user_id=$1 AND provider=$2`, userID, provider)
	return scanCredential(row.Scan)
}

func (s *PostgresStorage) ListCredentials(ctx context.Context, userID int64) ([]*model.CredentialRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT user_id, provider, access_token, refresh_token, expires_at, connected, updated_at FROM credentials WHERE user_id=$1`, userID)
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

func (s *PostgresStorage) DeleteCredential(ctx context.Context, userID int64, provider string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE user_id=$1 AND provider=$2`, userID, provider)
	return err
}

func (s *PostgresStorage) Close() error {
	return s.db.Close()
}
