package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/wirebird/wirebird/config"
	"github.com/wirebird/wirebird/model"
)

// Storage is the durable representation of flows, their run audit trail and
// credential records. Exact technology is pluggable; all drivers must treat
// SaveFlow/SaveRun as upserts keyed by id.
type Storage interface {
	SaveFlow(ctx context.Context, flow *model.Flow) error
	GetFlow(ctx context.Context, id uuid.UUID) (*model.Flow, error)
	ListFlows(ctx context.Context, userID int64) ([]*model.Flow, error)
	ListEnabledFlows(ctx context.Context) ([]*model.Flow, error)
	DeleteFlow(ctx context.Context, id uuid.UUID) error
	// UpdateLastRun touches only the flow's lastRun column, so a finishing
	// run never overwrites fields a concurrent command just changed.
	UpdateLastRun(ctx context.Context, id uuid.UUID, endedAt time.Time) error

	SaveRun(ctx context.Context, run *model.Run) error
	GetRun(ctx context.Context, id uuid.UUID) (*model.Run, error)
	ListRuns(ctx context.Context, flowID uuid.UUID) ([]*model.Run, error)
	SaveBlockRun(ctx context.Context, br *model.BlockRun) error
	GetBlockRuns(ctx context.Context, runID uuid.UUID) ([]*model.BlockRun, error)

	SaveCredential(ctx context.Context, rec *model.CredentialRecord) error
	GetCredential(ctx context.Context, userID int64, provider string) (*model.CredentialRecord, error)
	ListCredentials(ctx context.Context, userID int64) ([]*model.CredentialRecord, error)
	DeleteCredential(ctx context.Context, userID int64, provider string) error

	Close() error
}

// NewFromConfig builds a Storage from the configured driver.
func NewFromConfig(cfg *config.StorageConfig) (Storage, error) {
	if cfg == nil || cfg.Driver == "" || cfg.Driver == "memory" {
		return NewMemoryStorage(), nil
	}
	switch cfg.Driver {
	case "sqlite":
		return NewSqliteStorage(cfg.DSN)
	case "postgres":
		return NewPostgresStorage(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}
