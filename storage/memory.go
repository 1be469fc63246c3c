package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wirebird/wirebird/model"
)

type credKey struct {
	userID   int64
	provider string
}

// MemoryStorage implements Storage in-memory (for fallback/dev mode and
// tests). Flows are deep-copied on both save and load so an in-flight run
// never observes a graph mutated by a concurrent update.
type MemoryStorage struct {
	mu     sync.Mutex
	flows  map[uuid.UUID]*model.Flow
	runs   map[uuid.UUID]*model.Run
	blocks map[uuid.UUID][]*model.BlockRun // runID -> block runs
	creds  map[credKey]*model.CredentialRecord
}

var _ Storage = (*MemoryStorage)(nil)

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		flows:  make(map[uuid.UUID]*model.Flow),
		runs:   make(map[uuid.UUID]*model.Run),
		blocks: make(map[uuid.UUID][]*model.BlockRun),
		creds:  make(map[credKey]*model.CredentialRecord),
	}
}

func copyFlow(f *model.Flow) *model.Flow {
	data, err := json.Marshal(f)
	if err != nil {
		c := *f
		return &c
	}
	var out model.Flow
	if err := json.Unmarshal(data, &out); err != nil {
		c := *f
		return &c
	}
	return &out
}

func (m *MemoryStorage) SaveFlow(ctx context.Context, flow *model.Flow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flows[flow.ID] = copyFlow(flow)
	return nil
}

func (m *MemoryStorage) GetFlow(ctx context.Context, id uuid.UUID) (*model.Flow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flows[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return copyFlow(f), nil
}

func (m *MemoryStorage) ListFlows(ctx context.Context, userID int64) ([]*model.Flow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Flow
	for _, f := range m.flows {
		if f.UserID == userID {
			out = append(out, copyFlow(f))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStorage) ListEnabledFlows(ctx context.Context) ([]*model.Flow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Flow
	for _, f := range m.flows {
		if f.Enabled {
			out = append(out, copyFlow(f))
		}
	}
	return out, nil
}

func (m *MemoryStorage) DeleteFlow(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.flows[id]; !ok {
		return model.ErrNotFound
	}
	delete(m.flows, id)
	return nil
}

func (m *MemoryStorage) UpdateLastRun(ctx context.Context, id uuid.UUID, endedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.flows[id]
	if !ok {
		return model.ErrNotFound
	}
	t := endedAt
	f.LastRun = &t
	return nil
}

func (m *MemoryStorage) SaveRun(ctx context.Context, run *model.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *run
	m.runs[run.ID] = &c
	return nil
}

func (m *MemoryStorage) GetRun(ctx context.Context, id uuid.UUID) (*model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	c := *run
	return &c, nil
}

func (m *MemoryStorage) ListRuns(ctx context.Context, flowID uuid.UUID) ([]*model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Run
	for _, run := range m.runs {
		if run.FlowID == flowID {
			c := *run
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *MemoryStorage) SaveBlockRun(ctx context.Context, br *model.BlockRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *br
	existing := m.blocks[br.RunID]
	for i, e := range existing {
		if e.ID == br.ID {
			existing[i] = &c
			return nil
		}
	}
	m.blocks[br.RunID] = append(existing, &c)
	return nil
}

func (m *MemoryStorage) GetBlockRuns(ctx context.Context, runID uuid.UUID) ([]*model.BlockRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.BlockRun, 0, len(m.blocks[runID]))
	for _, br := range m.blocks[runID] {
		c := *br
		out = append(out, &c)
	}
	return out, nil
}

func (m *MemoryStorage) SaveCredential(ctx context.Context, rec *model.CredentialRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *rec
	m.creds[credKey{rec.UserID, rec.Provider}] = &c
	return nil
}

func (m *MemoryStorage) GetCredential(ctx context.Context, userID int64, provider string) (*model.CredentialRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.creds[credKey{userID, provider}]
	if !ok {
		return nil, model.ErrNotFound
	}
	c := *rec
	return &c, nil
}

func (m *MemoryStorage) ListCredentials(ctx context.Context, userID int64) ([]*model.CredentialRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.CredentialRecord
	for k, rec := range m.creds {
		if k.userID == userID {
			c := *rec
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *MemoryStorage) DeleteCredential(ctx context.Context, userID int64, provider string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.creds, credKey{userID, provider})
	return nil
}

func (m *MemoryStorage) Close() error { return nil }
