package model

import (
	"regexp"
	"time"

	"github.com/google/uuid"
)

// ParamType is the declared wire type of a descriptor input or output field.
type ParamType string

const (
	TypeString ParamType = "string"
	TypeInt    ParamType = "int"
	TypeFloat  ParamType = "float"
	TypeBool   ParamType = "bool"
	TypeTime   ParamType = "time"
	TypeAny    ParamType = "any"
)

// AssignableTo reports whether a value of type p may feed an input of type to.
// "any" accepts everything, and ints widen to floats.
func (p ParamType) AssignableTo(to ParamType) bool {
	if to == TypeAny || p == TypeAny {
		return true
	}
	if p == TypeInt && to == TypeFloat {
		return true
	}
	return p == to
}

type BlockKind string

const (
	KindAction   BlockKind = "action"
	KindReaction BlockKind = "reaction"
)

// InputParam declares one typed input of an action or reaction descriptor.
type InputParam struct {
	Name     string    `yaml:"name" json:"name"`
	Title    string    `yaml:"title,omitempty" json:"title,omitempty"`
	Type     ParamType `yaml:"type" json:"type"`
	Required bool      `yaml:"required,omitempty" json:"required,omitempty"`
	Default  any       `yaml:"default,omitempty" json:"default,omitempty"`
}

// OutputField declares one typed output of an action or reaction descriptor.
type OutputField struct {
	Name  string    `yaml:"name" json:"name"`
	Title string    `yaml:"title,omitempty" json:"title,omitempty"`
	Type  ParamType `yaml:"type" json:"type"`
}

// Descriptor describes one action or reaction a provider exposes. Descriptors
// are registered at boot and never mutated afterwards.
type Descriptor struct {
	Provider    string        `yaml:"provider" json:"provider"`
	Name        string        `yaml:"name" json:"name"`
	Kind        BlockKind     `yaml:"kind" json:"kind"`
	Title       string        `yaml:"title,omitempty" json:"title,omitempty"`
	Description string        `yaml:"description,omitempty" json:"description,omitempty"`
	Inputs      []InputParam  `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Outputs     []OutputField `yaml:"outputs,omitempty" json:"outputs,omitempty"`
}

// Output returns the declared output field with the given name.
func (d Descriptor) Output(name string) (OutputField, bool) {
	for _, f := range d.Outputs {
		if f.Name == name {
			return f, true
		}
	}
	return OutputField{}, false
}

// Provider is a connected third-party service and its descriptor catalog.
type Provider struct {
	Name      string       `yaml:"name" json:"name"`
	Title     string       `yaml:"title,omitempty" json:"title,omitempty"`
	Image     string       `yaml:"image,omitempty" json:"image,omitempty"`
	// Auth is "oauth2" for providers needing a vault grant, empty for none.
	Auth      string       `yaml:"auth,omitempty" json:"auth,omitempty"`
	Actions   []Descriptor `yaml:"actions,omitempty" json:"actions,omitempty"`
	Reactions []Descriptor `yaml:"reactions,omitempty" json:"reactions,omitempty"`
}

// ProviderStatus is a Provider plus the requesting user's connection state.
// The catalog itself is user-independent.
type ProviderStatus struct {
	Provider  `yaml:",inline" json:",inline"`
	Connected bool `yaml:"connected" json:"connected"`
}

// Block is one node of a flow graph, bound to a provider descriptor. Inputs
// map parameter names to either a literal value or an upstream output
// reference of the form {{<blockID>.<field>}}.
type Block struct {
	ID       uuid.UUID      `yaml:"uuid" json:"uuid"`
	Provider string         `yaml:"provider" json:"provider"`
	Name     string         `yaml:"name" json:"name"`
	Kind     BlockKind      `yaml:"kind" json:"kind"`
	Inputs   map[string]any `yaml:"inputs,omitempty" json:"inputs,omitempty"`
}

// OutputRef points at one output field of an upstream block.
type OutputRef struct {
	Block uuid.UUID
	Field string
}

var refPattern = regexp.MustCompile(`^\{\{\s*([0-9a-fA-F-]{36})\.([A-Za-z_][A-Za-z0-9_]*)\s*\}\}$`)

// ParseRef parses an input binding as an upstream output reference. A binding
// is a reference only when the whole string is {{<uuid>.<field>}}; any other
// string containing template markers is treated as a templated literal.
func ParseRef(v any) (OutputRef, bool) {
	s, ok := v.(string)
	if !ok {
		return OutputRef{}, false
	}
	m := refPattern.FindStringSubmatch(s)
	if m == nil {
		return OutputRef{}, false
	}
	id, err := uuid.Parse(m[1])
	if err != nil {
		return OutputRef{}, false
	}
	return OutputRef{Block: id, Field: m[2]}, true
}

// Flow is a user-owned DAG of blocks rooted at exactly one action block.
type Flow struct {
	ID          uuid.UUID     `yaml:"id" json:"id"`
	UserID      int64         `yaml:"userId" json:"userId"`
	Name        string        `yaml:"name" json:"name"`
	Description string        `yaml:"description,omitempty" json:"description,omitempty"`
	Blocks      []Block       `yaml:"blocks" json:"blocks"`
	Enabled     bool          `yaml:"enabled" json:"enabled"`
	IsValid     bool          `yaml:"isValid" json:"isValid"`
	// Schedule is an optional cron expression overriding interval polling.
	Schedule     string        `yaml:"schedule,omitempty" json:"schedule,omitempty"`
	PollInterval time.Duration `yaml:"pollInterval,omitempty" json:"pollInterval,omitempty"`
	LastRun      *time.Time    `yaml:"lastRun,omitempty" json:"lastRun,omitempty"`
	CreatedAt    time.Time     `yaml:"createdAt,omitempty" json:"createdAt,omitempty"`
	UpdatedAt    time.Time     `yaml:"updatedAt,omitempty" json:"updatedAt,omitempty"`
}

// ActionBlock returns the flow's trigger block.
func (f *Flow) ActionBlock() (*Block, bool) {
	for i := range f.Blocks {
		if f.Blocks[i].Kind == KindAction {
			return &f.Blocks[i], true
		}
	}
	return nil, false
}

// Block returns the block with the given id.
func (f *Flow) Block(id uuid.UUID) (*Block, bool) {
	for i := range f.Blocks {
		if f.Blocks[i].ID == id {
			return &f.Blocks[i], true
		}
	}
	return nil, false
}

// UsesProvider reports whether any block of the flow references the provider.
func (f *Flow) UsesProvider(provider string) bool {
	for _, b := range f.Blocks {
		if b.Provider == provider {
			return true
		}
	}
	return false
}

// TriggerEvent is the outcome of a successful action poll. ID identifies the
// external event so repeated polls without new activity stay idempotent.
type TriggerEvent struct {
	ID      string         `json:"id"`
	Outputs map[string]any `json:"outputs"`
}

type RunStatus string

type BlockStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"

	BlockPending   BlockStatus = "pending"
	BlockRunning   BlockStatus = "running"
	BlockSucceeded BlockStatus = "succeeded"
	BlockFailed    BlockStatus = "failed"
	BlockSkipped   BlockStatus = "skipped"
	BlockCancelled BlockStatus = "cancelled"
)

// Terminal reports whether the run reached a final state. Terminal runs are
// append-only audit records and must never be mutated again.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunPartial, RunFailed, RunCancelled:
		return true
	}
	return false
}

func (s BlockStatus) Terminal() bool {
	switch s {
	case BlockSucceeded, BlockFailed, BlockSkipped, BlockCancelled:
		return true
	}
	return false
}

// Run is one execution instance of a flow, identified by (FlowID, TriggerID).
type Run struct {
	ID        uuid.UUID  `json:"id"`
	FlowID    uuid.UUID  `json:"flowId"`
	TriggerID string     `json:"triggerId"`
	Status    RunStatus  `json:"status"`
	StartedAt time.Time  `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// BlockRun is the per-block execution record of a run.
type BlockRun struct {
	ID        uuid.UUID      `json:"id"`
	RunID     uuid.UUID      `json:"runId"`
	BlockID   uuid.UUID      `json:"blockId"`
	Status    BlockStatus    `json:"status"`
	StartedAt time.Time      `json:"startedAt"`
	EndedAt   *time.Time     `json:"endedAt,omitempty"`
	Outputs   map[string]any `json:"outputs,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// CredentialRecord is the stored OAuth token pair for one (user, provider).
// At most one live record exists per key; refresh replaces it atomically.
type CredentialRecord struct {
	UserID       int64     `json:"userId"`
	Provider     string    `json:"provider"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expiresAt"`
	Connected    bool      `json:"connected"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Expired reports whether the access token is past (or within skew of) expiry.
func (c *CredentialRecord) Expired(skew time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(skew).After(c.ExpiresAt)
}
