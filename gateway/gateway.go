// Package gateway is the command surface of the orchestration core. An
// HTTP layer (or any other front) issues commands over the bus as
// request/reply; the core publishes status events back the same way.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wirebird/wirebird/engine"
	"github.com/wirebird/wirebird/event"
	"github.com/wirebird/wirebird/model"
	"github.com/wirebird/wirebird/registry"
	"github.com/wirebird/wirebird/storage"
	"github.com/wirebird/wirebird/utils"
	"github.com/wirebird/wirebird/vault"
)

// TopicCommands carries every command envelope.
const TopicCommands = "wirebird.commands"

// Command names.
const (
	CmdFlowCreate         = "flows.create"
	CmdFlowUpdate         = "flows.update"
	CmdFlowEnable         = "flows.enable"
	CmdFlowDisable        = "flows.disable"
	CmdFlowDelete         = "flows.delete"
	CmdFlowGet            = "flows.get"
	CmdFlowsList          = "flows.list"
	CmdFlowRunNow         = "flows.run-now"
	CmdFlowTrigger        = "flows.trigger"
	CmdProvidersList      = "providers.list"
	CmdProviderConnect    = "provider.connect"
	CmdProviderDisconnect = "provider.disconnect"
)

// Envelope is the tagged union every command arrives in. Cmd selects the
// operation; the remaining fields apply per command.
type Envelope struct {
	Cmd    string      `json:"cmd"`
	UserID int64       `json:"userId,omitempty"`
	FlowID uuid.UUID   `json:"flowId,omitempty"`
	Flow   *model.Flow `json:"flow,omitempty"`

	// Trigger carries an externally pushed event for flows.trigger.
	Trigger *model.TriggerEvent `json:"trigger,omitempty"`

	// Provider credential fields for provider.connect.
	Provider     string    `json:"provider,omitempty"`
	AccessToken  string    `json:"accessToken,omitempty"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`
}

// Reply is the uniform command response.
type Reply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
}

type Gateway struct {
	store storage.Storage
	reg   *registry.Registry
	eng   *engine.Engine
	vault *vault.Vault
	bus   event.Bus
}

func New(store storage.Storage, reg *registry.Registry, eng *engine.Engine, v *vault.Vault, bus event.Bus) *Gateway {
	return &Gateway{store: store, reg: reg, eng: eng, vault: v, bus: bus}
}

// Start subscribes the gateway to the command topic.
func (g *Gateway) Start(ctx context.Context) error {
	return g.bus.Reply(ctx, TopicCommands, g.handle)
}

func (g *Gateway) handle(ctx context.Context, payload []byte) []byte {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return marshalReply(fail(fmt.Errorf("bad command envelope: %w", err)))
	}
	utils.Debug("command %s user=%d flow=%s", env.Cmd, env.UserID, env.FlowID)

	var reply Reply
	switch env.Cmd {
	case CmdFlowCreate:
		reply = g.createFlow(ctx, &env)
	case CmdFlowUpdate:
		reply = g.updateFlow(ctx, &env)
	case CmdFlowEnable:
		reply = g.setEnabled(ctx, &env, true)
	case CmdFlowDisable:
		reply = g.setEnabled(ctx, &env, false)
	case CmdFlowDelete:
		reply = g.deleteFlow(ctx, &env)
	case CmdFlowGet:
		reply = g.getFlow(ctx, &env)
	case CmdFlowsList:
		reply = g.listFlows(ctx, &env)
	case CmdFlowRunNow:
		reply = g.runNow(ctx, &env)
	case CmdFlowTrigger:
		reply = g.trigger(ctx, &env)
	case CmdProvidersList:
		reply = g.listProviders(ctx, &env)
	case CmdProviderConnect:
		reply = g.connectProvider(ctx, &env)
	case CmdProviderDisconnect:
		reply = g.disconnectProvider(ctx, &env)
	default:
		reply = fail(fmt.Errorf("unknown command %q", env.Cmd))
	}
	return marshalReply(reply)
}

// createFlow persists a new flow. Invalid graphs are stored anyway, marked
// isValid=false and disabled, so a user can save work in progress.
func (g *Gateway) createFlow(ctx context.Context, env *Envelope) Reply {
	if env.Flow == nil {
		return fail(errors.New("flows.create requires a flow"))
	}
	flow := env.Flow
	if flow.ID == uuid.Nil {
		flow.ID = uuid.New()
	}
	flow.UserID = env.UserID
	flow.Enabled = false
	now := time.Now().UTC()
	flow.CreatedAt = now
	flow.UpdatedAt = now
	flow.IsValid = g.reg.Validate(flow) == nil
	if err := g.store.SaveFlow(ctx, flow); err != nil {
		return fail(err)
	}
	return ok(flow)
}

// updateFlow replaces a flow's definition under the flow lock, so an
// in-flight run finishes on the graph it started with before the new one
// takes effect.
func (g *Gateway) updateFlow(ctx context.Context, env *Envelope) Reply {
	if env.Flow == nil {
		return fail(errors.New("flows.update requires a flow"))
	}
	var updated *model.Flow
	err := g.eng.WithFlowLock(env.Flow.ID, func() error {
		existing, err := g.owned(ctx, env.UserID, env.Flow.ID)
		if err != nil {
			return err
		}
		flow := env.Flow
		flow.UserID = existing.UserID
		flow.CreatedAt = existing.CreatedAt
		flow.LastRun = existing.LastRun
		flow.UpdatedAt = time.Now().UTC()
		flow.IsValid = g.reg.Validate(flow) == nil
		if !flow.IsValid {
			flow.Enabled = false
		}
		if err := g.store.SaveFlow(ctx, flow); err != nil {
			return err
		}
		updated = flow
		return nil
	})
	if err != nil {
		return fail(err)
	}
	g.eng.FlowSaved(updated)
	return ok(updated)
}

// setEnabled flips the enabled flag under the flow lock, like updateFlow,
// so the write lands after any in-flight run has closed.
func (g *Gateway) setEnabled(ctx context.Context, env *Envelope, enabled bool) Reply {
	var flow *model.Flow
	err := g.eng.WithFlowLock(env.FlowID, func() error {
		f, err := g.owned(ctx, env.UserID, env.FlowID)
		if err != nil {
			return err
		}
		if enabled && !f.IsValid {
			return model.ErrInvalid
		}
		f.Enabled = enabled
		f.UpdatedAt = time.Now().UTC()
		if err := g.store.SaveFlow(ctx, f); err != nil {
			return err
		}
		flow = f
		return nil
	})
	if err != nil {
		return fail(err)
	}
	g.eng.FlowSaved(flow)
	return ok(flow)
}

func (g *Gateway) deleteFlow(ctx context.Context, env *Envelope) Reply {
	err := g.eng.WithFlowLock(env.FlowID, func() error {
		if _, err := g.owned(ctx, env.UserID, env.FlowID); err != nil {
			return err
		}
		return g.store.DeleteFlow(ctx, env.FlowID)
	})
	if err != nil {
		return fail(err)
	}
	g.eng.RemoveFlow(env.FlowID)
	return ok(map[string]any{"deleted": env.FlowID})
}

func (g *Gateway) getFlow(ctx context.Context, env *Envelope) Reply {
	flow, err := g.owned(ctx, env.UserID, env.FlowID)
	if err != nil {
		return fail(err)
	}
	return ok(flow)
}

func (g *Gateway) listFlows(ctx context.Context, env *Envelope) Reply {
	flows, err := g.store.ListFlows(ctx, env.UserID)
	if err != nil {
		return fail(err)
	}
	return ok(flows)
}

func (g *Gateway) runNow(ctx context.Context, env *Envelope) Reply {
	if _, err := g.owned(ctx, env.UserID, env.FlowID); err != nil {
		return fail(err)
	}
	run, err := g.eng.RunNow(ctx, env.FlowID)
	if err != nil {
		return fail(err)
	}
	return ok(run)
}

// trigger runs a flow from an externally pushed event, for providers that
// deliver webhooks instead of being polled. Dedupe on the event id still
// applies, so webhook redeliveries stay idempotent.
func (g *Gateway) trigger(ctx context.Context, env *Envelope) Reply {
	if env.Trigger == nil {
		return fail(errors.New("flows.trigger requires a trigger event"))
	}
	if _, err := g.owned(ctx, env.UserID, env.FlowID); err != nil {
		return fail(err)
	}
	run, err := g.eng.Trigger(ctx, env.FlowID, env.Trigger)
	if err != nil {
		return fail(err)
	}
	if run == nil {
		return ok(map[string]any{"deduplicated": env.Trigger.ID})
	}
	return ok(run)
}

// listProviders returns the catalog decorated with the user's connection
// state, so a client can render which providers still need a grant.
func (g *Gateway) listProviders(ctx context.Context, env *Envelope) Reply {
	statuses, err := g.reg.ProvidersForUser(ctx, env.UserID, g.vault)
	if err != nil {
		return fail(err)
	}
	return ok(statuses)
}

func (g *Gateway) connectProvider(ctx context.Context, env *Envelope) Reply {
	if env.Provider == "" || env.AccessToken == "" {
		return fail(errors.New("provider.connect requires provider and accessToken"))
	}
	if _, known := g.reg.Provider(env.Provider); !known {
		return fail(fmt.Errorf("unknown provider %q", env.Provider))
	}
	if err := g.vault.Connect(ctx, env.UserID, env.Provider, env.AccessToken, env.RefreshToken, env.ExpiresAt); err != nil {
		return fail(err)
	}
	return ok(map[string]any{"connected": env.Provider})
}

func (g *Gateway) disconnectProvider(ctx context.Context, env *Envelope) Reply {
	if err := g.vault.Disconnect(ctx, env.UserID, env.Provider); err != nil {
		return fail(err)
	}
	// Flows depending on the provider can no longer run.
	g.eng.HandleConnectionLost(ctx, env.UserID, env.Provider)
	return ok(map[string]any{"disconnected": env.Provider})
}

// owned loads a flow and checks the caller owns it. Other users' flows are
// indistinguishable from missing ones.
func (g *Gateway) owned(ctx context.Context, userID int64, id uuid.UUID) (*model.Flow, error) {
	if id == uuid.Nil {
		return nil, errors.New("command requires a flowId")
	}
	flow, err := g.store.GetFlow(ctx, id)
	if err != nil {
		return nil, err
	}
	if flow.UserID != userID {
		return nil, model.ErrNotFound
	}
	return flow, nil
}

func ok(data any) Reply {
	return Reply{OK: true, Data: data}
}

func fail(err error) Reply {
	return Reply{OK: false, Error: err.Error()}
}

func marshalReply(r Reply) []byte {
	out, err := json.Marshal(r)
	if err != nil {
		out, _ = json.Marshal(Reply{OK: false, Error: "reply serialization failed"})
	}
	return out
}
