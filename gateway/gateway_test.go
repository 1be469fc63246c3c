package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wirebird/wirebird/config"
	"github.com/wirebird/wirebird/connector"
	"github.com/wirebird/wirebird/engine"
	"github.com/wirebird/wirebird/event"
	"github.com/wirebird/wirebird/model"
	"github.com/wirebird/wirebird/registry"
	"github.com/wirebird/wirebird/storage"
	"github.com/wirebird/wirebird/vault"
)

type testHarness struct {
	bus   event.Bus
	store storage.Storage
	ctx   context.Context
}

func newGatewayHarness(t *testing.T) *testHarness {
	t.Helper()
	store := storage.NewMemoryStorage()
	bus := event.NewInProcBus()
	t.Cleanup(func() { bus.Close() })

	reg := registry.New()
	require.NoError(t, reg.Register(connector.NewDebugConnector()))

	v, err := vault.New(store, vault.NewEnvSecretsProvider(""), &config.VaultConfig{})
	require.NoError(t, err)

	engCfg := config.EngineConfig{
		PollInterval: config.Duration(time.Hour), // tasks stay idle in tests
		MaxAttempts:  1,
		Workers:      2,
	}
	eng := engine.New(engCfg, store, reg, v, bus)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, eng.Start(ctx))
	t.Cleanup(eng.Stop)

	gw := New(store, reg, eng, v, bus)
	require.NoError(t, gw.Start(ctx))
	return &testHarness{bus: bus, store: store, ctx: ctx}
}

// command issues one request over the bus and decodes the uniform reply.
func (h *testHarness) command(t *testing.T, env Envelope) Reply {
	t.Helper()
	ctx, cancel := context.WithTimeout(h.ctx, 3*time.Second)
	defer cancel()
	raw, err := h.bus.Request(ctx, TopicCommands, env)
	require.NoError(t, err)
	var reply Reply
	require.NoError(t, json.Unmarshal(raw, &reply))
	return reply
}

func debugFlow() *model.Flow {
	action := model.Block{
		ID: uuid.New(), Provider: "debug", Name: "tick", Kind: model.KindAction,
		Inputs: map[string]any{"interval": 60},
	}
	log := model.Block{
		ID: uuid.New(), Provider: "debug", Name: "log", Kind: model.KindReaction,
		Inputs: map[string]any{"message": "tick at {{ trigger.unix }}"},
	}
	return &model.Flow{Name: "heartbeat", Blocks: []model.Block{action, log}}
}

func decodeFlow(t *testing.T, data any) *model.Flow {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	var flow model.Flow
	require.NoError(t, json.Unmarshal(raw, &flow))
	return &flow
}

func TestCreateEnableAndRunFlow(t *testing.T) {
	h := newGatewayHarness(t)

	reply := h.command(t, Envelope{Cmd: CmdFlowCreate, UserID: 1, Flow: debugFlow()})
	require.True(t, reply.OK, reply.Error)
	created := decodeFlow(t, reply.Data)
	assert.True(t, created.IsValid)
	assert.False(t, created.Enabled, "created flows start disabled")

	reply = h.command(t, Envelope{Cmd: CmdFlowEnable, UserID: 1, FlowID: created.ID})
	require.True(t, reply.OK, reply.Error)
	assert.True(t, decodeFlow(t, reply.Data).Enabled)

	reply = h.command(t, Envelope{Cmd: CmdFlowRunNow, UserID: 1, FlowID: created.ID})
	require.True(t, reply.OK, reply.Error)

	runs, err := h.store.ListRuns(context.Background(), created.ID)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, model.RunSucceeded, runs[0].Status)
}

func TestCreateInvalidFlowStoredDisabled(t *testing.T) {
	h := newGatewayHarness(t)

	flow := debugFlow()
	flow.Blocks[1].Name = "does-not-exist"
	reply := h.command(t, Envelope{Cmd: CmdFlowCreate, UserID: 1, Flow: flow})
	require.True(t, reply.OK, reply.Error)
	created := decodeFlow(t, reply.Data)
	assert.False(t, created.IsValid)

	// An invalid flow refuses to enable.
	reply = h.command(t, Envelope{Cmd: CmdFlowEnable, UserID: 1, FlowID: created.ID})
	assert.False(t, reply.OK)
}

func TestGetListAndDelete(t *testing.T) {
	h := newGatewayHarness(t)

	created := decodeFlow(t, h.command(t, Envelope{Cmd: CmdFlowCreate, UserID: 1, Flow: debugFlow()}).Data)

	reply := h.command(t, Envelope{Cmd: CmdFlowGet, UserID: 1, FlowID: created.ID})
	require.True(t, reply.OK, reply.Error)
	assert.Equal(t, "heartbeat", decodeFlow(t, reply.Data).Name)

	reply = h.command(t, Envelope{Cmd: CmdFlowsList, UserID: 1})
	require.True(t, reply.OK)

	// Another user cannot see or delete the flow.
	reply = h.command(t, Envelope{Cmd: CmdFlowGet, UserID: 2, FlowID: created.ID})
	assert.False(t, reply.OK)
	reply = h.command(t, Envelope{Cmd: CmdFlowDelete, UserID: 2, FlowID: created.ID})
	assert.False(t, reply.OK)

	reply = h.command(t, Envelope{Cmd: CmdFlowDelete, UserID: 1, FlowID: created.ID})
	require.True(t, reply.OK, reply.Error)
	reply = h.command(t, Envelope{Cmd: CmdFlowGet, UserID: 1, FlowID: created.ID})
	assert.False(t, reply.OK)
}

func TestUpdateRevalidates(t *testing.T) {
	h := newGatewayHarness(t)

	created := decodeFlow(t, h.command(t, Envelope{Cmd: CmdFlowCreate, UserID: 1, Flow: debugFlow()}).Data)
	h.command(t, Envelope{Cmd: CmdFlowEnable, UserID: 1, FlowID: created.ID})

	// Break the graph; the update keeps it stored but invalid and disabled.
	created.Blocks[1].Name = "does-not-exist"
	reply := h.command(t, Envelope{Cmd: CmdFlowUpdate, UserID: 1, Flow: created})
	require.True(t, reply.OK, reply.Error)
	updated := decodeFlow(t, reply.Data)
	assert.False(t, updated.IsValid)
	assert.False(t, updated.Enabled)
}

func TestProvidersListShowsConnectionState(t *testing.T) {
	h := newGatewayHarness(t)

	reply := h.command(t, Envelope{Cmd: CmdProvidersList, UserID: 1})
	require.True(t, reply.OK, reply.Error)
	raw, _ := json.Marshal(reply.Data)
	var statuses []model.ProviderStatus
	require.NoError(t, json.Unmarshal(raw, &statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, "debug", statuses[0].Name)
	assert.False(t, statuses[0].Connected)

	reply = h.command(t, Envelope{
		Cmd: CmdProviderConnect, UserID: 1,
		Provider: "debug", AccessToken: "tok",
	})
	require.True(t, reply.OK, reply.Error)

	reply = h.command(t, Envelope{Cmd: CmdProvidersList, UserID: 1})
	require.True(t, reply.OK)
	raw, _ = json.Marshal(reply.Data)
	require.NoError(t, json.Unmarshal(raw, &statuses))
	assert.True(t, statuses[0].Connected)
}

func TestPushTriggerDedupes(t *testing.T) {
	h := newGatewayHarness(t)

	created := decodeFlow(t, h.command(t, Envelope{Cmd: CmdFlowCreate, UserID: 1, Flow: debugFlow()}).Data)
	h.command(t, Envelope{Cmd: CmdFlowEnable, UserID: 1, FlowID: created.ID})

	ev := &model.TriggerEvent{ID: "hook:1", Outputs: map[string]any{"unix": 1}}
	reply := h.command(t, Envelope{Cmd: CmdFlowTrigger, UserID: 1, FlowID: created.ID, Trigger: ev})
	require.True(t, reply.OK, reply.Error)

	// A webhook redelivery with the same event id produces no second run.
	reply = h.command(t, Envelope{Cmd: CmdFlowTrigger, UserID: 1, FlowID: created.ID, Trigger: ev})
	require.True(t, reply.OK, reply.Error)

	runs, err := h.store.ListRuns(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestUnknownCommand(t *testing.T) {
	h := newGatewayHarness(t)
	reply := h.command(t, Envelope{Cmd: "flow.frobnicate"})
	assert.False(t, reply.OK)
	assert.Contains(t, reply.Error, "unknown command")
}

func TestMalformedEnvelope(t *testing.T) {
	h := newGatewayHarness(t)
	ctx, cancel := context.WithTimeout(h.ctx, 3*time.Second)
	defer cancel()
	raw, err := h.bus.Request(ctx, TopicCommands, []byte("{not json"))
	require.NoError(t, err)
	var reply Reply
	require.NoError(t, json.Unmarshal(raw, &reply))
	assert.False(t, reply.OK)
}
