// Package engine runs enabled flows: it polls each flow's action, dedupes
// trigger events and dispatches reaction blocks across the flow graph.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wirebird/wirebird/config"
	"github.com/wirebird/wirebird/event"
	"github.com/wirebird/wirebird/model"
	"github.com/wirebird/wirebird/registry"
	"github.com/wirebird/wirebird/storage"
	"github.com/wirebird/wirebird/telemetry"
	"github.com/wirebird/wirebird/templater"
	"github.com/wirebird/wirebird/utils"
)

// Event topics published by the engine.
const (
	TopicRunCompleted   = "flow.run.completed"
	TopicConnectionLost = "flow.connection.lost"
)

// TokenSource hands the engine access tokens for OAuth providers. The vault
// satisfies this.
type TokenSource interface {
	GetToken(ctx context.Context, userID int64, provider string) (string, error)
}

// Engine owns one polling task per enabled flow. A flow never has two
// overlapping runs: the task goroutine is the only place its runs start,
// and the per-flow lock serializes runs against gateway updates.
type Engine struct {
	cfg    config.EngineConfig
	store  storage.Storage
	reg    *registry.Registry
	tokens TokenSource
	bus    event.Bus
	tmpl   *templater.Templater

	sem chan struct{} // bounds concurrent reaction invocations across all flows

	mu    sync.Mutex
	tasks map[uuid.UUID]*flowTask
	locks map[uuid.UUID]*sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type flowTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg config.EngineConfig, store storage.Storage, reg *registry.Registry, tokens TokenSource, bus event.Bus) *Engine {
	return &Engine{
		cfg:    cfg,
		store:  store,
		reg:    reg,
		tokens: tokens,
		bus:    bus,
		tmpl:   templater.New(),
		sem:    make(chan struct{}, cfg.Workers),
		tasks:  map[uuid.UUID]*flowTask{},
		locks:  map[uuid.UUID]*sync.Mutex{},
	}
}

// Start loads every enabled flow from storage and begins polling them.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)
	flows, err := e.store.ListEnabledFlows(ctx)
	if err != nil {
		return err
	}
	started := 0
	for _, f := range flows {
		if !f.IsValid {
			continue
		}
		e.startTask(f)
		started++
	}
	utils.Info("engine started with %d active flows", started)
	return nil
}

// Stop cancels all tasks and waits for in-flight runs to wind down.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	utils.Info("engine stopped")
}

// FlowSaved reschedules a flow after a create, update, enable or disable.
// The running task always holds a snapshot, so an in-flight run finishes
// against the graph it started with.
func (e *Engine) FlowSaved(flow *model.Flow) {
	e.stopTask(flow.ID)
	if flow.Enabled && flow.IsValid {
		e.startTask(flow)
	}
}

// RemoveFlow cancels the flow's task after a delete.
func (e *Engine) RemoveFlow(id uuid.UUID) {
	e.stopTask(id)
}

func (e *Engine) startTask(flow *model.Flow) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx == nil {
		return
	}
	snapshot := *flow
	taskCtx, cancel := context.WithCancel(e.ctx)
	task := &flowTask{cancel: cancel, done: make(chan struct{})}
	e.tasks[flow.ID] = task
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(task.done)
		e.runTask(taskCtx, &snapshot)
	}()
}

func (e *Engine) stopTask(id uuid.UUID) {
	e.mu.Lock()
	task := e.tasks[id]
	delete(e.tasks, id)
	e.mu.Unlock()
	if task == nil {
		return
	}
	task.cancel()
	<-task.done
}

// flowLock returns the mutex serializing runs and updates of one flow.
func (e *Engine) flowLock(id uuid.UUID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[id] = lock
	}
	return lock
}

// WithFlowLock runs fn while holding the flow's lock. The gateway uses this
// to keep updates from racing an in-flight run.
func (e *Engine) WithFlowLock(id uuid.UUID, fn func() error) error {
	lock := e.flowLock(id)
	lock.Lock()
	defer lock.Unlock()
	return fn()
}

// RunNow triggers one immediate run of a flow, bypassing trigger dedupe.
// The action is polled once for fresh outputs; a flow whose action yields
// nothing runs with an empty trigger payload.
func (e *Engine) RunNow(ctx context.Context, id uuid.UUID) (*model.Run, error) {
	flow, err := e.store.GetFlow(ctx, id)
	if err != nil {
		return nil, err
	}
	if !flow.IsValid {
		return nil, model.ErrInvalid
	}
	ev, err := e.poll(ctx, flow)
	if err != nil {
		utils.Warn("run-now poll for flow %s failed: %v", flow.ID, err)
	}
	if ev == nil {
		ev = &model.TriggerEvent{Outputs: map[string]any{}}
	}
	ev.ID = "manual:" + uuid.NewString()
	return e.execute(ctx, flow, ev)
}

// Trigger runs a flow from an externally pushed event, deduping on the
// event id against the flow's most recent run.
func (e *Engine) Trigger(ctx context.Context, id uuid.UUID, ev *model.TriggerEvent) (*model.Run, error) {
	flow, err := e.store.GetFlow(ctx, id)
	if err != nil {
		return nil, err
	}
	if !flow.Enabled || !flow.IsValid {
		return nil, model.ErrInvalid
	}
	last, err := e.lastTriggerID(ctx, flow.ID)
	if err != nil {
		return nil, err
	}
	if ev.ID != "" && ev.ID == last {
		return nil, nil
	}
	return e.execute(ctx, flow, ev)
}

// HandleConnectionLost disables every enabled flow of the user that depends
// on the provider and publishes a single flow.connection.lost event for the
// lost grant. Registered as the vault's connection-lost hook, which fires at
// most once per grant.
func (e *Engine) HandleConnectionLost(ctx context.Context, userID int64, provider string) {
	flows, err := e.store.ListFlows(ctx, userID)
	if err != nil {
		utils.Error("connection lost for user %d provider %s, cannot list flows: %v", userID, provider, err)
		return
	}
	for _, f := range flows {
		if !f.Enabled || !f.UsesProvider(provider) {
			continue
		}
		f.Enabled = false
		f.UpdatedAt = time.Now().UTC()
		if err := e.store.SaveFlow(ctx, f); err != nil {
			utils.Error("disable flow %s: %v", f.ID, err)
			continue
		}
		e.stopTask(f.ID)
		utils.Warn("flow %s disabled: provider %s disconnected", f.ID, provider)
	}
	// One event per lost grant, however many flows it disabled.
	if err := e.bus.Publish(TopicConnectionLost, map[string]any{
		"userId":   userID,
		"provider": provider,
	}); err != nil {
		utils.Error("publish %s: %v", TopicConnectionLost, err)
	}
}

func (e *Engine) lastTriggerID(ctx context.Context, flowID uuid.UUID) (string, error) {
	runs, err := e.store.ListRuns(ctx, flowID)
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		return "", nil
	}
	return runs[len(runs)-1].TriggerID, nil
}

func (e *Engine) publishRunCompleted(run *model.Run) {
	if err := e.bus.Publish(TopicRunCompleted, run); err != nil {
		utils.Error("publish %s: %v", TopicRunCompleted, err)
	}
	telemetry.RunsTotal.WithLabelValues(string(run.Status)).Inc()
	if run.EndedAt != nil {
		telemetry.RunDuration.Observe(run.EndedAt.Sub(run.StartedAt).Seconds())
	}
}
