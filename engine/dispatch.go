package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/wirebird/wirebird/model"
	"github.com/wirebird/wirebird/registry"
	"github.com/wirebird/wirebird/telemetry"
	"github.com/wirebird/wirebird/templater"
	"github.com/wirebird/wirebird/utils"
)

// execute dispatches one run of the flow for a trigger event. Blocks run in
// topological waves; a block whose upstream did not succeed is skipped.
// The returned run is terminal and persisted together with its block runs.
func (e *Engine) execute(ctx context.Context, flow *model.Flow, ev *model.TriggerEvent) (*model.Run, error) {
	lock := e.flowLock(flow.ID)
	lock.Lock()
	defer lock.Unlock()

	ctx, span := telemetry.Tracer().Start(ctx, "flow.run", oteltrace.WithAttributes(
		attribute.String("flow.id", flow.ID.String()),
		attribute.String("trigger.id", ev.ID),
	))
	defer span.End()

	now := time.Now().UTC()
	run := &model.Run{
		ID:        uuid.New(),
		FlowID:    flow.ID,
		TriggerID: ev.ID,
		Status:    model.RunRunning,
		StartedAt: now,
	}
	if err := e.store.SaveRun(ctx, run); err != nil {
		return nil, err
	}

	action, _ := flow.ActionBlock()
	statuses := map[uuid.UUID]model.BlockStatus{action.ID: model.BlockSucceeded}
	outputs := map[uuid.UUID]map[string]any{action.ID: ev.Outputs}
	e.saveBlockRun(ctx, &model.BlockRun{
		ID: uuid.New(), RunID: run.ID, BlockID: action.ID,
		Status: model.BlockSucceeded, StartedAt: now, EndedAt: &now,
		Outputs: ev.Outputs,
	})

	layers, err := registry.Layers(flow)
	if err != nil {
		// Validation rejects cyclic graphs before enabling; a flow that
		// slips through fails its run rather than hanging.
		utils.Error("flow %s: %v", flow.ID, err)
		return e.closeRun(ctx, flow, run, statuses, false)
	}

	var mu sync.Mutex
	cancelled := false
	for _, layer := range layers {
		if ctx.Err() != nil {
			cancelled = true
		}
		if cancelled {
			ts := time.Now().UTC()
			for _, id := range layer {
				statuses[id] = model.BlockCancelled
				e.saveBlockRun(ctx, &model.BlockRun{
					ID: uuid.New(), RunID: run.ID, BlockID: id,
					Status: model.BlockCancelled, StartedAt: ts, EndedAt: &ts,
				})
			}
			continue
		}

		var wg sync.WaitGroup
		for _, id := range layer {
			block, _ := flow.Block(id)
			wg.Add(1)
			go func(b *model.Block) {
				defer wg.Done()
				e.sem <- struct{}{}
				defer func() { <-e.sem }()

				mu.Lock()
				upstreamOK := e.upstreamSucceeded(flow, b, statuses)
				mu.Unlock()

				br := e.runBlock(ctx, flow, b, ev, outputs, upstreamOK, run.ID, &mu)
				mu.Lock()
				statuses[b.ID] = br.Status
				if br.Status == model.BlockSucceeded {
					outputs[b.ID] = br.Outputs
				}
				mu.Unlock()
			}(block)
		}
		wg.Wait()
	}

	return e.closeRun(ctx, flow, run, statuses, cancelled)
}

// upstreamSucceeded reports whether every block this one references reached
// succeeded. Skips cascade through this: a child of a failed or skipped
// block sees a non-succeeded upstream and is skipped in turn.
func (e *Engine) upstreamSucceeded(flow *model.Flow, b *model.Block, statuses map[uuid.UUID]model.BlockStatus) bool {
	for _, value := range b.Inputs {
		ref, ok := model.ParseRef(value)
		if !ok {
			continue
		}
		if statuses[ref.Block] != model.BlockSucceeded {
			return false
		}
	}
	return true
}

func (e *Engine) runBlock(ctx context.Context, flow *model.Flow, b *model.Block, ev *model.TriggerEvent, outputs map[uuid.UUID]map[string]any, upstreamOK bool, runID uuid.UUID, mu *sync.Mutex) *model.BlockRun {
	started := time.Now().UTC()
	br := &model.BlockRun{ID: uuid.New(), RunID: runID, BlockID: b.ID, StartedAt: started}
	finish := func(status model.BlockStatus) *model.BlockRun {
		ended := time.Now().UTC()
		br.Status = status
		br.EndedAt = &ended
		e.saveBlockRun(ctx, br)
		return br
	}

	if !upstreamOK {
		return finish(model.BlockSkipped)
	}

	desc, ok := e.reg.Lookup(b.Provider, b.Name, b.Kind)
	if !ok {
		br.Error = fmt.Sprintf("unknown %s %s.%s", b.Kind, b.Provider, b.Name)
		return finish(model.BlockFailed)
	}
	conn, ok := e.reg.Connector(b.Provider)
	if !ok {
		br.Error = fmt.Sprintf("provider %s has no connector", b.Provider)
		return finish(model.BlockFailed)
	}

	mu.Lock()
	inputs, err := e.resolveInputs(flow, b, desc, ev, outputs)
	mu.Unlock()
	if err != nil {
		br.Error = err.Error()
		return finish(model.BlockFailed)
	}

	// External calls run on a detached context: a disable or delete must not
	// abort a call already in flight. Cancellation is observed between
	// layers and between retry attempts instead.
	callCtx := context.WithoutCancel(ctx)
	token, err := e.token(callCtx, flow.UserID, b.Provider)
	if err != nil {
		br.Error = err.Error()
		return finish(model.BlockFailed)
	}

	out, err := e.invokeWithRetry(ctx, callCtx, conn, b, flow.UserID, inputs, token)
	if err != nil {
		if ctx.Err() != nil {
			return finish(model.BlockCancelled)
		}
		br.Error = err.Error()
		utils.Warn("flow %s block %s (%s.%s) failed: %v", flow.ID, b.ID, b.Provider, b.Name, err)
		return finish(model.BlockFailed)
	}
	br.Outputs = out
	return finish(model.BlockSucceeded)
}

// invokeWithRetry retries transient connector failures with backoff. The
// call itself runs on callCtx so it completes even if ctx is cancelled;
// cancellation is honored in the backoff sleep between attempts.
func (e *Engine) invokeWithRetry(ctx, callCtx context.Context, conn registryConnector, b *model.Block, userID int64, inputs map[string]any, token string) (map[string]any, error) {
	attempts := e.cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	retry := newBackoff(e.cfg.RetryBase.Or(500*time.Millisecond), e.cfg.RetryMax.Or(15*time.Second))
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		out, err := conn.InvokeReaction(callCtx, b.Name, userID, inputs, token)
		if err == nil {
			telemetry.ReactionAttemptsTotal.WithLabelValues(b.Provider, b.Name, "success").Inc()
			return out, nil
		}
		telemetry.ReactionAttemptsTotal.WithLabelValues(b.Provider, b.Name, "error").Inc()
		lastErr = err
		if !model.IsTransient(err) || attempt == attempts {
			break
		}
		if err := sleepCtx(ctx, retry.next()); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}

type registryConnector interface {
	InvokeReaction(ctx context.Context, reaction string, userID int64, inputs map[string]any, token string) (map[string]any, error)
}

// closeRun aggregates block statuses into a terminal run status, persists
// the run and publishes flow.run.completed.
func (e *Engine) closeRun(ctx context.Context, flow *model.Flow, run *model.Run, statuses map[uuid.UUID]model.BlockStatus, cancelled bool) (*model.Run, error) {
	succeeded, failed := 0, 0
	for _, b := range flow.Blocks {
		if b.Kind != model.KindReaction {
			continue
		}
		switch statuses[b.ID] {
		case model.BlockSucceeded:
			succeeded++
		case model.BlockCancelled:
			cancelled = true
		default:
			failed++
		}
	}

	switch {
	case cancelled:
		run.Status = model.RunCancelled
	case failed == 0:
		run.Status = model.RunSucceeded
	case succeeded == 0:
		run.Status = model.RunFailed
	default:
		run.Status = model.RunPartial
	}
	ended := time.Now().UTC()
	run.EndedAt = &ended
	// The terminal state must land even when the task context was cancelled
	// by a disable or shutdown mid-run.
	persistCtx := context.WithoutCancel(ctx)
	if err := e.store.SaveRun(persistCtx, run); err != nil {
		return run, err
	}

	// Touch lastRun only. The snapshot this run executed against may be
	// older than what a concurrent command just stored; a flow deleted
	// mid-run simply has no record left to touch.
	if err := e.store.UpdateLastRun(persistCtx, flow.ID, ended); err != nil && !errors.Is(err, model.ErrNotFound) {
		utils.Error("update lastRun for flow %s: %v", flow.ID, err)
	}

	e.publishRunCompleted(run)
	utils.Debug("flow %s run %s finished %s", flow.ID, run.ID, run.Status)
	return run, nil
}

func (e *Engine) saveBlockRun(ctx context.Context, br *model.BlockRun) {
	// Block outcomes are audit data; persist them even under cancellation.
	if err := e.store.SaveBlockRun(context.WithoutCancel(ctx), br); err != nil {
		utils.Error("save block run %s: %v", br.ID, err)
	}
}

// resolveInputs binds a reaction block's inputs: descriptor defaults first,
// then literals, whole-string references against upstream outputs, and
// finally templated strings rendered with the trigger and block outputs.
func (e *Engine) resolveInputs(flow *model.Flow, b *model.Block, desc model.Descriptor, ev *model.TriggerEvent, outputs map[uuid.UUID]map[string]any) (map[string]any, error) {
	resolved := map[string]any{}
	for _, p := range desc.Inputs {
		if p.Default != nil {
			resolved[p.Name] = p.Default
		}
	}

	params := map[string]model.ParamType{}
	for _, p := range desc.Inputs {
		params[p.Name] = p.Type
	}

	for name, raw := range b.Inputs {
		want := params[name]
		if ref, ok := model.ParseRef(raw); ok {
			src, found := outputs[ref.Block]
			if !found {
				return nil, fmt.Errorf("input %q: block %s produced no outputs", name, ref.Block)
			}
			value, present := src[ref.Field]
			if !present {
				return nil, fmt.Errorf("input %q: upstream output %q is missing", name, ref.Field)
			}
			coerced, err := coerceValue(value, want)
			if err != nil {
				return nil, fmt.Errorf("input %q: %w", name, err)
			}
			resolved[name] = coerced
			continue
		}
		if templater.IsTemplate(raw) {
			rendered, err := e.tmpl.Render(raw.(string), templateContext(ev, outputs))
			if err != nil {
				return nil, fmt.Errorf("input %q: %w", name, err)
			}
			coerced, err := coerceValue(rendered, want)
			if err != nil {
				return nil, fmt.Errorf("input %q: %w", name, err)
			}
			resolved[name] = coerced
			continue
		}
		resolved[name] = raw
	}
	return resolved, nil
}

// resolveLiteralInputs binds an action block's inputs. Actions run before
// any outputs exist, so only defaults and literals apply.
func (e *Engine) resolveLiteralInputs(flow *model.Flow, b *model.Block) (map[string]any, error) {
	desc, ok := e.reg.Lookup(b.Provider, b.Name, b.Kind)
	if !ok {
		return nil, fmt.Errorf("unknown %s %s.%s", b.Kind, b.Provider, b.Name)
	}
	resolved := map[string]any{}
	for _, p := range desc.Inputs {
		if p.Default != nil {
			resolved[p.Name] = p.Default
		}
	}
	for name, raw := range b.Inputs {
		resolved[name] = raw
	}
	return resolved, nil
}

// templateContext exposes the trigger outputs plus each finished block's
// outputs keyed by block id.
func templateContext(ev *model.TriggerEvent, outputs map[uuid.UUID]map[string]any) map[string]any {
	blocks := map[string]any{}
	for id, out := range outputs {
		blocks[id.String()] = out
	}
	return map[string]any{
		"trigger": ev.Outputs,
		"blocks":  blocks,
	}
}

// coerceValue converts a bound value to the parameter's declared type.
// Ints widen to floats; strings produced by templates parse into the
// scalar types.
func coerceValue(v any, t model.ParamType) (any, error) {
	if t == "" || t == model.TypeAny || v == nil {
		return v, nil
	}
	switch t {
	case model.TypeString:
		switch x := v.(type) {
		case string:
			return x, nil
		default:
			return fmt.Sprintf("%v", x), nil
		}
	case model.TypeInt:
		switch x := v.(type) {
		case int:
			return x, nil
		case int64:
			return int(x), nil
		case float64:
			return int(x), nil
		case string:
			n, err := strconv.Atoi(x)
			if err != nil {
				return nil, fmt.Errorf("%q is not an int", x)
			}
			return n, nil
		}
	case model.TypeFloat:
		switch x := v.(type) {
		case float64:
			return x, nil
		case int:
			return float64(x), nil
		case int64:
			return float64(x), nil
		case string:
			f, err := strconv.ParseFloat(x, 64)
			if err != nil {
				return nil, fmt.Errorf("%q is not a float", x)
			}
			return f, nil
		}
	case model.TypeBool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			b, err := strconv.ParseBool(x)
			if err != nil {
				return nil, fmt.Errorf("%q is not a bool", x)
			}
			return b, nil
		}
	case model.TypeTime:
		switch x := v.(type) {
		case time.Time:
			return x, nil
		case string:
			ts, err := time.Parse(time.RFC3339, x)
			if err != nil {
				return nil, fmt.Errorf("%q is not an RFC 3339 timestamp", x)
			}
			return ts, nil
		}
	}
	return nil, fmt.Errorf("cannot use %T as %s", v, t)
}
