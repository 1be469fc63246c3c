package engine

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/wirebird/wirebird/model"
	"github.com/wirebird/wirebird/telemetry"
	"github.com/wirebird/wirebird/utils"
)

// runTask is the lifecycle of one enabled flow: wait, poll, dedupe,
// dispatch, cool down, repeat. Poll failures back off exponentially and
// reset on the first success.
func (e *Engine) runTask(ctx context.Context, flow *model.Flow) {
	interval := flow.PollInterval
	if interval <= 0 {
		interval = e.cfg.PollInterval.Or(30 * time.Second)
	}
	var schedule cron.Schedule
	if flow.Schedule != "" {
		parsed, err := cron.ParseStandard(flow.Schedule)
		if err != nil {
			utils.Error("flow %s has unparseable schedule %q: %v", flow.ID, flow.Schedule, err)
			return
		}
		schedule = parsed
	}

	lastTrigger, err := e.lastTriggerID(ctx, flow.ID)
	if err != nil {
		utils.Error("flow %s: load last run: %v", flow.ID, err)
	}

	retry := newBackoff(e.cfg.RetryBase.Or(500*time.Millisecond), e.cfg.RetryMax.Or(15*time.Second))
	utils.Debug("flow %s polling every %s", flow.ID, interval)

	for {
		wait := interval
		if schedule != nil {
			wait = time.Until(schedule.Next(time.Now()))
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return
		}

		ev, err := e.poll(ctx, flow)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			telemetry.PollsTotal.WithLabelValues(actionProvider(flow), "error").Inc()
			utils.Warn("flow %s poll failed: %v", flow.ID, err)
			if err := sleepCtx(ctx, retry.next()); err != nil {
				return
			}
			continue
		}
		retry.reset()

		if ev == nil || (ev.ID != "" && ev.ID == lastTrigger) {
			telemetry.PollsTotal.WithLabelValues(actionProvider(flow), "no_event").Inc()
			continue
		}
		telemetry.PollsTotal.WithLabelValues(actionProvider(flow), "event").Inc()

		run, err := e.execute(ctx, flow, ev)
		if err != nil {
			utils.Error("flow %s run failed to record: %v", flow.ID, err)
			continue
		}
		lastTrigger = ev.ID
		if run != nil && run.Status == model.RunCancelled {
			return
		}

		if err := sleepCtx(ctx, e.cfg.Cooldown.Or(10*time.Second)); err != nil {
			return
		}
	}
}

// poll fetches the flow's trigger event. Providers marked oauth2 get a
// vault token; the vault refreshes it first when it is about to expire.
func (e *Engine) poll(ctx context.Context, flow *model.Flow) (*model.TriggerEvent, error) {
	action, ok := flow.ActionBlock()
	if !ok {
		return nil, model.ErrInvalid
	}
	conn, ok := e.reg.Connector(action.Provider)
	if !ok {
		return nil, utils.Errorf("provider %s has no connector", action.Provider)
	}
	token, err := e.token(ctx, flow.UserID, action.Provider)
	if err != nil {
		return nil, err
	}
	inputs, err := e.resolveLiteralInputs(flow, action)
	if err != nil {
		return nil, err
	}
	return conn.PollAction(ctx, action.Name, flow.UserID, inputs, token)
}

// token returns an access token for oauth2 providers and "" for authless ones.
func (e *Engine) token(ctx context.Context, userID int64, provider string) (string, error) {
	info, ok := e.reg.Provider(provider)
	if !ok || info.Auth != "oauth2" {
		return "", nil
	}
	return e.tokens.GetToken(ctx, userID, provider)
}

func actionProvider(flow *model.Flow) string {
	if action, ok := flow.ActionBlock(); ok {
		return action.Provider
	}
	return "unknown"
}
