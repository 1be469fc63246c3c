package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/wirebird/wirebird/model"
	"github.com/wirebird/wirebird/utils"
)

// DebugConnector is a provider with no external dependencies, used for
// smoke-testing flows end to end.
type DebugConnector struct {
	// Now is swapped out in tests.
	Now func() time.Time
}

var _ Connector = (*DebugConnector)(nil)

func NewDebugConnector() *DebugConnector {
	return &DebugConnector{Now: time.Now}
}

func (c *DebugConnector) Name() string { return "debug" }

func (c *DebugConnector) Info() model.Provider {
	return model.Provider{
		Name:  "debug",
		Title: "Debug",
		Actions: []model.Descriptor{
			{
				Provider: "debug", Name: "tick", Kind: model.KindAction,
				Title:       "Interval tick",
				Description: "Fires once per interval",
				Inputs: []model.InputParam{
					{Name: "interval", Title: "Interval in seconds", Type: model.TypeInt, Default: 60},
				},
				Outputs: []model.OutputField{
					{Name: "timestamp", Type: model.TypeTime},
					{Name: "unix", Type: model.TypeInt},
				},
			},
		},
		Reactions: []model.Descriptor{
			{
				Provider: "debug", Name: "log", Kind: model.KindReaction,
				Title:       "Log message",
				Description: "Writes a message to the engine log",
				Inputs: []model.InputParam{
					{Name: "message", Type: model.TypeString, Required: true},
				},
				Outputs: []model.OutputField{
					{Name: "message", Type: model.TypeString},
				},
			},
		},
	}
}

func (c *DebugConnector) PollAction(ctx context.Context, action string, userID int64, inputs map[string]any, token string) (*model.TriggerEvent, error) {
	if action != "tick" {
		return nil, fmt.Errorf("debug: unknown action %q", action)
	}
	interval, err := intInput(inputs, "interval")
	if err != nil || interval <= 0 {
		interval = 60
	}
	now := c.Now().UTC()
	// Trigger IDs are bucketed so repeated polls within one interval dedupe
	// to a single event.
	bucket := now.Unix() / int64(interval)
	return &model.TriggerEvent{
		ID: fmt.Sprintf("tick:%d:%d", interval, bucket),
		Outputs: map[string]any{
			"timestamp": now,
			"unix":      now.Unix(),
		},
	}, nil
}

func (c *DebugConnector) InvokeReaction(ctx context.Context, reaction string, userID int64, inputs map[string]any, token string) (map[string]any, error) {
	if reaction != "log" {
		return nil, fmt.Errorf("debug: unknown reaction %q", reaction)
	}
	message, err := stringInput(inputs, "message")
	if err != nil {
		return nil, err
	}
	utils.Info("debug.log user=%d: %s", userID, message)
	return map[string]any{"message": message}, nil
}
