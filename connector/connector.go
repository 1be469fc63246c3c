// Package connector defines the per-provider poll/invoke contract and the
// built-in provider implementations. Connectors are stateless across calls:
// all identity lives in the user id and the vault-supplied token.
package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/wirebird/wirebird/model"
)

// Connector is implemented once per external provider.
type Connector interface {
	// Name is the provider's unique key.
	Name() string
	// Info returns the provider's static descriptor catalog. Called once at
	// registry boot.
	Info() model.Provider
	// PollAction is a side-effect-free check of whether the action's
	// external condition has newly become true. It must be idempotent under
	// repeated calls with the same inputs when no new external event
	// occurred: the returned TriggerEvent ID identifies the external event,
	// and an unchanged ID means no new trigger.
	PollAction(ctx context.Context, action string, userID int64, inputs map[string]any, token string) (*model.TriggerEvent, error)
	// InvokeReaction executes one reaction call against the provider.
	InvokeReaction(ctx context.Context, reaction string, userID int64, inputs map[string]any, token string) (map[string]any, error)
}

var defaultClient = &http.Client{Timeout: 15 * time.Second}

// doJSON performs one authenticated JSON HTTP call and classifies failures:
// network errors, 429 and 5xx responses are transient ConnectionErrors,
// anything else is permanent.
func doJSON(ctx context.Context, client *http.Client, provider, method, url, token string, body any, out any) error {
	if client == nil {
		client = defaultClient
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", provider, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		return &model.ConnectionError{Provider: provider, Op: method + " " + url, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return &model.ConnectionError{Provider: provider, Op: method + " " + url,
			Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: %s returned %d: %s", provider, url, resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", provider, err)
	}
	return nil
}

func stringInput(inputs map[string]any, name string) (string, error) {
	v, ok := inputs[name]
	if !ok {
		return "", fmt.Errorf("missing required input %q", name)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("input %q must be a string, got %T", name, v)
	}
	return s, nil
}
