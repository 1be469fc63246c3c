package connector

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/wirebird/wirebird/model"
)

const (
	gmailAPIBase    = "https://gmail.googleapis.com"
	calendarAPIBase = "https://www.googleapis.com"
)

// GoogleConnector covers Gmail and Google Calendar under a single provider.
type GoogleConnector struct {
	GmailBaseURL    string
	CalendarBaseURL string
	Client          *http.Client
}

var _ Connector = (*GoogleConnector)(nil)

func NewGoogleConnector() *GoogleConnector {
	return &GoogleConnector{GmailBaseURL: gmailAPIBase, CalendarBaseURL: calendarAPIBase}
}

func (c *GoogleConnector) Name() string { return "google" }

func (c *GoogleConnector) Info() model.Provider {
	return model.Provider{
		Name:  "google",
		Title: "Google",
		Image: "https://www.google.com/favicon.ico",
		Auth:  "oauth2",
		Actions: []model.Descriptor{
			{
				Provider: "google", Name: "gmail_receive", Kind: model.KindAction,
				Title:       "Email received",
				Description: "Fires when a new message arrives in the Gmail inbox",
				Inputs: []model.InputParam{
					{Name: "from", Title: "Filter by sender", Type: model.TypeString},
				},
				Outputs: []model.OutputField{
					{Name: "subject", Type: model.TypeString},
					{Name: "sender", Type: model.TypeString},
					{Name: "snippet", Type: model.TypeString},
				},
			},
		},
		Reactions: []model.Descriptor{
			{
				Provider: "google", Name: "gmail_send", Kind: model.KindReaction,
				Title:       "Send email",
				Description: "Sends an email from the connected Gmail account",
				Inputs: []model.InputParam{
					{Name: "to", Type: model.TypeString, Required: true},
					{Name: "subject", Type: model.TypeString, Required: true},
					{Name: "body", Type: model.TypeString, Required: true},
				},
				Outputs: []model.OutputField{
					{Name: "message_id", Type: model.TypeString},
				},
			},
			{
				Provider: "google", Name: "calendar_event_add", Kind: model.KindReaction,
				Title:       "Add calendar event",
				Description: "Creates an event on the primary Google Calendar",
				Inputs: []model.InputParam{
					{Name: "summary", Type: model.TypeString, Required: true},
					{Name: "description", Type: model.TypeString},
					{Name: "start", Title: "Start (RFC 3339)", Type: model.TypeTime, Required: true},
					{Name: "end", Title: "End (RFC 3339)", Type: model.TypeTime, Required: true},
				},
				Outputs: []model.OutputField{
					{Name: "event_id", Type: model.TypeString},
					{Name: "html_link", Type: model.TypeString},
				},
			},
		},
	}
}

type gmailMessageRef struct {
	ID string `json:"id"`
}

type gmailMessage struct {
	ID      string `json:"id"`
	Snippet string `json:"snippet"`
	Payload struct {
		Headers []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"headers"`
	} `json:"payload"`
}

func (m gmailMessage) header(name string) string {
	for _, h := range m.Payload.Headers {
		if h.Name == name {
			return h.Value
		}
	}
	return ""
}

func (c *GoogleConnector) PollAction(ctx context.Context, action string, userID int64, inputs map[string]any, token string) (*model.TriggerEvent, error) {
	if action != "gmail_receive" {
		return nil, fmt.Errorf("google: unknown action %q", action)
	}
	query := url.Values{"maxResults": {"1"}, "labelIds": {"INBOX"}}
	if from, ok := inputs["from"].(string); ok && from != "" {
		query.Set("q", "from:"+from)
	}
	var list struct {
		Messages []gmailMessageRef `json:"messages"`
	}
	endpoint := c.GmailBaseURL + "/gmail/v1/users/me/messages?" + query.Encode()
	if err := doJSON(ctx, c.Client, "google", http.MethodGet, endpoint, token, nil, &list); err != nil {
		return nil, err
	}
	if len(list.Messages) == 0 {
		return nil, nil
	}
	var msg gmailMessage
	endpoint = c.GmailBaseURL + "/gmail/v1/users/me/messages/" + url.PathEscape(list.Messages[0].ID)
	if err := doJSON(ctx, c.Client, "google", http.MethodGet, endpoint, token, nil, &msg); err != nil {
		return nil, err
	}
	return &model.TriggerEvent{
		ID: "message:" + msg.ID,
		Outputs: map[string]any{
			"subject": msg.header("Subject"),
			"sender":  msg.header("From"),
			"snippet": msg.Snippet,
		},
	}, nil
}

func (c *GoogleConnector) InvokeReaction(ctx context.Context, reaction string, userID int64, inputs map[string]any, token string) (map[string]any, error) {
	switch reaction {
	case "gmail_send":
		to, err := stringInput(inputs, "to")
		if err != nil {
			return nil, err
		}
		subject, err := stringInput(inputs, "subject")
		if err != nil {
			return nil, err
		}
		body, err := stringInput(inputs, "body")
		if err != nil {
			return nil, err
		}
		raw := fmt.Sprintf("To: %s\r\nSubject: %s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s", to, subject, body)
		payload := map[string]any{"raw": base64.URLEncoding.EncodeToString([]byte(raw))}
		var sent struct {
			ID string `json:"id"`
		}
		endpoint := c.GmailBaseURL + "/gmail/v1/users/me/messages/send"
		if err := doJSON(ctx, c.Client, "google", http.MethodPost, endpoint, token, payload, &sent); err != nil {
			return nil, err
		}
		return map[string]any{"message_id": sent.ID}, nil

	case "calendar_event_add":
		summary, err := stringInput(inputs, "summary")
		if err != nil {
			return nil, err
		}
		start, err := timeInput(inputs, "start")
		if err != nil {
			return nil, err
		}
		end, err := timeInput(inputs, "end")
		if err != nil {
			return nil, err
		}
		payload := map[string]any{
			"summary": summary,
			"start":   map[string]string{"dateTime": start.Format(time.RFC3339)},
			"end":     map[string]string{"dateTime": end.Format(time.RFC3339)},
		}
		if desc, ok := inputs["description"].(string); ok && desc != "" {
			payload["description"] = desc
		}
		var event struct {
			ID       string `json:"id"`
			HTMLLink string `json:"htmlLink"`
		}
		endpoint := c.CalendarBaseURL + "/calendar/v3/calendars/primary/events"
		if err := doJSON(ctx, c.Client, "google", http.MethodPost, endpoint, token, payload, &event); err != nil {
			return nil, err
		}
		return map[string]any{"event_id": event.ID, "html_link": event.HTMLLink}, nil

	default:
		return nil, fmt.Errorf("google: unknown reaction %q", reaction)
	}
}

func timeInput(inputs map[string]any, name string) (time.Time, error) {
	v, ok := inputs[name]
	if !ok {
		return time.Time{}, fmt.Errorf("missing required input %q", name)
	}
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return time.Time{}, fmt.Errorf("input %q: %w", name, err)
		}
		return parsed, nil
	default:
		return time.Time{}, fmt.Errorf("input %q must be a timestamp, got %T", name, v)
	}
}
