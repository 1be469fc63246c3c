package connector

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"os"
	"strings"

	"github.com/wirebird/wirebird/model"
)

// EmailConnector delivers mail over plain SMTP. It needs no OAuth grant;
// server coordinates come from SMTP_ADDR / SMTP_USER / SMTP_PASSWORD.
type EmailConnector struct {
	Addr string
	From string
	Auth smtp.Auth

	// send is swapped out in tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

var _ Connector = (*EmailConnector)(nil)

func NewEmailConnector() *EmailConnector {
	c := &EmailConnector{
		Addr: os.Getenv("SMTP_ADDR"),
		From: os.Getenv("SMTP_FROM"),
		send: smtp.SendMail,
	}
	if user := os.Getenv("SMTP_USER"); user != "" {
		host, _, _ := net.SplitHostPort(c.Addr)
		c.Auth = smtp.PlainAuth("", user, os.Getenv("SMTP_PASSWORD"), host)
	}
	return c
}

func (c *EmailConnector) Name() string { return "email" }

func (c *EmailConnector) Info() model.Provider {
	return model.Provider{
		Name:  "email",
		Title: "Email",
		Reactions: []model.Descriptor{
			{
				Provider: "email", Name: "send", Kind: model.KindReaction,
				Title:       "Send email",
				Description: "Sends an email through the configured SMTP relay",
				Inputs: []model.InputParam{
					{Name: "to", Type: model.TypeString, Required: true},
					{Name: "subject", Type: model.TypeString, Required: true},
					{Name: "body", Type: model.TypeString, Required: true},
				},
				Outputs: []model.OutputField{
					{Name: "recipient", Type: model.TypeString},
				},
			},
		},
	}
}

func (c *EmailConnector) PollAction(ctx context.Context, action string, userID int64, inputs map[string]any, token string) (*model.TriggerEvent, error) {
	return nil, fmt.Errorf("email: provider has no actions")
}

func (c *EmailConnector) InvokeReaction(ctx context.Context, reaction string, userID int64, inputs map[string]any, token string) (map[string]any, error) {
	if reaction != "send" {
		return nil, fmt.Errorf("email: unknown reaction %q", reaction)
	}
	if c.Addr == "" {
		return nil, fmt.Errorf("email: SMTP_ADDR is not configured")
	}
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
	msg := strings.Join([]string{
		"From: " + c.From,
		"To: " + to,
		"Subject: " + subject,
		"Content-Type: text/plain; charset=utf-8",
		"",
		body,
	}, "\r\n")
	if err := c.send(c.Addr, c.Auth, c.From, []string{to}, []byte(msg)); err != nil {
		return nil, &model.ConnectionError{Provider: "email", Op: "send", Err: err}
	}
	return map[string]any{"recipient": to}, nil
}
