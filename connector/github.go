package connector

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/wirebird/wirebird/model"
)

const githubAPIBase = "https://api.github.com"

// GithubConnector exposes GitHub issue actions and reactions.
type GithubConnector struct {
	// BaseURL defaults to the public API; tests point it at a local server.
	BaseURL string
	Client  *http.Client
}

var _ Connector = (*GithubConnector)(nil)

func NewGithubConnector() *GithubConnector {
	return &GithubConnector{BaseURL: githubAPIBase}
}

func (c *GithubConnector) Name() string { return "github" }

func (c *GithubConnector) Info() model.Provider {
	repoInputs := []model.InputParam{
		{Name: "owner", Title: "Repository owner", Type: model.TypeString, Required: true},
		{Name: "repository", Title: "Repository name", Type: model.TypeString, Required: true},
	}
	withRepo := func(extra ...model.InputParam) []model.InputParam {
		return append(append([]model.InputParam{}, repoInputs...), extra...)
	}
	return model.Provider{
		Name:  "github",
		Title: "GitHub",
		Image: "https://github.githubassets.com/favicons/favicon.svg",
		Auth:  "oauth2",
		Actions: []model.Descriptor{
			{
				Provider: "github", Name: "issue_opened", Kind: model.KindAction,
				Title:       "Issue opened",
				Description: "Fires when a new issue is opened on the repository",
				Inputs:      repoInputs,
				Outputs: []model.OutputField{
					{Name: "issue_number", Type: model.TypeInt},
					{Name: "title", Type: model.TypeString},
					{Name: "body", Type: model.TypeString},
					{Name: "author", Type: model.TypeString},
					{Name: "html_url", Type: model.TypeString},
				},
			},
		},
		Reactions: []model.Descriptor{
			{
				Provider: "github", Name: "issue_create", Kind: model.KindReaction,
				Title:       "Create issue",
				Description: "Opens a new issue on the repository",
				Inputs: withRepo(
					model.InputParam{Name: "title", Type: model.TypeString, Required: true},
					model.InputParam{Name: "body", Type: model.TypeString}),
				Outputs: []model.OutputField{
					{Name: "issue_number", Type: model.TypeInt},
					{Name: "html_url", Type: model.TypeString},
				},
			},
			{
				Provider: "github", Name: "issue_close", Kind: model.KindReaction,
				Title:       "Close issue",
				Description: "Closes an existing issue",
				Inputs: withRepo(
					model.InputParam{Name: "issue_number", Type: model.TypeInt, Required: true}),
				Outputs: []model.OutputField{
					{Name: "issue_number", Type: model.TypeInt},
					{Name: "state", Type: model.TypeString},
				},
			},
			{
				Provider: "github", Name: "issue_comment_create", Kind: model.KindReaction,
				Title:       "Comment on issue",
				Description: "Adds a comment to an existing issue",
				Inputs: withRepo(
					model.InputParam{Name: "issue_number", Type: model.TypeInt, Required: true},
					model.InputParam{Name: "body", Type: model.TypeString, Required: true}),
				Outputs: []model.OutputField{
					{Name: "comment_id", Type: model.TypeInt},
					{Name: "html_url", Type: model.TypeString},
				},
			},
		},
	}
}

type githubIssue struct {
	ID      int64  `json:"id"`
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	State   string `json:"state"`
	HTMLURL string `json:"html_url"`
	User    struct {
		Login string `json:"login"`
	} `json:"user"`
}

func (c *GithubConnector) PollAction(ctx context.Context, action string, userID int64, inputs map[string]any, token string) (*model.TriggerEvent, error) {
	if action != "issue_opened" {
		return nil, fmt.Errorf("github: unknown action %q", action)
	}
	owner, err := stringInput(inputs, "owner")
	if err != nil {
		return nil, err
	}
	repo, err := stringInput(inputs, "repository")
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/repos/%s/%s/issues?%s", c.BaseURL,
		url.PathEscape(owner), url.PathEscape(repo),
		url.Values{"state": {"open"}, "sort": {"created"}, "direction": {"desc"}, "per_page": {"1"}}.Encode())
	var issues []githubIssue
	if err := doJSON(ctx, c.Client, "github", http.MethodGet, endpoint, token, nil, &issues); err != nil {
		return nil, err
	}
	if len(issues) == 0 {
		return nil, nil
	}
	latest := issues[0]
	return &model.TriggerEvent{
		ID: fmt.Sprintf("issue:%d", latest.ID),
		Outputs: map[string]any{
			"issue_number": latest.Number,
			"title":        latest.Title,
			"body":         latest.Body,
			"author":       latest.User.Login,
			"html_url":     latest.HTMLURL,
		},
	}, nil
}

func (c *GithubConnector) InvokeReaction(ctx context.Context, reaction string, userID int64, inputs map[string]any, token string) (map[string]any, error) {
	owner, err := stringInput(inputs, "owner")
	if err != nil {
		return nil, err
	}
	repo, err := stringInput(inputs, "repository")
	if err != nil {
		return nil, err
	}
	base := fmt.Sprintf("%s/repos/%s/%s", c.BaseURL, url.PathEscape(owner), url.PathEscape(repo))

	switch reaction {
	case "issue_create":
		title, err := stringInput(inputs, "title")
		if err != nil {
			return nil, err
		}
		payload := map[string]any{"title": title}
		if body, ok := inputs["body"].(string); ok && body != "" {
			payload["body"] = body
		}
		var issue githubIssue
		if err := doJSON(ctx, c.Client, "github", http.MethodPost, base+"/issues", token, payload, &issue); err != nil {
			return nil, err
		}
		return map[string]any{"issue_number": issue.Number, "html_url": issue.HTMLURL}, nil

	case "issue_close":
		number, err := intInput(inputs, "issue_number")
		if err != nil {
			return nil, err
		}
		var issue githubIssue
		endpoint := fmt.Sprintf("%s/issues/%d", base, number)
		if err := doJSON(ctx, c.Client, "github", http.MethodPatch, endpoint, token, map[string]any{"state": "closed"}, &issue); err != nil {
			return nil, err
		}
		return map[string]any{"issue_number": issue.Number, "state": issue.State}, nil

	case "issue_comment_create":
		number, err := intInput(inputs, "issue_number")
		if err != nil {
			return nil, err
		}
		body, err := stringInput(inputs, "body")
		if err != nil {
			return nil, err
		}
		var comment struct {
			ID      int64  `json:"id"`
			HTMLURL string `json:"html_url"`
		}
		endpoint := fmt.Sprintf("%s/issues/%d/comments", base, number)
		if err := doJSON(ctx, c.Client, "github", http.MethodPost, endpoint, token, map[string]any{"body": body}, &comment); err != nil {
			return nil, err
		}
		return map[string]any{"comment_id": comment.ID, "html_url": comment.HTMLURL}, nil

	default:
		return nil, fmt.Errorf("github: unknown reaction %q", reaction)
	}
}

func intInput(inputs map[string]any, name string) (int, error) {
	v, ok := inputs[name]
	if !ok {
		return 0, fmt.Errorf("missing required input %q", name)
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("input %q must be an int, got %T", name, v)
	}
}
