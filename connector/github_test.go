package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wirebird/wirebird/model"
)

func githubServer(t *testing.T) (*httptest.Server, *GithubConnector) {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /repos/wirebird/wirebird/issues", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "1", r.URL.Query().Get("per_page"))
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{
				"id": 9001, "number": 42, "title": "panic on boot",
				"body": "stack trace attached", "html_url": "https://github.test/i/42",
				"user": map[string]any{"login": "octocat"},
			},
		})
	})
	mux.HandleFunc("POST /repos/wirebird/wirebird/issues", func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "hello", payload["title"])
		_ = json.NewEncoder(w).Encode(map[string]any{"number": 101, "html_url": "https://github.test/i/101"})
	})
	mux.HandleFunc("PATCH /repos/wirebird/wirebird/issues/42", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"number": 42, "state": "closed"})
	})
	mux.HandleFunc("POST /repos/wirebird/wirebird/issues/42/comments", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"id": 7, "html_url": "https://github.test/c/7"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	c := NewGithubConnector()
	c.BaseURL = srv.URL
	return srv, c
}

var repoInputs = map[string]any{"owner": "wirebird", "repository": "wirebird"}

func TestGithubPollIssueOpened(t *testing.T) {
	_, c := githubServer(t)
	ev, err := c.PollAction(context.Background(), "issue_opened", 1, repoInputs, "test-token")
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, "issue:9001", ev.ID)
	assert.Equal(t, 42, ev.Outputs["issue_number"])
	assert.Equal(t, "panic on boot", ev.Outputs["title"])
	assert.Equal(t, "octocat", ev.Outputs["author"])
}

func TestGithubPollIsIdempotent(t *testing.T) {
	_, c := githubServer(t)
	first, err := c.PollAction(context.Background(), "issue_opened", 1, repoInputs, "test-token")
	require.NoError(t, err)
	second, err := c.PollAction(context.Background(), "issue_opened", 1, repoInputs, "test-token")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "same external issue must yield the same trigger id")
}

func TestGithubReactions(t *testing.T) {
	_, c := githubServer(t)
	ctx := context.Background()

	out, err := c.InvokeReaction(ctx, "issue_create", 1, map[string]any{
		"owner": "wirebird", "repository": "wirebird", "title": "hello",
	}, "test-token")
	require.NoError(t, err)
	assert.Equal(t, 101, out["issue_number"])

	out, err = c.InvokeReaction(ctx, "issue_close", 1, map[string]any{
		"owner": "wirebird", "repository": "wirebird", "issue_number": 42,
	}, "test-token")
	require.NoError(t, err)
	assert.Equal(t, "closed", out["state"])

	out, err = c.InvokeReaction(ctx, "issue_comment_create", 1, map[string]any{
		"owner": "wirebird", "repository": "wirebird", "issue_number": 42, "body": "on it",
	}, "test-token")
	require.NoError(t, err)
	assert.Equal(t, int64(7), out["comment_id"])
}

func TestGithubServerErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	c := NewGithubConnector()
	c.BaseURL = srv.URL

	_, err := c.PollAction(context.Background(), "issue_opened", 1, repoInputs, "t")
	require.Error(t, err)
	assert.True(t, model.IsTransient(err))
}

func TestGithubClientErrorIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
	}))
	defer srv.Close()
	c := NewGithubConnector()
	c.BaseURL = srv.URL

	_, err := c.PollAction(context.Background(), "issue_opened", 1, repoInputs, "t")
	require.Error(t, err)
	assert.False(t, model.IsTransient(err))
}

func TestGithubUnknownOps(t *testing.T) {
	c := NewGithubConnector()
	_, err := c.PollAction(context.Background(), "nope", 1, repoInputs, "t")
	assert.Error(t, err)
	_, err = c.InvokeReaction(context.Background(), "nope", 1, repoInputs, "t")
	assert.Error(t, err)
}
