package loader

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wirebird/wirebird/model"
)

const flowYAML = `
name: notify on new issue
description: email ops when an issue opens
pollInterval: 45s
blocks:
  - uuid: 8a2e9f1c-3b4d-4e5f-8a6b-7c8d9e0f1a2b
    provider: github
    name: issue_opened
    kind: action
    inputs:
      owner: wirebird
      repository: wirebird
  - provider: email
    name: send
    inputs:
      to: ops@example.com
      subject: "{{ 8a2e9f1c-3b4d-4e5f-8a6b-7c8d9e0f1a2b.title }}"
      body: new issue
`

func TestLoadFlow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(flowYAML), 0o644))

	flow, err := LoadFlow(path)
	require.NoError(t, err)
	assert.Equal(t, "notify on new issue", flow.Name)
	assert.Equal(t, "45s", flow.PollInterval.String())
	require.Len(t, flow.Blocks, 2)

	assert.Equal(t, "8a2e9f1c-3b4d-4e5f-8a6b-7c8d9e0f1a2b", flow.Blocks[0].ID.String())
	assert.Equal(t, model.KindAction, flow.Blocks[0].Kind)

	// Omitted ids are generated; omitted kinds default by position.
	assert.NotEqual(t, flow.Blocks[0].ID, flow.Blocks[1].ID)
	assert.Equal(t, model.KindReaction, flow.Blocks[1].Kind)
	assert.Equal(t, "ops@example.com", flow.Blocks[1].Inputs["to"])
}

func TestParseFlowGeneratesFlowID(t *testing.T) {
	flow, err := ParseFlow([]byte("name: x\nblocks: []"))
	require.NoError(t, err)
	assert.NotZero(t, flow.ID)
}

func TestParseFlowRejectsBadUUID(t *testing.T) {
	_, err := ParseFlow([]byte("name: x\nblocks:\n  - uuid: nope\n    provider: p\n    name: n"))
	assert.Error(t, err)
}

func TestParseFlowRejectsBadDuration(t *testing.T) {
	_, err := ParseFlow([]byte("name: x\npollInterval: soon"))
	assert.Error(t, err)
}

func TestLoadFlowMissingFile(t *testing.T) {
	_, err := LoadFlow(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
