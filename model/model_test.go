package model

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRef(t *testing.T) {
	id := uuid.New()

	ref, ok := ParseRef("{{" + id.String() + ".issue_number}}")
	require.True(t, ok)
	assert.Equal(t, id, ref.Block)
	assert.Equal(t, "issue_number", ref.Field)

	ref, ok = ParseRef("{{ " + id.String() + ".title }}")
	require.True(t, ok)
	assert.Equal(t, "title", ref.Field)
}

func TestParseRefRejectsTemplatesAndLiterals(t *testing.T) {
	id := uuid.New()
	cases := []any{
		"plain string",
		42,
		nil,
		"{{ trigger.title }}",
		"issue {{" + id.String() + ".title}} opened", // embedded, not whole-string
		"{{not-a-uuid.field}}",
	}
	for _, c := range cases {
		_, ok := ParseRef(c)
		assert.False(t, ok, "case %v", c)
	}
}

func TestAssignableTo(t *testing.T) {
	assert.True(t, TypeInt.AssignableTo(TypeInt))
	assert.True(t, TypeInt.AssignableTo(TypeFloat))
	assert.False(t, TypeFloat.AssignableTo(TypeInt))
	assert.True(t, TypeString.AssignableTo(TypeAny))
	assert.True(t, TypeAny.AssignableTo(TypeBool))
	assert.False(t, TypeBool.AssignableTo(TypeString))
}

func TestFlowHelpers(t *testing.T) {
	action := Block{ID: uuid.New(), Provider: "github", Name: "issue_opened", Kind: KindAction}
	reaction := Block{ID: uuid.New(), Provider: "email", Name: "send", Kind: KindReaction}
	flow := &Flow{ID: uuid.New(), Blocks: []Block{action, reaction}}

	got, ok := flow.ActionBlock()
	require.True(t, ok)
	assert.Equal(t, action.ID, got.ID)

	got, ok = flow.Block(reaction.ID)
	require.True(t, ok)
	assert.Equal(t, "send", got.Name)

	_, ok = flow.Block(uuid.New())
	assert.False(t, ok)

	assert.True(t, flow.UsesProvider("email"))
	assert.False(t, flow.UsesProvider("google"))
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, RunPending.Terminal())
	assert.False(t, RunRunning.Terminal())
	assert.True(t, RunSucceeded.Terminal())
	assert.True(t, RunPartial.Terminal())
	assert.True(t, RunFailed.Terminal())
	assert.True(t, RunCancelled.Terminal())

	assert.False(t, BlockRunning.Terminal())
	assert.True(t, BlockSkipped.Terminal())
}

func TestCredentialExpired(t *testing.T) {
	rec := &CredentialRecord{ExpiresAt: time.Now().Add(time.Hour)}
	assert.False(t, rec.Expired(30*time.Second))
	assert.True(t, rec.Expired(2*time.Hour))

	rec = &CredentialRecord{ExpiresAt: time.Now().Add(-time.Minute)}
	assert.True(t, rec.Expired(0))

	// No expiry recorded means the token never goes stale locally.
	rec = &CredentialRecord{}
	assert.False(t, rec.Expired(30*time.Second))
}
