package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wirebird/wirebird/model"
)

// fakeConnector serves the catalog tests; its poll and invoke paths are
// never reached here.
type fakeConnector struct {
	info model.Provider
}

func (f *fakeConnector) Name() string         { return f.info.Name }
func (f *fakeConnector) Info() model.Provider { return f.info }
func (f *fakeConnector) PollAction(ctx context.Context, action string, userID int64, inputs map[string]any, token string) (*model.TriggerEvent, error) {
	return nil, nil
}
func (f *fakeConnector) InvokeReaction(ctx context.Context, reaction string, userID int64, inputs map[string]any, token string) (map[string]any, error) {
	return nil, nil
}

func testProvider() model.Provider {
	return model.Provider{
		Name: "issues", Auth: "oauth2",
		Actions: []model.Descriptor{
			{
				Provider: "issues", Name: "opened", Kind: model.KindAction,
				Inputs: []model.InputParam{
					{Name: "repository", Type: model.TypeString, Required: true},
				},
				Outputs: []model.OutputField{
					{Name: "number", Type: model.TypeInt},
					{Name: "title", Type: model.TypeString},
				},
			},
		},
		Reactions: []model.Descriptor{
			{
				Provider: "issues", Name: "comment", Kind: model.KindReaction,
				Inputs: []model.InputParam{
					{Name: "number", Type: model.TypeInt, Required: true},
					{Name: "body", Type: model.TypeString, Required: true},
					{Name: "silent", Type: model.TypeBool, Default: false},
				},
				Outputs: []model.OutputField{
					{Name: "comment_id", Type: model.TypeInt},
				},
			},
			{
				Provider: "issues", Name: "close", Kind: model.KindReaction,
				Inputs: []model.InputParam{
					{Name: "number", Type: model.TypeInt, Required: true},
				},
				Outputs: []model.OutputField{
					{Name: "state", Type: model.TypeString},
				},
			},
		},
	}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r := New()
	require.NoError(t, r.Register(&fakeConnector{info: testProvider()}))
	return r
}

func TestLookupAndProviders(t *testing.T) {
	r := newTestRegistry(t)

	d, ok := r.Lookup("issues", "opened", model.KindAction)
	require.True(t, ok)
	assert.Len(t, d.Outputs, 2)

	_, ok = r.Lookup("issues", "opened", model.KindReaction)
	assert.False(t, ok, "kind is part of the lookup key")

	_, ok = r.Lookup("nope", "opened", model.KindAction)
	assert.False(t, ok)

	providers := r.Providers()
	require.Len(t, providers, 1)
	assert.Equal(t, "issues", providers[0].Name)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := newTestRegistry(t)
	err := r.Register(&fakeConnector{info: testProvider()})
	assert.Error(t, err)
}

type staticChecker map[string]bool

func (s staticChecker) Connected(ctx context.Context, userID int64) (map[string]bool, error) {
	return s, nil
}

func TestProvidersForUser(t *testing.T) {
	r := newTestRegistry(t)

	statuses, err := r.ProvidersForUser(context.Background(), 1, staticChecker{"issues": true})
	require.NoError(t, err)
	require.Len(t, statuses, 1)
	assert.True(t, statuses[0].Connected)

	statuses, err = r.ProvidersForUser(context.Background(), 2, staticChecker{})
	require.NoError(t, err)
	assert.False(t, statuses[0].Connected)
}

func TestLoadCatalogFile(t *testing.T) {
	r := newTestRegistry(t)
	path := filepath.Join(t.TempDir(), "webhook.json")
	catalog := `{
		"name": "webhook",
		"title": "Webhooks",
		"reactions": [
			{
				"name": "post",
				"inputs": [{"name": "url", "type": "string", "required": true}],
				"outputs": [{"name": "status", "type": "int"}]
			}
		]
	}`
	require.NoError(t, os.WriteFile(path, []byte(catalog), 0o644))
	require.NoError(t, r.LoadCatalogs([]string{path}))

	d, ok := r.Lookup("webhook", "post", model.KindReaction)
	require.True(t, ok)
	assert.Equal(t, "webhook", d.Provider)

	// Catalog-only providers list but have no executable connector.
	_, ok = r.Connector("webhook")
	assert.False(t, ok)
}

func TestLoadCatalogFileRejectsSchemaViolations(t *testing.T) {
	r := newTestRegistry(t)
	path := filepath.Join(t.TempDir(), "bad.json")
	// Input without a type fails the schema.
	catalog := `{"name": "bad", "reactions": [{"name": "x", "inputs": [{"name": "y"}]}]}`
	require.NoError(t, os.WriteFile(path, []byte(catalog), 0o644))
	assert.Error(t, r.LoadCatalogFile(path))
}

// graph builders shared by the validation tests

func actionBlock() model.Block {
	return model.Block{
		ID: uuid.New(), Provider: "issues", Name: "opened", Kind: model.KindAction,
		Inputs: map[string]any{"repository": "wirebird/wirebird"},
	}
}

func commentBlock(refTo uuid.UUID) model.Block {
	return model.Block{
		ID: uuid.New(), Provider: "issues", Name: "comment", Kind: model.KindReaction,
		Inputs: map[string]any{
			"number": "{{" + refTo.String() + ".number}}",
			"body":   "thanks!",
		},
	}
}

func validFlow() *model.Flow {
	action := actionBlock()
	return &model.Flow{
		ID: uuid.New(), UserID: 1, Name: "auto-thank",
		Blocks: []model.Block{action, commentBlock(action.ID)},
	}
}

func TestValidateAcceptsWellFormedFlow(t *testing.T) {
	r := newTestRegistry(t)
	assert.NoError(t, r.Validate(validFlow()))
}

func TestValidateRequiresExactlyOneAction(t *testing.T) {
	r := newTestRegistry(t)

	flow := validFlow()
	flow.Blocks = flow.Blocks[1:] // drop the action
	err := r.Validate(flow)
	require.Error(t, err)

	flow = validFlow()
	flow.Blocks = append(flow.Blocks, actionBlock())
	assert.Error(t, r.Validate(flow))
}

func TestValidateUnknownDescriptor(t *testing.T) {
	r := newTestRegistry(t)
	flow := validFlow()
	flow.Blocks[1].Name = "does-not-exist"
	var verr *model.ValidationError
	require.ErrorAs(t, r.Validate(flow), &verr)
	assert.NotEmpty(t, verr.Issues)
}

func TestValidateMissingRequiredInput(t *testing.T) {
	r := newTestRegistry(t)
	flow := validFlow()
	delete(flow.Blocks[1].Inputs, "body")
	assert.Error(t, r.Validate(flow))

	// Defaulted params may stay unbound.
	flow = validFlow()
	assert.NoError(t, r.Validate(flow)) // "silent" has a default and is absent
}

func TestValidateUnknownInputName(t *testing.T) {
	r := newTestRegistry(t)
	flow := validFlow()
	flow.Blocks[1].Inputs["bogus"] = "x"
	assert.Error(t, r.Validate(flow))
}

func TestValidateRefTypeMismatch(t *testing.T) {
	r := newTestRegistry(t)
	flow := validFlow()
	action := flow.Blocks[0]
	// Wire a string output into an int input.
	flow.Blocks[1].Inputs["number"] = "{{" + action.ID.String() + ".title}}"
	assert.Error(t, r.Validate(flow))
}

func TestValidateRefToUnknownBlockOrField(t *testing.T) {
	r := newTestRegistry(t)

	flow := validFlow()
	flow.Blocks[1].Inputs["number"] = "{{" + uuid.NewString() + ".number}}"
	assert.Error(t, r.Validate(flow))

	flow = validFlow()
	flow.Blocks[1].Inputs["number"] = "{{" + flow.Blocks[0].ID.String() + ".nope}}"
	assert.Error(t, r.Validate(flow))
}

func TestValidateRejectsCycles(t *testing.T) {
	r := newTestRegistry(t)
	action := actionBlock()
	a := model.Block{ID: uuid.New(), Provider: "issues", Name: "comment", Kind: model.KindReaction}
	b := model.Block{ID: uuid.New(), Provider: "issues", Name: "comment", Kind: model.KindReaction}
	a.Inputs = map[string]any{"number": "{{" + b.ID.String() + ".comment_id}}", "body": "a"}
	b.Inputs = map[string]any{"number": "{{" + a.ID.String() + ".comment_id}}", "body": "b"}
	flow := &model.Flow{ID: uuid.New(), Name: "cyclic", Blocks: []model.Block{action, a, b}}
	assert.Error(t, r.Validate(flow))
}

func TestValidateBadSchedule(t *testing.T) {
	r := newTestRegistry(t)
	flow := validFlow()
	flow.Schedule = "not a cron line"
	assert.Error(t, r.Validate(flow))

	flow.Schedule = "*/5 * * * *"
	assert.NoError(t, r.Validate(flow))
}

func TestLayers(t *testing.T) {
	action := actionBlock()
	first := commentBlock(action.ID)
	second := model.Block{
		ID: uuid.New(), Provider: "issues", Name: "close", Kind: model.KindReaction,
		Inputs: map[string]any{"number": "{{" + first.ID.String() + ".comment_id}}"},
	}
	independent := model.Block{
		ID: uuid.New(), Provider: "issues", Name: "comment", Kind: model.KindReaction,
		Inputs: map[string]any{"number": 1, "body": "fyi"},
	}
	flow := &model.Flow{ID: uuid.New(), Blocks: []model.Block{action, first, second, independent}}

	layers, err := Layers(flow)
	require.NoError(t, err)
	require.Len(t, layers, 2)
	assert.ElementsMatch(t, []uuid.UUID{first.ID, independent.ID}, layers[0])
	assert.Equal(t, []uuid.UUID{second.ID}, layers[1])
}
