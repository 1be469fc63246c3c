// Package registry holds the catalog of providers and their action and
// reaction descriptors, and validates flow graphs against it.
package registry

import (
	"context"
	"fmt"
	"sort"

	"github.com/wirebird/wirebird/connector"
	"github.com/wirebird/wirebird/model"
)

// ConnectionChecker reports which providers a user holds a live grant for.
// The vault satisfies this.
type ConnectionChecker interface {
	Connected(ctx context.Context, userID int64) (map[string]bool, error)
}

type descriptorKey struct {
	provider string
	name     string
	kind     model.BlockKind
}

// Registry is built once at boot and is read-only afterwards, so lookups
// need no locking.
type Registry struct {
	connectors  map[string]connector.Connector
	providers   map[string]model.Provider
	descriptors map[descriptorKey]model.Descriptor
}

func New() *Registry {
	return &Registry{
		connectors:  map[string]connector.Connector{},
		providers:   map[string]model.Provider{},
		descriptors: map[descriptorKey]model.Descriptor{},
	}
}

// Register adds a connector and indexes its descriptors.
func (r *Registry) Register(c connector.Connector) error {
	info := c.Info()
	if info.Name == "" || info.Name != c.Name() {
		return fmt.Errorf("registry: connector %q reports catalog name %q", c.Name(), info.Name)
	}
	if _, dup := r.connectors[info.Name]; dup {
		return fmt.Errorf("registry: provider %q registered twice", info.Name)
	}
	r.connectors[info.Name] = c
	return r.index(info)
}

func (r *Registry) index(info model.Provider) error {
	for _, d := range append(append([]model.Descriptor{}, info.Actions...), info.Reactions...) {
		if d.Provider != info.Name {
			return fmt.Errorf("registry: descriptor %s.%s claims provider %q", info.Name, d.Name, d.Provider)
		}
		key := descriptorKey{d.Provider, d.Name, d.Kind}
		if _, dup := r.descriptors[key]; dup {
			return fmt.Errorf("registry: duplicate descriptor %s.%s (%s)", d.Provider, d.Name, d.Kind)
		}
		r.descriptors[key] = d
	}
	r.providers[info.Name] = info
	return nil
}

// Lookup resolves a descriptor by provider, operation name and kind.
func (r *Registry) Lookup(provider, name string, kind model.BlockKind) (model.Descriptor, bool) {
	d, ok := r.descriptors[descriptorKey{provider, name, kind}]
	return d, ok
}

// Connector returns the executable connector behind a provider. Providers
// loaded from catalog files only have no connector.
func (r *Registry) Connector(provider string) (connector.Connector, bool) {
	c, ok := r.connectors[provider]
	return c, ok
}

// Provider returns the catalog entry for one provider.
func (r *Registry) Provider(name string) (model.Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Providers lists the catalog sorted by provider name.
func (r *Registry) Providers() []model.Provider {
	out := make([]model.Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ProvidersForUser decorates the catalog with the user's connection state.
func (r *Registry) ProvidersForUser(ctx context.Context, userID int64, checker ConnectionChecker) ([]model.ProviderStatus, error) {
	connected, err := checker.Connected(ctx, userID)
	if err != nil {
		return nil, err
	}
	providers := r.Providers()
	out := make([]model.ProviderStatus, 0, len(providers))
	for _, p := range providers {
		out = append(out, model.ProviderStatus{Provider: p, Connected: connected[p.Name]})
	}
	return out, nil
}
