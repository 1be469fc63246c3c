package main

import (
	"github.com/wirebird/wirebird/config"
	"github.com/wirebird/wirebird/connector"
	"github.com/wirebird/wirebird/registry"
)

// buildRegistry assembles the provider catalog from the compiled-in
// connectors plus any configured catalog files.
func buildRegistry(cfg *config.Config) (*registry.Registry, error) {
	reg := registry.New()
	for _, c := range []connector.Connector{
		connector.NewGithubConnector(),
		connector.NewGoogleConnector(),
		connector.NewEmailConnector(),
		connector.NewDebugConnector(),
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	if err := reg.LoadCatalogs(cfg.Catalogs); err != nil {
		return nil, err
	}
	return reg, nil
}
