package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2/endpoints"

	"github.com/wirebird/wirebird/engine"
	"github.com/wirebird/wirebird/event"
	"github.com/wirebird/wirebird/gateway"
	"github.com/wirebird/wirebird/storage"
	"github.com/wirebird/wirebird/telemetry"
	"github.com/wirebird/wirebird/utils"
	"github.com/wirebird/wirebird/vault"
)

// newServeCmd creates the 'serve' subcommand running the orchestration core.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the wirebird runtime",
		Run: func(cmd *cobra.Command, args []string) {
			if err := serve(); err != nil {
				utils.Error("serve: %v", err)
				exit(1)
			}
		},
	}
}

func serve() error {
	cfg := loadConfig()
	telemetry.Init(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.NewFromConfig(&cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	bus, err := event.NewBusFromConfig(&cfg.Event)
	if err != nil {
		return err
	}
	defer bus.Close()

	secrets := vault.NewEnvSecretsProvider(cfg.Vault.SecretsPrefix)
	v, err := vault.New(store, secrets, &cfg.Vault)
	if err != nil {
		return err
	}
	v.RegisterEndpoint("github", endpoints.GitHub)
	v.RegisterEndpoint("google", endpoints.Google)

	reg, err := buildRegistry(cfg)
	if err != nil {
		return err
	}

	eng := engine.New(cfg.Engine, store, reg, v, bus)
	v.OnConnectionLost(eng.HandleConnectionLost)

	gw := gateway.New(store, reg, eng, v, bus)
	if err := gw.Start(ctx); err != nil {
		return err
	}
	if err := eng.Start(ctx); err != nil {
		return err
	}

	if cfg.Metrics.Addr != "" {
		go func() {
			if err := telemetry.ServeMetrics(ctx, cfg.Metrics.Addr); err != nil {
				utils.Error("metrics listener: %v", err)
			}
		}()
	}

	utils.User("wirebird is running, ^C to stop")
	<-ctx.Done()
	eng.Stop()
	return nil
}
