package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wirebird/wirebird/engine"
	"github.com/wirebird/wirebird/event"
	"github.com/wirebird/wirebird/loader"
	"github.com/wirebird/wirebird/storage"
	"github.com/wirebird/wirebird/utils"
	"github.com/wirebird/wirebird/vault"
)

// newRunCmd creates the 'run' subcommand: execute a flow file once against
// an in-memory store and print the run record. Useful for trying a flow
// without a running server.
func newRunCmd() *cobra.Command {
	var userID int64
	cmd := &cobra.Command{
		Use:   "run [file]",
		Short: "Run a flow file once and print the result",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := runOnce(args[0], userID); err != nil {
				fmt.Fprintf(os.Stderr, "run error: %v\n", err)
				exit(1)
			}
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "user id owning the flow's credentials")
	return cmd
}

func runOnce(path string, userID int64) error {
	cfg := loadConfig()
	flow, err := loader.LoadFlow(path)
	if err != nil {
		return err
	}
	flow.UserID = userID

	reg, err := buildRegistry(cfg)
	if err != nil {
		return err
	}
	if err := reg.Validate(flow); err != nil {
		return err
	}
	flow.IsValid = true

	store := storage.NewMemoryStorage()
	bus := event.NewInProcBus()
	defer bus.Close()

	v, err := vault.New(store, vault.NewEnvSecretsProvider(cfg.Vault.SecretsPrefix), &cfg.Vault)
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := store.SaveFlow(ctx, flow); err != nil {
		return err
	}
	eng := engine.New(cfg.Engine, store, reg, v, bus)
	run, err := eng.RunNow(ctx, flow.ID)
	if err != nil {
		return err
	}

	blocks, err := store.GetBlockRuns(ctx, run.ID)
	if err != nil {
		return err
	}
	utils.User("run %s finished: %s", run.ID, run.Status)
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{"run": run, "blocks": blocks})
}
