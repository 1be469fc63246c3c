package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// newProvidersCmd creates the 'providers' subcommand listing the catalog.
func newProvidersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List providers and their actions and reactions",
		Run: func(cmd *cobra.Command, args []string) {
			reg, err := buildRegistry(loadConfig())
			if err != nil {
				fmt.Fprintf(os.Stderr, "catalog error: %v\n", err)
				exit(1)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if err := enc.Encode(reg.Providers()); err != nil {
				exit(1)
			}
		},
	}
}
