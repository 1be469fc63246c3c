package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wirebird/wirebird/loader"
)

// newValidateCmd creates the 'validate' subcommand.
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Validate a flow file against the provider catalog",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			flow, err := loader.LoadFlow(args[0])
			if err != nil {
				fmt.Fprintf(os.Stderr, "parse error: %v\n", err)
				exit(1)
			}
			reg, err := buildRegistry(loadConfig())
			if err != nil {
				fmt.Fprintf(os.Stderr, "catalog error: %v\n", err)
				exit(1)
			}
			if err := reg.Validate(flow); err != nil {
				fmt.Fprintf(os.Stderr, "validation error: %v\n", err)
				exit(2)
			}
			fmt.Println("Validation OK: flow is valid!")
		},
	}
}
