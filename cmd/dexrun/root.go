package main

import (
	"context"

	"github.com/spf13/cobra"
)

// Execute runs the dexrun CLI.
func Execute(ctx context.Context) error {
	root := &cobra.Command{
		Use:   "dexrun",
		Short: "DEX market-order execution engine",
	}
	root.AddCommand(serveCmd())
	return root.ExecuteContext(ctx)
}
