package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/tavern-stage/internal/service/ai"
)

func newModelsCmd() *cobra.Command {
	var catalogPath string

	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the model catalog",
		RunE: func(cmd *cobra.Command, args []string) error {
			if catalogPath == "" {
				catalogPath = envOr("MODELS_FILE", "")
			}
			catalog, err := ai.LoadCatalog(catalogPath)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatCatalog(catalog))
			return nil
		},
	}

	cmd.Flags().StringVar(&catalogPath, "catalog", "", "path to a YAML model catalog (default: MODELS_FILE or built-in)")
	return cmd
}

func formatCatalog(c *ai.Catalog) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-34s %-8s %-9s %s\n", "MODEL", "BACKEND", "STREAMING", "TURNS")
	for _, m := range c.Models {
		turns := "unlimited"
		if m.Constrained() {
			turns = fmt.Sprintf("%d", m.MaxTurns)
		}
		id := m.ID
		if m.ID == c.Default {
			id += " *"
		}
		fmt.Fprintf(&b, "%-34s %-8s %-9t %s\n", id, m.Backend, m.Streaming, turns)
	}
	return b.String()
}
