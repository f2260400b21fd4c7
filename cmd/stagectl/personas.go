package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/tavern-stage/internal/model/persona"
)

func newPersonasCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "personas",
		Short: "List the built-in personas",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprint(cmd.OutOrStdout(), formatPersonas(persona.Seed()))
		},
	}
}

func formatPersonas(list []persona.Persona) string {
	var b strings.Builder
	for _, p := range list {
		fmt.Fprintf(&b, "%-20s %s", p.ID, p.Name)
		if p.Tone != "" {
			fmt.Fprintf(&b, "（%s）", p.Tone)
		}
		b.WriteString("\n")
	}
	return b.String()
}
