package main

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func newRootCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "stagectl",
		Short: "Tavern stage: rehearse scenes with AI personas from the terminal",
		Long:  "stagectl runs actor-mode rehearsals, director-mode scenes and TTS checks against the configured backends.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if err := godotenv.Load(); err != nil && verbose {
				log.Printf("[WARN] 无法加载 .env，改用系统环境变量: %v", err)
			}
			if !verbose {
				log.SetOutput(io.Discard)
			}
		},
		SilenceUsage: true,
	}
	cmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "print service logs to stderr")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newModelsCmd())
	cmd.AddCommand(newPersonasCmd())
	cmd.AddCommand(newChatCmd())
	cmd.AddCommand(newDirectCmd())
	cmd.AddCommand(newTTSCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "stagectl %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
