package standard

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is overridden at build time with -ldflags.
var Version = "dev"

// Execute runs the Cobra-based CLI entry point.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hostagent",
		Short: "Host agent command-line interface",
		Long:  "hostagent drives the hostagentd API: VM lifecycle commands, pool setup, the command journal and live events.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringP("api", "a", envOrDefault("HOSTAGENT_API_BASE", "http://127.0.0.1:8899"), "hostagentd base URL")
	cmd.PersistentFlags().String("api-key", envOrDefault("HOSTAGENT_API_KEY", ""), "API key sent with every request")
	cmd.PersistentFlags().Bool("json", false, "Print raw JSON responses")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newVMsCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newPoolCmd())
	cmd.AddCommand(newHistoryCmd())
	cmd.AddCommand(newWatchCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the hostagent client version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "hostagent %s\n", Version)
		},
	}
}
