// Command opsctl runs one-off operational tasks against the applykit database.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

type globalFlags struct {
	logLevel string
	console  bool
}

func main() {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:           "opsctl",
		Short:         "applykit operations tool",
		Long:          `opsctl grants administrative roles and mirrors identity provider users into balance accounts.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&flags.console, "console", false, "human readable log output")

	rootCmd.AddCommand(adminClaimCmd(flags))
	rootCmd.AddCommand(identitySyncCmd(flags))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
