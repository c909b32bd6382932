// Command oauthdispatch runs the OAuth2 authorization server and manages its
// applications.
package main

import (
	"os"

	"github.com/dpup/oauthdispatch"
	"github.com/dpup/oauthdispatch/logging"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	rootCmd := &cobra.Command{
		Use:          "oauthdispatch",
		Short:        "OAuth2 authorization server",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if configFile != "" {
				if err := oauthdispatch.LoadConfigFile(configFile); err != nil {
					return err
				}
			}
			oauthdispatch.LoadRegisteredDefaults()
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Additional YAML config file, merged over "+oauthdispatch.ConfigFile)

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newAppsCmd())
	rootCmd.AddCommand(newIdentityCmd())
	return rootCmd
}

// newLogger returns the process logger and reports config warnings to it.
func newLogger() logging.Logger {
	logger := logging.NewLogger(oauthdispatch.ConfigString("logging.format"))
	if warnings := oauthdispatch.ValidateConfig(); len(warnings) > 0 {
		logger.Warnw(oauthdispatch.FormatConfigWarnings(warnings), "count", len(warnings))
	}
	return logger
}
