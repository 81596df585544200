package main

import (
	"os"

	"github.com/medofficehq/automation/pkg/common/config"
	"github.com/medofficehq/automation/pkg/common/logger"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func main() {
	var verbose bool
	app := &cliApp{}

	rootCmd := &cobra.Command{
		Use:          "automationctl",
		Short:        "Operate rules automation runs against the rules API",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger.Init()
			logger.Log.SetOutput(os.Stderr)
			if !verbose {
				logger.Log.SetLevel(logrus.WarnLevel)
			}
			return app.init(config.Load())
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log at info level to stderr")

	rootCmd.AddCommand(app.submitCmd())
	rootCmd.AddCommand(app.progressCmd())
	rootCmd.AddCommand(app.resultsCmd())
	rootCmd.AddCommand(app.rollbackCmd())
	rootCmd.AddCommand(app.reapplyCmd())
	rootCmd.AddCommand(app.rulesCmd())
	rootCmd.AddCommand(app.runsCmd())
	rootCmd.AddCommand(app.archiveCmd())
	rootCmd.AddCommand(app.patientsCmd())
	rootCmd.AddCommand(app.projectCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
