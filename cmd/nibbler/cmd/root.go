package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile   string
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:           "nibbler",
	Short:         "Contract-driven multi-role agent job engine",
	Long:          `nibbler drives a declarative contract (roles, phases, gates, budgets) through a repository: spawning agent sessions per role, verifying scope and completion, and pausing for approval at gates.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default: .nibbler/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"log level override (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"log format override (auto, text, json)")

	_ = viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
}

// trimEmpty strips a flag override back to "unset" so it never shadows a
// config-file value with an empty string.
func trimEmpty(v *viper.Viper, key, flagValue string) {
	if strings.TrimSpace(flagValue) == "" {
		return
	}
	v.Set(key, flagValue)
}
