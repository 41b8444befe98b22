// Package cmd implements the CLI commands for chunkrelay.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jmylchreest/chunkrelay/internal/config"
	"github.com/jmylchreest/chunkrelay/internal/observability"
	"github.com/jmylchreest/chunkrelay/internal/version"
)

// cfgFile holds the config file path from CLI flag.
var cfgFile string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "chunkrelay",
	Short:   "Transcoding relay that serves transcoder chunks as one continuous stream",
	Version: version.Short(),
	Long: `chunkrelay runs an external media transcoder per playback session and
serves the chunks it produces to players as a single continuous stream.

Seeks outside the range the transcoder is producing restart it at the
requested position; nearby seeks simply wait for the chunk to appear.
Chunk availability is tracked in a registry that is in-memory by default
or shared through redis.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	cobra.OnInitialize(initConfig)

	// Set here to avoid an initialization cycle through rootCmd.PersistentFlags.
	rootCmd.PersistentPreRunE = func(_ *cobra.Command, _ []string) error {
		return initLogging()
	}

	// Logging flags are not bound to viper; they only override config and
	// env when explicitly set, keeping flag > env > file > default.
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml or /etc/chunkrelay/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (text, json)")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	v := viper.GetViper()
	config.SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/chunkrelay")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.chunkrelay")
		}
	}

	v.SetEnvPrefix("CHUNKRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", v.ConfigFileUsed())
	} else if cfgFile != "" {
		cobra.CheckErr(fmt.Errorf("reading config file: %w", err))
	}
}

// initLogging configures the default slog logger.
//
// Priority order (highest to lowest):
//  1. CLI flags (--log-level, --log-format), only if explicitly provided
//  2. Environment variables (CHUNKRELAY_LOGGING_LEVEL, CHUNKRELAY_LOGGING_FORMAT)
//  3. Config file values
//  4. Built-in defaults (info, json)
func initLogging() error {
	logCfg := config.LoggingConfig{
		Level:      viper.GetString("logging.level"),
		Format:     viper.GetString("logging.format"),
		AddSource:  viper.GetBool("logging.add_source"),
		TimeFormat: viper.GetString("logging.time_format"),
	}

	flags := rootCmd.PersistentFlags()
	if flags.Changed("log-level") {
		logCfg.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		logCfg.Format, _ = flags.GetString("log-format")
	}
	logCfg.Level = strings.ToLower(logCfg.Level)
	logCfg.Format = strings.ToLower(logCfg.Format)

	// Keep the resolved values so config validation sees what is in effect.
	viper.Set("logging.level", logCfg.Level)
	viper.Set("logging.format", logCfg.Format)

	observability.Install(logCfg, os.Stderr, version.ApplicationName)

	return nil
}

// mustBindPFlag binds a viper key to a cobra flag and panics if binding fails.
func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("failed to bind flag %q to key %q: %v", flag.Name, key, err))
	}
}
