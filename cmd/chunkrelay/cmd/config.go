package cmd

import (
	"encoding"
	"fmt"
	"io"
	"reflect"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/chunkrelay/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
	Long:  `Commands for managing chunkrelay configuration.`,
}

var configDumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Dump the effective configuration",
	Long: `Dump the effective configuration in YAML format: defaults merged with the
config file and environment.

Redirect the output to a file to create a configuration template:

  chunkrelay config dump > config.yaml

Environment variables use the CHUNKRELAY_ prefix and underscores for nesting.
Example: transcoder.jump_window -> CHUNKRELAY_TRANSCODER_JUMP_WINDOW`,
	RunE: runConfigDump,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configDumpCmd)
}

// toMap converts a config struct to a map keyed by mapstructure tags, with
// durations and sizes in their human readable form.
func toMap(v any) map[string]any {
	result := make(map[string]any)
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}
	typ := val.Type()

	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)
		if !fieldType.IsExported() {
			continue
		}

		key := fieldType.Tag.Get("mapstructure")
		if key == "" {
			key = fieldType.Name
		}

		switch fv := field.Interface().(type) {
		case time.Duration:
			result[key] = config.Duration(fv).String()
		case encoding.TextMarshaler:
			text, err := fv.MarshalText()
			if err != nil {
				result[key] = field.Interface()
				continue
			}
			result[key] = string(text)
		default:
			if field.Kind() == reflect.Struct {
				result[key] = toMap(field.Interface())
			} else {
				result[key] = field.Interface()
			}
		}
	}
	return result
}

func runConfigDump(cmd *cobra.Command, _ []string) error {
	cfg, err := config.FromViper(viper.GetViper())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	return writeConfig(cmd.OutOrStdout(), cfg)
}

func writeConfig(w io.Writer, cfg *config.Config) error {
	yamlData, err := yaml.Marshal(toMap(cfg))
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	fmt.Fprintln(w, "# chunkrelay configuration")
	fmt.Fprintln(w, "#")
	fmt.Fprintln(w, "# Duration format: 500ms, 30s, 5m, 1h, 2d")
	fmt.Fprintln(w, "# Size format: 50MB, 500GiB")
	fmt.Fprintln(w, "#")
	fmt.Fprintln(w, "# Environment variable overrides:")
	fmt.Fprintln(w, "#   CHUNKRELAY_SERVER_PORT, CHUNKRELAY_TRANSCODER_DIR")
	fmt.Fprintln(w, "#   CHUNKRELAY_UPSTREAM_LOAD_BALANCER, CHUNKRELAY_REGISTRY_REDIS_URL")
	fmt.Fprintln(w, "#   CHUNKRELAY_LOGGING_LEVEL, CHUNKRELAY_LOGGING_FORMAT")
	fmt.Fprintln(w)
	_, err = w.Write(yamlData)
	return err
}
