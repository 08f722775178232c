// Package main is the jinnctl operator tool: inspect a running worker,
// prepare its coding workspace, browse the request feed, and provision
// mechs.
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var rootCmd = &cobra.Command{
	Use:   "jinnctl",
	Short: "Operator tooling for jinn worker nodes",
	Long: `jinnctl inspects and provisions jinn worker nodes.

Commands read their connection settings from flags, falling back to the
same JINN_* environment variables the worker daemon uses, so running
jinnctl on the worker host needs no extra setup.

Examples:
  jinnctl status
  jinnctl sync --repo git@github.com:acme/api.git
  jinnctl list --mech 0x77af...86a
  jinnctl create-mech --factory 0xFa37... --service 42`,
	SilenceUsage: true,
}

var output string

func init() {
	rootCmd.PersistentFlags().StringVarP(&output, "output", "o", "table", "output format: table, yaml or json")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// render prints v in the selected output format; table rendering is
// supplied by the caller.
func render(v interface{}, table func()) error {
	switch output {
	case "", "table":
		table()
		return nil
	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(v)
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown output format %q (want table, yaml or json)", output)
	}
}

// flagOrEnv resolves a string setting: explicit flag, then environment,
// then fallback.
func flagOrEnv(cmd *cobra.Command, name, envKey, fallback string) string {
	if val, _ := cmd.Flags().GetString(name); val != "" {
		return val
	}
	if envKey != "" {
		if val := os.Getenv(envKey); val != "" {
			return val
		}
	}
	return fallback
}

// requireFlagOrEnv is flagOrEnv for settings with no usable default.
func requireFlagOrEnv(cmd *cobra.Command, name, envKey string) (string, error) {
	val := flagOrEnv(cmd, name, envKey, "")
	if val == "" {
		if envKey != "" {
			return "", fmt.Errorf("--%s is required (or set %s)", name, envKey)
		}
		return "", fmt.Errorf("--%s is required", name)
	}
	return val, nil
}

// cliLogger keeps library logging on stderr and out of the rendered
// output. DEBUG=true turns the internals chatty, same as the daemon.
func cliLogger() *slog.Logger {
	level := slog.LevelWarn
	if os.Getenv("DEBUG") == "true" {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func green(s string) string {
	if os.Getenv("NO_COLOR") != "" {
		return s
	}
	return "\033[32m" + s + "\033[0m"
}

func bold(s string) string {
	if os.Getenv("NO_COLOR") != "" {
		return s
	}
	return "\033[1m" + s + "\033[0m"
}
