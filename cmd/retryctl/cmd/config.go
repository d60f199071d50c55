package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var configKeys = []string{"server", "timeout", "output", "token"}

func newConfigCmd(o *options) *cobra.Command {
	c := &cobra.Command{
		Use:   "config",
		Short: "Manage retryctl configuration",
	}

	view := &cobra.Command{
		Use:   "view",
		Short: "View current configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			file := o.v.ConfigFileUsed()
			if _, err := os.Stat(file); err != nil {
				file = ""
			}
			cfg := map[string]string{
				"server":  o.server,
				"timeout": o.timeout.String(),
				"output":  o.output,
				"token":   maskToken(o.token),
				"file":    file,
			}
			return o.print(cmd.OutOrStdout(), cfg, func(w io.Writer) {
				fmt.Fprintln(w, "Current configuration:")
				fmt.Fprintf(w, "  Server: %s\n", cfg["server"])
				fmt.Fprintf(w, "  Timeout: %s\n", cfg["timeout"])
				fmt.Fprintf(w, "  Output: %s\n", cfg["output"])
				fmt.Fprintf(w, "  Token: %s\n", cfg["token"])
				if file != "" {
					fmt.Fprintf(w, "  Config file: %s\n", file)
				} else {
					fmt.Fprintln(w, "  Config file: none (using defaults)")
				}
			})
		},
	}

	set := &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Long: `Set a configuration value and save it to the config file.

Valid keys are server, timeout, output and token.`,
		Example: `  retryctl config set server http://dispatcher:8080
  retryctl config set timeout 60s
  retryctl config set output yaml`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, value := args[0], args[1]
			switch key {
			case "server", "token":
			case "timeout":
				if _, err := time.ParseDuration(value); err != nil {
					return fmt.Errorf("invalid timeout %q: %w", value, err)
				}
			case "output":
				if value != "table" && value != "json" && value != "yaml" {
					return fmt.Errorf("invalid output format %q (use table, json or yaml)", value)
				}
			default:
				return fmt.Errorf("invalid configuration key: %s. Valid keys are: %v", key, configKeys)
			}
			o.v.Set(key, value)

			path, err := o.configPath()
			if err != nil {
				return err
			}
			if err := o.v.WriteConfigAs(path); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\nConfiguration saved to: %s\n", key, value, path)
			return nil
		},
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Create a default configuration file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := o.configPath()
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config file already exists at %s (use --force to overwrite)", path)
			}
			o.v.Set("server", "http://localhost:8080")
			o.v.Set("timeout", "30s")
			o.v.Set("output", "table")
			o.v.Set("token", "")
			if err := o.v.WriteConfigAs(path); err != nil {
				return fmt.Errorf("failed to create config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration file created: %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")

	c.AddCommand(view, set, initCmd)
	return c
}

func maskToken(tok string) string {
	if tok == "" {
		return "(none)"
	}
	if len(tok) <= 8 {
		return "****"
	}
	return tok[:4] + "..." + tok[len(tok)-4:]
}
