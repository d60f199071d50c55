package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const defaultConfigName = ".retryctl.yaml"

// options holds the global flags after config file and environment are merged in
type options struct {
	cfgFile string
	server  string
	timeout time.Duration
	output  string
	token   string

	v *viper.Viper
}

// Execute runs retryctl with os.Args
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	o := &options{v: viper.New()}

	root := &cobra.Command{
		Use:   "retryctl",
		Short: "Operate the Harbor Retry dispatcher",
		Long: `retryctl is a command line tool for operating the Harbor Retry webhook
dispatcher.

You can use it to inspect the retry queue, trigger a scan, reactivate
dead-lettered subscriptions, publish delivery triggers and sign payloads.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return o.load(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&o.cfgFile, "config", "", "config file (default is $HOME/"+defaultConfigName+")")
	pf.String("server", "http://localhost:8080", "dispatcher admin API address")
	pf.Duration("timeout", 30*time.Second, "request timeout")
	pf.StringP("output", "o", "table", "output format: table, json or yaml")
	pf.String("token", "", "JWT for the admin API (overrides JWT_TOKEN env var)")

	for _, k := range []string{"server", "timeout", "output", "token"} {
		_ = o.v.BindPFlag(k, pf.Lookup(k))
	}
	_ = o.v.BindEnv("token", "RETRYCTL_TOKEN", "JWT_TOKEN")

	root.AddCommand(
		newStatsCmd(o),
		newProcessCmd(o),
		newSubscriptionCmd(o),
		newPublishCmd(o),
		newSignCmd(o),
		newConfigCmd(o),
		newVersionCmd(o),
	)
	return root
}

// configPath is where config set/init write
func (o *options) configPath() (string, error) {
	if o.cfgFile != "" {
		return o.cfgFile, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, defaultConfigName), nil
}

// load reads the config file and environment; flags set on the command line win
func (o *options) load(cmd *cobra.Command) error {
	path, err := o.configPath()
	if err != nil {
		return err
	}
	o.v.SetConfigFile(path)
	o.v.SetConfigType("yaml")
	o.v.SetEnvPrefix("RETRYCTL")
	o.v.AutomaticEnv()

	if err := o.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("read config %s: %w", path, err)
		}
	}

	o.server = strings.TrimRight(o.v.GetString("server"), "/")
	if !strings.Contains(o.server, "://") {
		o.server = "http://" + o.server
	}
	o.timeout = o.v.GetDuration("timeout")
	o.output = o.v.GetString("output")
	o.token = o.v.GetString("token")

	switch o.output {
	case "table", "json", "yaml":
	default:
		return fmt.Errorf("invalid output format %q (use table, json or yaml)", o.output)
	}
	return nil
}

type apiError struct {
	Error string `json:"error"`
}

// call performs one admin API request and decodes a JSON response into out
func (o *options) call(ctx context.Context, method, path string, in, out any) error {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, o.server+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if o.token != "" {
		req.Header.Set("Authorization", "Bearer "+o.token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e apiError
		if json.Unmarshal(raw, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s: %s", resp.Status, e.Error)
		}
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

// print writes v as json or yaml, or calls table for the human format
func (o *options) print(w io.Writer, v any, table func(io.Writer)) error {
	switch o.output {
	case "json":
		b, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(b))
		return err
	case "yaml":
		// round-trip through json so yaml keys match the API's field names
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(b, &generic); err != nil {
			return err
		}
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(generic); err != nil {
			return err
		}
		_, err = w.Write(buf.Bytes())
		return err
	default:
		table(w)
		return nil
	}
}
