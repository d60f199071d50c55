package cmd

import (
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"
)

var (
	// These will be set by ldflags during build
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

func newVersionCmd(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := map[string]string{
				"version":   Version,
				"gitCommit": GitCommit,
				"buildTime": BuildTime,
				"goVersion": runtime.Version(),
				"goos":      runtime.GOOS,
				"goarch":    runtime.GOARCH,
			}
			return o.print(cmd.OutOrStdout(), info, func(w io.Writer) {
				fmt.Fprintf(w, "retryctl version %s\n", Version)
				fmt.Fprintf(w, "Git commit: %s\n", GitCommit)
				fmt.Fprintf(w, "Built: %s\n", BuildTime)
				fmt.Fprintf(w, "Go version: %s\n", runtime.Version())
				fmt.Fprintf(w, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
			})
		},
	}
}
