package main

import (
	"os"

	"github.com/austindbirch/harbor_retry/cmd/retryctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
