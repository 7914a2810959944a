// Command revblob-server serves a revblob repository over HTTP.
package main

import (
	"os"

	"github.com/kilupskalvis/revblob/internal/cli"
)

func main() {
	if err := cli.ServerCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
