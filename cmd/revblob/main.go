// Command revblob manages a revblob repository from the command line.
package main

import (
	"os"

	"github.com/kilupskalvis/revblob/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
