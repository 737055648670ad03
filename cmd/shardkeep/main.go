// Command shardkeep is the command-line interface to a shardkeep cluster.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/kilupskalvis/shardkeep/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "error: ")
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
