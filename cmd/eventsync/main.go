// Command eventsync runs and drives the collaborative event server.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/eventsync/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "eventsync: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}
