// Command kioskfsm runs the kiosk order fulfillment engine and its
// operator tooling.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/kioskfsm/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		// stdout carries command output; the error summary goes to stderr.
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
