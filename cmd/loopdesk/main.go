// Package main is the entry point for the loopdesk CLI.
package main

import (
	"os"

	"github.com/loopdesk/loopdesk/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
