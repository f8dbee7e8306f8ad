// Package main is the entry point for the mailwatch admin CLI.
package main

import (
	"os"

	"github.com/good-yellow-bee/mailwatch/cmd/mailwatchctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
