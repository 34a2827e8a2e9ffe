// Package main provides the entry point for the tenx CLI.
package main

import (
	"fmt"
	"os"

	"github.com/serp256/tenx/cmd/tenx/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, commands.Describe(err))
		os.Exit(1)
	}
}
