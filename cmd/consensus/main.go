// Package main provides the entry point for the Consensus CLI.
package main

import (
	"fmt"
	"os"

	"github.com/quorumline/core/cmd/consensus/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
