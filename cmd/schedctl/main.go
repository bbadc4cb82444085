package main

import (
	"fmt"
	"os"

	"github.com/edirooss/tinysched/internal/cli"
	"github.com/edirooss/tinysched/pkg/fmtt"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if cli.Debug() {
			fmtt.PrintErrChain(os.Stderr, err)
		}
		os.Exit(1)
	}
}
