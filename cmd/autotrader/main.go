// Command autotrader executes rule-based trade plans against live or
// replayed market bars.
package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"

	"auto-trader/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("Error: %v", err))
		os.Exit(1)
	}
}
