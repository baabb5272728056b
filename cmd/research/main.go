// Command research is developer tooling around the research service:
// run one job from the terminal, apply migrations, or mint a test token.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var root = &cobra.Command{
		Use:           "research",
		Short:         "Research desk developer tooling",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(runCMD(), migrateCMD(), tokenCMD())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
