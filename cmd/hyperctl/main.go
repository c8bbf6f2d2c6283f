// Command hyperctl is a thin CLI client for hyperctld's HTTP API, with
// one subcommand per lifecycle verb, built with cobra.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var apiAddr string

func main() {
	root := &cobra.Command{
		Use:   "hyperctl",
		Short: "control client for hyperctld",
	}
	root.PersistentFlags().StringVar(&apiAddr, "addr", "http://127.0.0.1:8080", "hyperctld API base address")

	root.AddCommand(
		newCreateCmd(),
		newStartCmd(),
		newStopCmd(),
		newRestartCmd(),
		newSuspendCmd(),
		newResumeCmd(),
		newResetCmd(),
		newDestroyCmd(),
		newStatusCmd(),
		newEventsCmd(),
		newReconcileCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
