// Package main provides syncd, the CRDT sync engine's daemon: it attaches
// to an application's SQLite database, tracks local writes in the CRDT
// change log, and keeps them converged with remote peers and sibling
// processes on the same machine.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/crdtsync/crdtsync/internal/logging"
)

var log = logging.New("syncd")

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "syncd",
	Short:         "Run the CRDT data synchronization engine",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to syncd.yaml (optional; env vars still apply)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error: "+err.Error())
		os.Exit(1)
	}
}
