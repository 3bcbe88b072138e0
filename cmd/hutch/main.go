package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cuemby/hutch/pkg/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hutch",
	Short: "Hutch - self-hosted fuzzing as a service",
	Long: `Hutch is a self-hosted fuzzing-as-a-service control plane. It schedules
fuzzing jobs onto pools of agent nodes, collects crashes, and drives the
job, task, pool, scaleset and node lifecycles from a single binary.`,
	Version: version.Version,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Hutch version %s\nCommit: %s\nBuilt: %s\n",
			version.Version, version.Commit, version.BuildTime)
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Hutch version %s\nCommit: %s\nBuilt: %s\n",
		version.Version, version.Commit, version.BuildTime,
	))

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(versionCmd)
}
