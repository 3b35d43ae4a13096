package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/tsawler/imgtrain/engine"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of imgtrain",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "imgtrain version %s (%s, %s/%s)\n",
			Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		fmt.Fprintf(cmd.OutOrStdout(), "CPU: %s, %d workers\n", engine.CPUDescription(), engine.DefaultWorkers())
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
