package main

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file (BLOCKFLOW_* env vars override it)")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ender",
	Short: "Indexes finalized blocks into the indexer database",
	Long: `ender consumes one message per finalized block, applies every event of the
block to the indexer database in a single transaction and publishes the
resulting websocket notifications once the block is committed.

Blocks are processed strictly in height order. A redelivered block that is
already committed is acknowledged without being applied twice.`,
	SilenceUsage: true,
}
