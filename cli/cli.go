// Package cli wires the mfetch command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "mfetch",
	Short: "mfetch verifies and fetches chunked content over Merkle trees",
	Long: `mfetch treats a large remote file as if it were local: reads download,
verify, and cache only the chunks they touch, driven by a published
Merkle reference tree.`,
	Run: func(cmd *cobra.Command, args []string) {
		if showVersion {
			fmt.Printf("mfetch %s\n", Version)
			os.Exit(0)
		}
		cmd.Help()
	},
}

var showVersion bool

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "Print the mfetch version")

	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(seedCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(verifyCmd)

	rootCmd.AddCommand(bundleCmd)
	bundleCmd.AddCommand(bundleExportCmd, bundleImportCmd)

	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionAddCmd, sessionListCmd, sessionRemoveCmd)
}
