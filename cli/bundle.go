package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/merklefetch/merklefetch/internal/bundle"
	"github.com/merklefetch/merklefetch/internal/colors"
)

var bundleCmd = &cobra.Command{
	Use:   "bundle",
	Short: "Pack and unpack tree files for transfer",
}

var bundleExportOut string

var bundleExportCmd = &cobra.Command{
	Use:   "export <tree-file>",
	Short: "Pack a tree file into a compressed bundle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out := bundleExportOut
		if out == "" {
			out = args[0] + ".bundle"
		}
		if err := bundle.Export(args[0], out); err != nil {
			return err
		}
		fmt.Printf("%s %s\n", colors.Verified("exported"), out)
		return nil
	},
}

var bundleImportDir string

var bundleImportCmd = &cobra.Command{
	Use:   "import <bundle-file>",
	Short: "Unpack a bundle into a tree file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		restored, err := bundle.Import(args[0], bundleImportDir)
		if err != nil {
			return err
		}
		fmt.Printf("%s %s\n", colors.Verified("imported"), restored)
		return nil
	},
}

func init() {
	bundleExportCmd.Flags().StringVarP(&bundleExportOut, "out", "o", "", "Bundle path (default <tree>.bundle)")
	bundleImportCmd.Flags().StringVarP(&bundleImportDir, "dir", "d", ".", "Directory to restore into")
}
