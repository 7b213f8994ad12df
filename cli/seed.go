package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/merklefetch/merklefetch/internal/colors"
	"github.com/merklefetch/merklefetch/internal/merkle"
)

var (
	seedOut     string
	seedDiscard bool
)

var seedCmd = &cobra.Command{
	Use:   "seed <reference.mref>",
	Short: "Seed a state tree from a reference",
	Long: `Derives a state tree (.mrkl) from a reference: the digests are copied
and every chunk starts unverified. Downloads record progress into the
state, so a later session resumes where this one stopped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		refPath := args[0]
		out := seedOut
		if out == "" {
			out = strings.TrimSuffix(refPath, merkle.RefExt) + merkle.StateExt
		}

		st, err := merkle.SeedState(refPath, out, seedDiscard)
		if err != nil {
			return fmt.Errorf("seed state: %w", err)
		}
		defer st.Close()

		sh := st.Shape()
		fmt.Printf("%s %s\n", colors.Verified("seeded"), out)
		fmt.Printf("  %d chunks to verify\n", sh.TotalChunks)
		if seedDiscard {
			fmt.Printf("  %s\n", colors.Dim("source reference removed"))
		}
		return nil
	},
}

func init() {
	seedCmd.Flags().StringVarP(&seedOut, "out", "o", "", "Output path (default <reference>.mrkl)")
	seedCmd.Flags().BoolVar(&seedDiscard, "discard-source", false, "Remove the reference after seeding")
}
