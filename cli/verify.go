package cli

import (
	"crypto/sha256"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/merklefetch/merklefetch/internal/colors"
	"github.com/merklefetch/merklefetch/internal/merkle"
)

var verifyCmd = &cobra.Command{
	Use:   "verify <content-file> <reference.mref>",
	Short: "Verify a local file against a reference tree",
	Long: `Re-hashes every chunk of the file and compares the digests to the
reference. Exits nonzero when any chunk differs.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		contentPath, refPath := args[0], args[1]

		ref, err := merkle.OpenReference(refPath)
		if err != nil {
			return fmt.Errorf("open reference: %w", err)
		}
		defer ref.Close()
		sh := ref.Shape()

		f, err := os.Open(contentPath)
		if err != nil {
			return fmt.Errorf("open content: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return err
		}
		if info.Size() != sh.ContentSize {
			return fmt.Errorf("content is %d bytes, reference describes %d", info.Size(), sh.ContentSize)
		}

		buf := make([]byte, sh.ChunkSize)
		bad := 0
		for i := 0; i < sh.TotalChunks; i++ {
			n := sh.ActualChunkSize(i)
			if _, err := f.ReadAt(buf[:n], sh.ChunkStart(i)); err != nil {
				return fmt.Errorf("read chunk %d: %w", i, err)
			}
			want, err := ref.HashForLeaf(i)
			if err != nil {
				return err
			}
			if sha256.Sum256(buf[:n]) != want {
				fmt.Printf("%s chunk %d [%d, %d)\n", colors.Failed("mismatch"), i,
					sh.ChunkStart(i), sh.ChunkStart(i)+n)
				bad++
			}
		}

		if bad > 0 {
			return fmt.Errorf("%d of %d chunks differ from the reference", bad, sh.TotalChunks)
		}
		fmt.Printf("%s all %d chunks match\n", colors.Verified("ok"), sh.TotalChunks)
		return nil
	},
}
