package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/merklefetch/merklefetch/internal/colors"
	"github.com/merklefetch/merklefetch/internal/merkle"
	"github.com/merklefetch/merklefetch/internal/shape"
)

var (
	buildChunkSize int64
	buildOut       string
	buildWorkers   int
)

var buildCmd = &cobra.Command{
	Use:   "build <content-file>",
	Short: "Build a reference tree from a local file",
	Long: `Hashes the file chunk by chunk, computes the Merkle tree over the
chunk digests, and writes a reference tree (.mref) beside it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		contentPath := args[0]
		out := buildOut
		if out == "" {
			out = contentPath + merkle.RefExt
		}

		b := merkle.NewBuilder(merkle.BuildOptions{
			ChunkSize: buildChunkSize,
			Workers:   buildWorkers,
		})

		done := make(chan struct{})
		go reportBuildProgress(b, done)

		ref, err := b.Build(contentPath, out)
		close(done)
		if err != nil {
			return fmt.Errorf("build reference: %w", err)
		}
		defer ref.Close()

		root, err := ref.Root()
		if err != nil {
			return err
		}
		sh := ref.Shape()
		fmt.Printf("\n%s %s\n", colors.Verified("built"), out)
		fmt.Printf("  chunks: %d x %d bytes, %d nodes\n", sh.TotalChunks, sh.ChunkSize, sh.NodeCount)
		fmt.Printf("  root:   %x\n", root)
		return nil
	},
}

// reportBuildProgress prints a single updating line while the build runs.
func reportBuildProgress(b *merkle.Builder, done <-chan struct{}) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			stage := b.Progress.Stage()
			line := fmt.Sprintf("%s %d/%d chunks", stage, b.Progress.Processed(), b.Progress.Total())
			fmt.Printf("\r%s%s", colors.Progress(line), strings.Repeat(" ", 8))
		}
	}
}

func init() {
	buildCmd.Flags().Int64VarP(&buildChunkSize, "chunk-size", "c", shape.DefaultChunkSize,
		"Chunk size in bytes (power of two)")
	buildCmd.Flags().StringVarP(&buildOut, "out", "o", "", "Output path (default <content>.mref)")
	buildCmd.Flags().IntVar(&buildWorkers, "workers", 0, "Leaf hashing workers (default NumCPU)")
}
