package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/merklefetch/merklefetch/internal/colors"
	"github.com/merklefetch/merklefetch/internal/merkle"
)

var statusCmd = &cobra.Command{
	Use:   "status <state.mrkl>",
	Short: "Show download progress of a state tree",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := merkle.OpenState(args[0])
		if err != nil {
			return fmt.Errorf("open state: %w", err)
		}
		defer st.Close()

		sh := st.Shape()
		snap := st.ValidChunks()
		valid := snap.CountValid()

		pct := 100.0
		if sh.TotalChunks > 0 {
			pct = float64(valid) / float64(sh.TotalChunks) * 100
		}
		fmt.Printf("%s\n", colors.Bold(args[0]))
		fmt.Printf("  content: %d bytes in %d chunks of %d\n", sh.ContentSize, sh.TotalChunks, sh.ChunkSize)
		fmt.Printf("  verified: %d/%d (%.1f%%)\n", valid, sh.TotalChunks, pct)
		fmt.Printf("  map: %s\n", chunkMap(snap))
		return nil
	},
}

// chunkMap renders validity as one character per bucket of chunks, at
// most 64 buckets wide.
func chunkMap(snap merkle.Snapshot) string {
	chunks := snap.Chunks()
	if chunks == 0 {
		return colors.Dim("(empty content)")
	}
	buckets := chunks
	if buckets > 64 {
		buckets = 64
	}
	per := (chunks + buckets - 1) / buckets

	var sb strings.Builder
	for b := 0; b < buckets; b++ {
		lo := b * per
		hi := lo + per
		if hi > chunks {
			hi = chunks
		}
		if lo >= chunks {
			break
		}
		have := 0
		for i := lo; i < hi; i++ {
			if snap.IsValid(i) {
				have++
			}
		}
		switch {
		case have == hi-lo:
			sb.WriteString(colors.Verified("#"))
		case have > 0:
			sb.WriteString(colors.Warn("+"))
		default:
			sb.WriteString(colors.Missing("."))
		}
	}
	return sb.String()
}
