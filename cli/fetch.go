package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/merklefetch/merklefetch/internal/cachefile"
	"github.com/merklefetch/merklefetch/internal/colors"
	"github.com/merklefetch/merklefetch/internal/fetch"
	"github.com/merklefetch/merklefetch/internal/merkle"
	"github.com/merklefetch/merklefetch/internal/sessions"
	"github.com/merklefetch/merklefetch/internal/transport"
)

var (
	fetchRange     string
	fetchAll       bool
	fetchWorkers   int
	fetchScheduler string
	fetchDBPath    string
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <session-name>",
	Short: "Download and verify a byte range of a session's content",
	Long: `Schedules, downloads, and verifies the chunks covering the requested
range, writing them into the session's local cache. Already-verified
chunks are never fetched again, so interrupted fetches resume.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := sessions.Open(fetchDBPath)
		if err != nil {
			return err
		}
		defer db.Close()

		sess, err := db.Get(args[0])
		if err != nil {
			return fmt.Errorf("session %q: %w", args[0], err)
		}
		if err := sessions.VerifyFingerprint(sess.RefPath, sess.RefPrint); err != nil {
			return err
		}

		st, err := merkle.OpenState(sess.StatePath)
		if err != nil {
			return fmt.Errorf("open state: %w", err)
		}
		sh := st.Shape()

		cache, err := cachefile.Create(sess.CachePath, sh.ContentSize)
		if err != nil {
			st.Close()
			return err
		}

		var tr transport.Transport
		if strings.HasPrefix(sess.OriginURL, "http://") || strings.HasPrefix(sess.OriginURL, "https://") {
			tr = transport.NewHTTP(sess.OriginURL, nil)
		} else {
			ft, err := transport.OpenFile(sess.OriginURL)
			if err != nil {
				st.Close()
				cache.Close()
				return err
			}
			defer ft.Close()
			tr = ft
		}

		var sched fetch.Scheduler
		switch fetchScheduler {
		case "aggressive":
			sched = fetch.Aggressive{}
		case "conservative":
			sched = fetch.Conservative{}
		default:
			st.Close()
			cache.Close()
			return fmt.Errorf("unknown scheduler %q (want aggressive or conservative)", fetchScheduler)
		}

		eng := fetch.NewEngine(st, cache, tr, fetch.EngineOptions{
			Scheduler: sched,
			Workers:   fetchWorkers,
		})
		defer eng.Close()

		offset, length, err := resolveRange(sh.ContentSize)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		dest := make([]byte, length)
		n, err := eng.ReadAt(ctx, dest, offset)
		if err != nil {
			return fmt.Errorf("fetch [%d, %d): %w", offset, offset+length, err)
		}

		fmt.Printf("%s %d bytes at offset %d\n", colors.Verified("fetched"), n, offset)
		fmt.Printf("  verified chunks: %d/%d\n", eng.State.CountValid(), sh.TotalChunks)
		return nil
	},
}

// resolveRange turns --all / --range off:len into a concrete interval.
func resolveRange(contentSize int64) (offset, length int64, err error) {
	if fetchAll {
		return 0, contentSize, nil
	}
	if fetchRange == "" {
		return 0, 0, fmt.Errorf("one of --all or --range is required")
	}
	parts := strings.SplitN(fetchRange, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("range %q is not offset:length", fetchRange)
	}
	offset, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad range offset: %w", err)
	}
	length, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad range length: %w", err)
	}
	if offset < 0 || length <= 0 {
		return 0, 0, fmt.Errorf("range [%d, +%d) is empty or negative", offset, length)
	}
	if offset >= contentSize {
		return 0, 0, fmt.Errorf("offset %d is past the content end %d", offset, contentSize)
	}
	if offset+length > contentSize {
		length = contentSize - offset
	}
	return offset, length, nil
}

func init() {
	fetchCmd.Flags().StringVar(&fetchRange, "range", "", "Byte range to fetch as offset:length")
	fetchCmd.Flags().BoolVar(&fetchAll, "all", false, "Fetch the whole content")
	fetchCmd.Flags().IntVar(&fetchWorkers, "workers", 0, "Download workers (default 16)")
	fetchCmd.Flags().StringVar(&fetchScheduler, "scheduler", "aggressive",
		"Scheduling strategy: aggressive or conservative")
	fetchCmd.Flags().StringVar(&fetchDBPath, "sessions-db", defaultSessionsDB(),
		"Path to the sessions database")
}
