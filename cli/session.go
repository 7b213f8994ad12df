package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/merklefetch/merklefetch/internal/colors"
	"github.com/merklefetch/merklefetch/internal/merkle"
	"github.com/merklefetch/merklefetch/internal/sessions"
)

// defaultSessionsDB places the sessions database under the user config
// directory, falling back to the working directory.
func defaultSessionsDB() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "mfetch", "sessions.db")
	}
	return "mfetch-sessions.db"
}

var sessionDBPath string

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage fetch sessions",
}

var (
	sessionOrigin string
	sessionRef    string
	sessionState  string
	sessionCache  string
)

var sessionAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Register a fetch session",
	Long: `Records where a piece of content lives: its origin, reference tree,
state tree, and cache file. The reference tree is fingerprinted so a
resumed session notices if it is swapped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := merkle.OpenReference(sessionRef)
		if err != nil {
			return fmt.Errorf("open reference: %w", err)
		}
		sh := ref.Shape()
		ref.Close()

		fp, err := sessions.Fingerprint(sessionRef)
		if err != nil {
			return err
		}

		if err := os.MkdirAll(filepath.Dir(sessionDBPath), 0o755); err != nil {
			return err
		}
		db, err := sessions.Open(sessionDBPath)
		if err != nil {
			return err
		}
		defer db.Close()

		sess := sessions.Session{
			Name:        args[0],
			OriginURL:   sessionOrigin,
			RefPath:     sessionRef,
			StatePath:   sessionState,
			CachePath:   sessionCache,
			ContentSize: sh.ContentSize,
			ChunkSize:   sh.ChunkSize,
			RefPrint:    fp,
		}
		if err := db.Put(sess); err != nil {
			return err
		}
		fmt.Printf("%s session %q\n", colors.Verified("added"), args[0])
		return nil
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := sessions.Open(sessionDBPath)
		if err != nil {
			return err
		}
		defer db.Close()

		list, err := db.List()
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println(colors.Dim("no sessions"))
			return nil
		}
		for _, s := range list {
			fmt.Printf("%s\n", colors.Bold(s.Name))
			fmt.Printf("  origin: %s\n", s.OriginURL)
			fmt.Printf("  state:  %s\n", s.StatePath)
			fmt.Printf("  size:   %d bytes (%d byte chunks)\n", s.ContentSize, s.ChunkSize)
		}
		return nil
	},
}

var sessionRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Remove a session record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := sessions.Open(sessionDBPath)
		if err != nil {
			return err
		}
		defer db.Close()

		if err := db.Remove(args[0]); err != nil {
			return err
		}
		fmt.Printf("%s session %q\n", colors.Warn("removed"), args[0])
		return nil
	},
}

func init() {
	sessionCmd.PersistentFlags().StringVar(&sessionDBPath, "sessions-db", defaultSessionsDB(),
		"Path to the sessions database")
	sessionAddCmd.Flags().StringVar(&sessionOrigin, "origin", "", "Origin URL or local path")
	sessionAddCmd.Flags().StringVar(&sessionRef, "ref", "", "Reference tree path (.mref)")
	sessionAddCmd.Flags().StringVar(&sessionState, "state", "", "State tree path (.mrkl)")
	sessionAddCmd.Flags().StringVar(&sessionCache, "cache", "", "Local cache file path")
	sessionAddCmd.MarkFlagRequired("origin")
	sessionAddCmd.MarkFlagRequired("ref")
	sessionAddCmd.MarkFlagRequired("state")
	sessionAddCmd.MarkFlagRequired("cache")
}
