package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/uisync/uisync/internal/conflict"
	"github.com/uisync/uisync/internal/config"
	"github.com/uisync/uisync/internal/ir"
	"github.com/uisync/uisync/internal/irstore"
	"github.com/uisync/uisync/internal/syncengine"
)

var (
	conflictsAll     bool
	resolveChoice    string
	resolveMergeSide string
	cleanupKeep      int
)

var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Inspect and resolve simultaneous-edit conflicts",
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded conflicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store := conflict.NewStore(cfg.StorageDir)
		records, err := store.All()
		if err != nil {
			return err
		}
		shown := 0
		for _, r := range records {
			if r.Resolved && !conflictsAll {
				continue
			}
			shown++
			state := "open"
			switch {
			case r.Resolved:
				state = "resolved"
			case r.PendingManual:
				state = "pending manual merge"
			}
			fmt.Printf("%s  [%s, %s]\n", r.ID, r.Kind, state)
			fmt.Printf("  A: %s  (%s)\n", r.PathA, r.TimestampA.Format(time.RFC3339))
			fmt.Printf("  B: %s  (%s)\n", r.PathB, r.TimestampB.Format(time.RFC3339))
		}
		if shown == 0 {
			fmt.Println("No conflicts.")
		}
		return nil
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <id>",
	Short: "Resolve a conflict by id",
	Long: `Applies a resolution choice to a recorded conflict:
  use-a         regenerate side B from side A (B is backed up first)
  use-b         regenerate side A from side B (A is backed up first)
  manual-merge  back up both files and hold sync until --merged-side is given
  skip          leave the conflict open and both files untouched`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		pair, err := cfg.Pair()
		if err != nil {
			return err
		}
		irs, err := irstore.New(cfg.StorageDir)
		if err != nil {
			return err
		}
		store := conflict.NewStore(cfg.StorageDir)

		adapters := map[string]syncengine.Adapter{
			pair.A.Tag: syncengine.Passthrough(pair.A.Tag),
			pair.B.Tag: syncengine.Passthrough(pair.B.Tag),
		}
		convert := func(path string, fw config.Framework) (*ir.Document, error) {
			return adapters[fw.Tag].Convert(cmd.Context(), path)
		}
		generate := func(doc *ir.Document, path string, fw config.Framework) error {
			return adapters[fw.Tag].Generate(cmd.Context(), doc, path)
		}
		resolver := conflict.NewResolver(pair, irs, store, convert, generate)

		if resolveMergeSide != "" {
			if err := resolver.ResolveManualMerge(args[0], resolveMergeSide); err != nil {
				return err
			}
			fmt.Printf("Conflict %s: manual merge from %s applied.\n", args[0], resolveMergeSide)
			return nil
		}
		choice, err := conflict.ParseChoice(resolveChoice)
		if err != nil {
			return err
		}
		if err := resolver.Resolve(args[0], choice); err != nil {
			return err
		}
		fmt.Printf("Conflict %s: %s applied.\n", args[0], choice)
		return nil
	},
}

var conflictsCleanupCmd = &cobra.Command{
	Use:   "cleanup <path>",
	Short: "Prune old resolution backups of a file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := conflict.CleanupBackups(args[0], cleanupKeep); err != nil {
			return err
		}
		backups, err := conflict.ListBackups(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%d backup(s) kept.\n", len(backups))
		return nil
	},
}

func init() {
	conflictsListCmd.Flags().BoolVar(&conflictsAll, "all", false, "include resolved conflicts")
	conflictsResolveCmd.Flags().StringVar(&resolveChoice, "choice", "", "resolution: use-a, use-b, manual-merge, skip")
	conflictsResolveCmd.Flags().StringVar(&resolveMergeSide, "merged-side", "", "complete a pending manual merge from this side's file")
	conflictsCleanupCmd.Flags().IntVar(&cleanupKeep, "keep", conflict.KeepBackups, "backups to keep")
	conflictsCmd.AddCommand(conflictsListCmd, conflictsResolveCmd, conflictsCleanupCmd)
	rootCmd.AddCommand(conflictsCmd)
}
