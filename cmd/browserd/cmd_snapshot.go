// Snapshot inspection commands. Capture and restore happen against live
// handles inside the pool service; these commands operate on the durable
// store only.
package main

import (
	"fmt"

	"browserd/internal/snapshot"

	"github.com/spf13/cobra"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Inspect saved session snapshots",
}

var snapshotListCmd = &cobra.Command{
	Use:   "ls",
	Short: "List snapshots, newest first",
	RunE:  snapshotList,
}

var snapshotShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Show a snapshot's tabs",
	Args:  cobra.ExactArgs(1),
	RunE:  snapshotShow,
}

var snapshotDeleteCmd = &cobra.Command{
	Use:   "rm [id]",
	Short: "Delete a snapshot",
	Args:  cobra.ExactArgs(1),
	RunE:  snapshotDelete,
}

func init() {
	snapshotCmd.AddCommand(snapshotListCmd, snapshotShowCmd, snapshotDeleteCmd)
	rootCmd.AddCommand(snapshotCmd)
}

func snapshotStore() (*snapshot.Store, error) {
	return snapshot.NewStore(cfg.Snapshots.Root, logger)
}

func snapshotList(cmd *cobra.Command, args []string) error {
	store, err := snapshotStore()
	if err != nil {
		return err
	}
	records, err := store.List()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No snapshots.")
		return nil
	}
	for _, rec := range records {
		name := rec.Name
		if name == "" {
			name = "-"
		}
		fmt.Printf("%s  %-20s profile=%-16s tabs=%d  %s\n",
			rec.ID, name, orDash(rec.ProfileName), len(rec.Tabs),
			rec.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func snapshotShow(cmd *cobra.Command, args []string) error {
	store, err := snapshotStore()
	if err != nil {
		return err
	}
	rec, err := store.Get(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Snapshot %s\n", rec.ID)
	fmt.Printf("  Name:    %s\n", orDash(rec.Name))
	fmt.Printf("  Profile: %s\n", orDash(rec.ProfileName))
	fmt.Printf("  Created: %s\n", rec.CreatedAt.Format("2006-01-02 15:04:05"))
	for i, tab := range rec.Tabs {
		marker := " "
		if tab.Active {
			marker = "*"
		}
		fmt.Printf("  %s [%d] %s\n", marker, i, tab.URL)
	}
	return nil
}

func snapshotDelete(cmd *cobra.Command, args []string) error {
	store, err := snapshotStore()
	if err != nil {
		return err
	}
	if err := store.Delete(args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted snapshot %s\n", args[0])
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
