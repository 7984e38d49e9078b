// Profile management commands.
package main

import (
	"fmt"

	"browserd/internal/profile"

	"github.com/spf13/cobra"
)

var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage browser identity profiles",
}

var profileCreateCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Create a new identity profile",
	Args:  cobra.ExactArgs(1),
	RunE:  profileCreate,
}

var profileListCmd = &cobra.Command{
	Use:   "ls",
	Short: "List profiles",
	RunE:  profileList,
}

var profileDeleteCmd = &cobra.Command{
	Use:   "rm [name]",
	Short: "Delete a profile",
	Args:  cobra.ExactArgs(1),
	RunE:  profileDelete,
}

var profileCopyCmd = &cobra.Command{
	Use:   "cp [src] [dst]",
	Short: "Clone a profile's identity into a new name",
	Args:  cobra.ExactArgs(2),
	RunE:  profileCopy,
}

func init() {
	profileCmd.AddCommand(profileCreateCmd, profileListCmd, profileDeleteCmd, profileCopyCmd)
	rootCmd.AddCommand(profileCmd)
}

func profileStore() (*profile.Store, error) {
	return profile.NewStore(cfg.Profiles.Root, logger)
}

func profileCreate(cmd *cobra.Command, args []string) error {
	store, err := profileStore()
	if err != nil {
		return err
	}
	dir, err := store.Create(args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Created profile %q at %s\n", args[0], dir)
	return nil
}

func profileList(cmd *cobra.Command, args []string) error {
	store, err := profileStore()
	if err != nil {
		return err
	}
	names, err := store.List()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Println("No profiles.")
		return nil
	}
	for _, name := range names {
		info, err := store.Describe(name)
		if err != nil {
			return err
		}
		fmt.Printf("%-24s %s\n", info.Name, info.Dir)
	}
	return nil
}

func profileDelete(cmd *cobra.Command, args []string) error {
	store, err := profileStore()
	if err != nil {
		return err
	}
	if err := store.Delete(args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted profile %q\n", args[0])
	return nil
}

func profileCopy(cmd *cobra.Command, args []string) error {
	store, err := profileStore()
	if err != nil {
		return err
	}
	if err := store.Copy(args[0], args[1]); err != nil {
		return err
	}
	fmt.Printf("Copied profile %q -> %q\n", args[0], args[1])
	return nil
}
