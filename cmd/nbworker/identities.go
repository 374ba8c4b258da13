package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/skyfold/nbworker/pkg/config"
	"github.com/skyfold/nbworker/pkg/identity"
)

var identitiesPath string

func init() {
	identitiesCmd.PersistentFlags().StringVar(&identitiesPath, "file", "", "Path to the identity catalog (overrides config)")

	identitiesCmd.AddCommand(identitiesListCmd)
	identitiesCmd.AddCommand(identitiesValidateCmd)
}

var identitiesCmd = &cobra.Command{
	Use:   "identities",
	Short: "Inspect the identity catalog",
}

func catalogPath() (string, error) {
	if identitiesPath != "" {
		return identitiesPath, nil
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return "", fmt.Errorf("no --file given and config could not be loaded: %w", err)
	}
	return cfg.Worker.IdentitiesPath, nil
}

var identitiesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the identities in the catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := catalogPath()
		if err != nil {
			return err
		}
		registry, err := identity.LoadRegistry(path)
		if err != nil {
			return err
		}

		fmt.Printf("%-4s %-24s %-8s %-8s\n", "SLOT", "USERNAME", "UID", "GID")
		for i, id := range registry.Identities() {
			uid, gid := "-", "-"
			if id.UID != nil {
				uid = fmt.Sprintf("%d", *id.UID)
			}
			if id.GID != nil {
				gid = fmt.Sprintf("%d", *id.GID)
			}
			fmt.Printf("%-4d %-24s %-8s %-8s\n", i, id.Name, uid, gid)
		}
		return nil
	},
}

var identitiesValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the identity catalog",
	Long: `Validate the identity catalog file: well-formed YAML, no duplicate
usernames, no empty entries. Exits non-zero when the catalog is unusable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := catalogPath()
		if err != nil {
			return err
		}
		registry, err := identity.LoadRegistry(path)
		if err != nil {
			return fmt.Errorf("catalog is invalid: %w", err)
		}
		fmt.Printf("✓ Catalog is valid: %d identities\n", registry.Len())
		return nil
	},
}
