package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newAuthorityCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "authority",
		Short: "Authority registry operations",
		Long: `Inspect the authority registry and test source-id resolution.

These commands read the registry file named in the config; no store
access is needed.`,
	}

	cmd.AddCommand(newAuthorityListCommand())
	cmd.AddCommand(newAuthorityResolveCommand())

	return cmd
}

func newAuthorityListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registry entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			registry, err := buildRegistry(cfg)
			if err != nil {
				return err
			}

			entries := registry.Entries()
			if jsonOutput {
				return printJSON(entries)
			}
			if len(entries) == 0 {
				fmt.Println("Registry is empty; only the DR-/PRO-/STD- naming conventions apply.")
				return nil
			}
			fmt.Printf("%-20s  %-14s  %-10s  %s\n", "PREFIX", "TIER", "AUTHORITY", "TITLE")
			for _, e := range entries {
				fmt.Printf("%-20s  %-14s  %-10s  %s\n", e.Prefix, e.Tier, e.Authority, e.Title)
			}
			return nil
		},
	}
	return cmd
}

func newAuthorityResolveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <source-id>...",
		Short: "Resolve source ids to tier and authority",
		Long: `Show how cited source ids would resolve at Gatekeeper time.

Resolution tries the registry prefix table first, then derivation
markers (DR-/PRO-/STD-) inheriting from their parent entry, then the
marker conventions, then falls through to standard/DEFAULT.`,
		Example: `  warden authority resolve HIPAA-164.312 DR-HIPAA-01 STD-NAMING PRO-GO-STYLE`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Context())
			if err != nil {
				return err
			}
			registry, err := buildRegistry(cfg)
			if err != nil {
				return err
			}

			resolutions := registry.ResolveAll(args)
			if jsonOutput {
				return printJSON(resolutions)
			}
			printResolutions(resolutions)
			return nil
		},
	}
	return cmd
}
