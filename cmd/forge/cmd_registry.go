package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"promptforge/internal/errs"
)

var (
	activateBy      string
	rollbackVersion string
)

var activateCmd = &cobra.Command{
	Use:   "activate [version-id]",
	Short: "Activate a prompt version",
	Long: `Makes the version the sole active prompt for its target. Exactly one
version per target is ever active; the flip happens in one transaction.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		err = a.registry.Activate(cmd.Context(), args[0], activateBy)
		if errs.IsConcurrency(err) {
			// One retry against fresh state before surfacing the race.
			err = a.registry.Activate(cmd.Context(), args[0], activateBy)
		}
		if err != nil {
			return err
		}
		fmt.Printf("Activated %s\n", args[0])
		return nil
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback [target]",
	Short: "Roll a target back to a previous prompt version",
	Long: `Activates the given version (--to), or the parent of the current
active version when omitted. A target without a parent to return to is
left unchanged.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		rolled, err := a.registry.Rollback(cmd.Context(), args[0], rollbackVersion)
		if errs.IsConcurrency(err) {
			rolled, err = a.registry.Rollback(cmd.Context(), args[0], rollbackVersion)
		}
		if err != nil {
			return err
		}
		if !rolled {
			fmt.Printf("Nothing to roll back for %s.\n", args[0])
			return nil
		}
		active, err := a.registry.ActiveVersion(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("Rolled back %s to %s\n", args[0], active.ID)
		return nil
	},
}

var historyCmd = &cobra.Command{
	Use:   "history [target]",
	Short: "Show the prompt version history for a target",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		versions, err := a.registry.History(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if len(versions) == 0 {
			fmt.Printf("No versions for %s. Bootstrap with: forge init-prompt %s <file>\n", args[0], args[0])
			return nil
		}

		for _, v := range versions {
			marker := " "
			if v.IsActive {
				marker = "*"
			}
			fmt.Printf("%s %s  hash=%s  delta=%+.3f  %s\n",
				marker, v.ID, v.ContentHash, v.PerformanceDelta,
				v.CreatedAt.Format("2006-01-02 15:04"))
			if v.Rationale != "" {
				fmt.Printf("    %s\n", v.Rationale)
			}
		}
		return nil
	},
}

var initPromptCmd = &cobra.Command{
	Use:   "init-prompt [target] [file]",
	Short: "Bootstrap a target's v1.0.0 from an existing prompt file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		v, err := a.registry.InitializeFromFile(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Printf("Initialized %s (active: %v, hash %s)\n", v.ID, v.IsActive, v.ContentHash)
		return nil
	},
}

func init() {
	activateCmd.Flags().StringVar(&activateBy, "by", "cli", "who approved the activation")
	rollbackCmd.Flags().StringVar(&rollbackVersion, "to", "", "explicit version id to activate")
	rootCmd.AddCommand(activateCmd, rollbackCmd, historyCmd, initPromptCmd)
}
