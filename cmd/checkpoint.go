package cmd

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-spamtrainer/config"
	"github.com/dhcgn/imap-spamtrainer/model"
	"github.com/dhcgn/imap-spamtrainer/state"
)

func newCheckpointCommand() *cobra.Command {
	checkpointCmd := &cobra.Command{
		Use:   "checkpoint",
		Short: "Inspect or reset the per-mailbox sync checkpoints",
	}

	checkpointCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the checkpoint of every tracked mailbox",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := Bootstrap(cmd, config.LoadAccount)
			if err != nil {
				return err
			}
			defer env.Close()

			store, err := env.OpenStore()
			if err != nil {
				return err
			}
			defer store.Close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ROLE\tMAILBOX\tLAST UID\tKEY")
			for _, role := range model.Roles {
				id := env.Config.Identity(role)
				lastUID := "-"
				cp, err := store.Get(cmd.Context(), id)
				switch {
				case errors.Is(err, state.ErrNoCheckpoint):
				case err != nil:
					return err
				default:
					lastUID = strconv.FormatUint(uint64(cp.LastUID), 10)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", role, id.Mailbox, lastUID, id.Fingerprint())
			}
			return w.Flush()
		},
	})

	checkpointCmd.AddCommand(&cobra.Command{
		Use:   "set <spam|ham|inbox> <uid>",
		Short: "Overwrite the checkpoint of a mailbox, e.g. 0 to start over",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			role := model.Role(args[0])
			if !slices.Contains(model.Roles, role) {
				return fmt.Errorf("unknown mailbox role %q", args[0])
			}
			uid, err := strconv.ParseUint(args[1], 10, 32)
			if err != nil {
				return fmt.Errorf("invalid uid %q: %w", args[1], err)
			}

			env, err := Bootstrap(cmd, config.LoadAccount)
			if err != nil {
				return err
			}
			defer env.Close()

			id := env.Config.Identity(role)
			if id.Mailbox == "" {
				return fmt.Errorf("no mailbox configured for %s", role)
			}

			store, err := env.OpenStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Set(cmd.Context(), id, state.Checkpoint{LastUID: uint32(uid)}); err != nil {
				return err
			}
			env.Logger.Info("checkpoint updated", "role", role, "mailbox", id.Mailbox, "lastUid", uid)
			return nil
		},
	})

	return checkpointCmd
}
