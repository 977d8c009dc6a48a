package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dhcgn/imap-spamtrainer/config"
	"github.com/dhcgn/imap-spamtrainer/model"
)

func newMailboxesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "mailboxes",
		Short: "List the mailboxes of the configured account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := Bootstrap(cmd, config.LoadConfig)
			if err != nil {
				return err
			}
			defer env.Close()

			manager, err := env.NewManager()
			if err != nil {
				return err
			}
			defer func() {
				_ = manager.Disconnect(true)
			}()

			paths, err := manager.ListMailboxPaths(cmd.Context())
			if err != nil {
				return err
			}

			roles := make(map[string]model.Role)
			for _, role := range model.Roles {
				roles[env.Config.Mailbox(role)] = role
			}

			out := cmd.OutOrStdout()
			for _, path := range paths {
				if role, ok := roles[path]; ok {
					fmt.Fprintf(out, "%s\t(%s)\n", path, role)
					continue
				}
				fmt.Fprintln(out, path)
			}
			return nil
		},
	}
}
