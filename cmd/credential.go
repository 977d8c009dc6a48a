package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/dhcgn/imap-spamtrainer/config"
	"github.com/dhcgn/imap-spamtrainer/credential"
)

func newCredentialCommand() *cobra.Command {
	credentialCmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage the IMAP password in the OS keyring",
	}

	credentialCmd.AddCommand(&cobra.Command{
		Use:   "set",
		Short: "Store the password of the configured account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAccount(cmd)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "Password for %s@%s: ", cfg.IMAP.User, cfg.IMAP.Host)
			password, err := readPassword(cmd.InOrStdin())
			fmt.Fprintln(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if password == "" {
				return fmt.Errorf("empty password")
			}

			key := credential.Key(cfg.IMAP.User, cfg.IMAP.Host)
			if err := credential.Set(key, password); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored %s\n", key)
			return nil
		},
	})

	credentialCmd.AddCommand(&cobra.Command{
		Use:   "delete",
		Short: "Remove the password of the configured account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAccount(cmd)
			if err != nil {
				return err
			}

			key := credential.Key(cfg.IMAP.User, cfg.IMAP.Host)
			if err := credential.Delete(key); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", key)
			return nil
		},
	})

	return credentialCmd
}

// readPassword reads without echo from a terminal, otherwise the first line
// of in.
func readPassword(in io.Reader) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(b), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
