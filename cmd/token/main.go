// Command token mints and inspects caller bearer tokens signed with
// CALLER_SECRET.
package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/congo-pay/custody/internal/auth"
	"github.com/congo-pay/custody/internal/ledger"
)

func main() {
	if err := newRootCmd(os.Getenv).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(getenv func(string) string) *cobra.Command {
	root := &cobra.Command{
		Use:          "token",
		Short:        "Mint and inspect caller bearer tokens",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("secret", "", "signing secret (defaults to $CALLER_SECRET)")
	root.AddCommand(newIssueCmd(getenv), newVerifyCmd(getenv))
	return root
}

func newIssueCmd(getenv func(string) string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issue <address>",
		Short: "Issue a token acting for address",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := resolveSecret(cmd, getenv)
			if err != nil {
				return err
			}
			account, err := ledger.ParseAddress(args[0])
			if err != nil {
				return fmt.Errorf("parse address: %w", err)
			}
			ttl, _ := cmd.Flags().GetDuration("ttl")

			token, exp, err := auth.NewTokens(secret, ttl).Issue(account)
			if err != nil {
				return fmt.Errorf("issue token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().Duration("ttl", time.Hour, "token lifetime")
	return cmd
}

func newVerifyCmd(getenv func(string) string) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <token>",
		Short: "Verify a token and print the address it acts for",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, err := resolveSecret(cmd, getenv)
			if err != nil {
				return err
			}
			account, err := auth.NewTokens(secret, 0).Verify(args[0])
			if err != nil {
				return fmt.Errorf("verify token: %w", err)
			}
			_, err = io.WriteString(cmd.OutOrStdout(), account.String()+"\n")
			return err
		},
	}
}

func resolveSecret(cmd *cobra.Command, getenv func(string) string) (string, error) {
	secret, _ := cmd.Flags().GetString("secret")
	if secret == "" {
		secret = getenv("CALLER_SECRET")
	}
	if secret == "" {
		return "", fmt.Errorf("no signing secret: pass --secret or set CALLER_SECRET")
	}
	return secret, nil
}
