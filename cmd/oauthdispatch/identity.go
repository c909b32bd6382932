package main

import (
	"fmt"
	"time"

	"github.com/dpup/oauthdispatch/errors"
	"github.com/dpup/oauthdispatch/identity"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func newIdentityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Identity token helpers for development",
	}
	cmd.AddCommand(newIdentityMintCmd())
	return cmd
}

func newIdentityMintCmd() *cobra.Command {
	var (
		id     identity.Identity
		expiry time.Duration
	)

	cmd := &cobra.Command{
		Use:   "mint <subject>",
		Short: "Mint an identity token for a user",
		Long: `Mint an identity token signed with auth.signingKey (or oauth.signingKey).
Send it as "Authorization: Bearer <token>" or in the identity cookie to act as
the user on the authorize endpoint, or as the password of a password grant.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(identitySigningKey()) == 0 {
				return errors.Errorf("no signing key configured, set auth.signingKey or oauth.signingKey")
			}
			id.Subject = args[0]
			id.SessionID = uuid.NewString()
			id.AuthTime = time.Now()

			ids := identity.NewIssuer(identitySigningKey(), issuer(), identity.WithExpiry(expiry))
			tok, err := ids.Token(id)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().StringVar(&id.Name, "name", "", "Display name")
	cmd.Flags().StringVar(&id.Email, "email", "", "Email address")
	cmd.Flags().DurationVar(&expiry, "expiry", time.Hour, "Token lifetime")
	return cmd
}
