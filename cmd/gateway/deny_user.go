package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"meshgate.org/internal/audit"
	"meshgate.org/internal/store/redisstore"
)

func newDenyUserCmd(c *cli) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "deny-user <user-id>",
		Short: "Reject every token of a user for a period",
		Long: `Adds the user to the denied-user set. Every access and refresh token
of the user is rejected until the entry expires. Use a TTL at least as long
as the access-token lifetime.`,
		Example: `  meshgate deny-user 64f1c2 --ttl 24h`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			if c.cfg.RedisURL == "" {
				return errors.New("redis_url is required")
			}
			if c.cfg.AccessTokenKey == "" || c.cfg.RefreshTokenKey == "" {
				return errors.New("access_token_key and refresh_token_key are required")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*c.cfg.StoreTimeout)
			defer cancel()

			store, err := redisstore.Open(ctx, c.cfg.RedisURL, c.logger)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, store.Close()) }()

			verifier, err := openVerifier(c.cfg, store.DenyList(), c.logger)
			if err != nil {
				return err
			}
			if err := verifier.DenyUser(ctx, args[0], ttl); err != nil {
				return err
			}
			_ = audit.LogEvent(ctx, audit.EventUserDenied,
				zap.String("denied_user_id", args[0]),
				zap.Duration("ttl", ttl),
				zap.String("actor", "cli"),
			)
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "user %s denied for %s\n", args[0], ttl)
			return err
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "How long the user stays denied")
	return cmd
}
