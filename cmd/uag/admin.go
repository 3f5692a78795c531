package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/xela07ax/spaceai-sensor-gateway/internal/audit"
	"github.com/xela07ax/spaceai-sensor-gateway/internal/engine"
	"github.com/xela07ax/spaceai-sensor-gateway/internal/infra"
	"github.com/xela07ax/spaceai-sensor-gateway/internal/policy"
	"github.com/xela07ax/spaceai-sensor-gateway/internal/repository/postgres"
)

var errNoRedis = errors.New("redis.addr is not configured")

func newAuditCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit trail",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "stats <agent-id>",
		Short: "Summarize audit records of one agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := audit.ReadFile(opts.cfg.Audit.Path)
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(audit.Summarize(records, args[0]), "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	})
	return cmd
}

func newApproveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "approve <agent-id> <tool>",
		Short: "Issue a short-lived approval token for a sensitive tool",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := opts.cfg.Approval.HMACSecret
			if secret == "" {
				return errors.New("approval.hmac_secret is not configured")
			}
			token, err := policy.IssueHMAC([]byte(secret), args[0], args[1], opts.cfg.Approval.TokenTTL)
			if err != nil {
				return fmt.Errorf("sign approval: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}

func newAgentCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Kill-switch: block or unblock an agent across gateway instances",
	}
	toggle := func(block bool) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rdb, err := redisClient(opts.cfg.Redis)
			if err != nil {
				return err
			}
			defer rdb.Close()

			var store engine.AgentStore
			if opts.cfg.Database.URL != "" {
				db, err := postgres.Open(ctx, opts.cfg.Database.URL, 2, 1)
				if err != nil {
					return err
				}
				defer db.Close()
				store = postgres.NewAgentRepo(db)
			}

			ks := engine.NewKillSwitch(rdb, store, opts.logger)
			if block {
				err = ks.Block(ctx, args[0])
			} else {
				err = ks.Unblock(ctx, args[0])
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "agent %s blocked=%t\n", args[0], block)
			return nil
		}
	}
	cmd.AddCommand(
		&cobra.Command{Use: "block <agent-id>", Short: "Block all calls of an agent", Args: cobra.ExactArgs(1), RunE: toggle(true)},
		&cobra.Command{Use: "unblock <agent-id>", Short: "Lift the block", Args: cobra.ExactArgs(1), RunE: toggle(false)},
	)
	return cmd
}

func newScopeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scope",
		Short: "Grant or revoke a scope for a connected agent",
	}
	signal := func(grant bool) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			rdb, err := redisClient(opts.cfg.Redis)
			if err != nil {
				return err
			}
			defer rdb.Close()
			if err := engine.PublishScope(cmd.Context(), rdb, args[0], args[1], grant); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scope %s for %s: grant=%t\n", args[1], args[0], grant)
			return nil
		}
	}
	cmd.AddCommand(
		&cobra.Command{Use: "grant <agent-id> <scope>", Short: "Grant a scope", Args: cobra.ExactArgs(2), RunE: signal(true)},
		&cobra.Command{Use: "revoke <agent-id> <scope>", Short: "Revoke a scope", Args: cobra.ExactArgs(2), RunE: signal(false)},
	)
	return cmd
}

func redisClient(cfg infra.RedisConfig) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, errNoRedis
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}), nil
}
