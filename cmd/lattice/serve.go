package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/latticehq/lattice/internal/channels"
	"github.com/latticehq/lattice/internal/config"
	"github.com/latticehq/lattice/internal/daemon"
	"github.com/latticehq/lattice/internal/gateway"
	"github.com/latticehq/lattice/internal/observability"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		systemPath string
		dataRoot   string
		bind       string
		loopback   bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the lattice daemon",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(systemPath, configPath)
			if err != nil {
				return err
			}
			// Flags are the runtime override layer, above every file
			// and environment source.
			if dataRoot != "" {
				cfg.DataRoot = dataRoot
			}
			if bind != "" {
				cfg.Gateway.Bind = bind
			}

			logger := observability.NewLogger(observability.LogConfig{
				Level:  cfg.Logging.Level,
				Format: cfg.Logging.Format,
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			d, err := daemon.New(ctx, cfg, logger)
			if err != nil {
				return err
			}
			if loopback {
				lb := channels.NewLoopback("cli", 32)
				if err := d.Channels().AddInbound(lb, channels.Gate{}); err != nil {
					return err
				}
				if err := d.Channels().AddOutbound(lb); err != nil {
					return err
				}
			}

			logger.Info("starting lattice", "version", version, "data_root", cfg.DataRoot)
			return d.Run(ctx)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "lattice.yaml", "workspace config file")
	cmd.Flags().StringVar(&systemPath, "system-config", "/etc/lattice/config.yaml", "system config file")
	cmd.Flags().StringVar(&dataRoot, "data-root", "", "override the data root directory")
	cmd.Flags().StringVar(&bind, "bind", "", "override the gateway bind address")
	cmd.Flags().BoolVar(&loopback, "loopback", false, "register an in-process loopback channel")
	return cmd
}

func buildTokenCmd() *cobra.Command {
	var (
		secret  string
		tenant  string
		roles   []string
		ttl     time.Duration
		subject string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a gateway JWT for a principal",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if secret == "" {
				secret = os.Getenv("LATTICE_JWT_SECRET")
			}
			if secret == "" {
				return fmt.Errorf("a signing secret is required (--secret or LATTICE_JWT_SECRET)")
			}
			verifier := gateway.NewVerifier(secret, nil)
			token, err := verifier.Issue(gateway.Identity{
				Principal: subject,
				TenantID:  tenant,
				Roles:     roles,
			}, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&secret, "secret", "", "JWT signing secret")
	cmd.Flags().StringVar(&subject, "subject", "user:local", "principal subject")
	cmd.Flags().StringVar(&tenant, "tenant", "", "tenant binding")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "roles to embed (repeatable)")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
