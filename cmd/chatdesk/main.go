package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatdesk/chatdesk/internal/auth"
	"github.com/chatdesk/chatdesk/internal/config"
	"github.com/chatdesk/chatdesk/internal/db"
	"github.com/chatdesk/chatdesk/internal/logger"
	"github.com/chatdesk/chatdesk/internal/storage/postgres"
)

var configPath string

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "chatdesk",
		Short:         "Multi-channel customer messaging server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.toml (defaults to $CONFIG_PATH)")
	root.AddCommand(newServeCmd(), newMigrateCmd(), newTokenCmd(), newCompanyCmd())
	return root
}

func loadConfig() (config.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, webhooks and reply workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			runServe()
			return nil
		},
	}
}

func newMigrateCmd() *cobra.Command {
	var steps int
	cmd := &cobra.Command{
		Use:       "migrate [up|down]",
		Short:     "Apply or revert database migrations",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"up", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger.Init(cfg.Log.Level, cfg.Log.Format)
			return db.Migrate(logger.L, cfg.Postgres, args[0], steps)
		},
	}
	cmd.Flags().IntVar(&steps, "steps", 0, "number of migrations to apply (0 means all)")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		userID    string
		companyID string
		role      string
		ttl       time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an agent access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if ttl <= 0 {
				ttl = cfg.Auth.ExpiresIn()
			}
			token, expiresAt, err := auth.GenerateToken(auth.Agent{
				UserID:    userID,
				CompanyID: companyID,
				Role:      role,
			}, cfg.Auth.JWTSecret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "agent user id")
	cmd.Flags().StringVar(&companyID, "company", "", "company id the agent belongs to")
	cmd.Flags().StringVar(&role, "role", auth.RoleAgent, "agent or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (defaults to auth.jwt_expires_in)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newCompanyCmd() *cobra.Command {
	company := &cobra.Command{
		Use:   "company",
		Short: "Manage companies",
	}
	var slug string
	create := &cobra.Command{
		Use:   "create NAME",
		Short: "Create a company and print its widget anchor token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger.Init(cfg.Log.Level, cfg.Log.Format)
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			pool, err := db.Open(ctx, cfg.Postgres)
			if err != nil {
				return fmt.Errorf("db connect: %w", err)
			}
			defer pool.Close()

			token, err := newAnchorToken()
			if err != nil {
				return err
			}
			name := strings.TrimSpace(args[0])
			if slug == "" {
				slug = slugify(name)
			}
			created, err := postgres.New(logger.L, pool).CreateCompany(ctx, name, slug, token)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "company %s (%s)\nanchor token %s\n", created.ID, created.Slug, token)
			return nil
		},
	}
	create.Flags().StringVar(&slug, "slug", "", "url slug (derived from the name when empty)")
	company.AddCommand(create)
	return company
}

func newAnchorToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate anchor token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func slugify(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimRight(b.String(), "-")
}
