package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"kravflyt/internal/app"
	"kravflyt/internal/config"
	"kravflyt/internal/db"
	"kravflyt/internal/server"
)

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		Long:  "Settings come from KRAVFLYT_ADDR, KRAVFLYT_BASE_PATH, KRAVFLYT_JWT_SECRET and KRAVFLYT_ALLOW_HEADER_IDENTITY; flags win over the environment.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var env config.ServerEnv
			if err := config.ParseEnv(&env); err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				env.Addr = addr
			}
			if cmd.Flags().Changed("base-path") {
				env.BasePath = basePath
			}
			if env.JWTSecret == "" && !env.AllowHeaderIdentity {
				return fmt.Errorf("KRAVFLYT_JWT_SECRET is required unless KRAVFLYT_ALLOW_HEADER_IDENTITY is set")
			}
			logFormat := viper.GetString("log-format")
			if !cmd.Flags().Changed("log-format") && env.LogFormat != "" {
				logFormat = env.LogFormat
			}
			logger := app.NewLogger(logFormat, viper.GetString("log-level"), cmd.ErrOrStderr())

			ws, err := app.Open(viper.GetString("workspace"), logger)
			if err != nil {
				return err
			}
			defer ws.Close()

			handler, err := server.New(server.Config{
				Engine:   ws.Engine,
				BasePath: env.BasePath,
				Auth: server.AuthConfig{
					JWTSecret:           env.JWTSecret,
					AllowHeaderIdentity: env.AllowHeaderIdentity,
					Logger:              logger,
				},
				Logger: logger,
			})
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv := &http.Server{Addr: env.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				logger.Info("serving api", "addr", env.Addr, "base_path", env.BasePath, "workspace", ws.Path)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			fmt.Fprintf(cmd.OutOrStdout(), "Serving kravflyt API on http://%s%s (OpenAPI at %s/openapi.json, docs at %s/docs)\n",
				env.Addr, env.BasePath, env.BasePath, env.BasePath)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Workspace configuration",
		Long:  "kravflyt.yml holds notice deadlines per rule category, the forsering uplift and warning level, and the display locale.",
	}
	cmd.AddCommand(configInitCmd())
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configValidateCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default kravflyt.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printOut(cmd.OutOrStdout(), cfg, func(w io.Writer) {
				enc := yaml.NewEncoder(w)
				enc.SetIndent(2)
				_ = enc.Encode(cfg)
				_ = enc.Close()
			})
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate kravflyt.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "config ok")
			return nil
		},
	}
	return cmd
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "token", Short: "API bearer tokens"}
	cmd.AddCommand(tokenIssueCmd())
	return cmd
}

func tokenIssueCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a bearer token for --actor-id and --role",
		Long:  "Signs an HS256 token with KRAVFLYT_JWT_SECRET.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var env config.ServerEnv
			if err := config.ParseEnv(&env); err != nil {
				return err
			}
			if env.JWTSecret == "" {
				return fmt.Errorf("KRAVFLYT_JWT_SECRET is required")
			}
			token, err := server.IssueToken(env.JWTSecret, viper.GetString("actor-id"), role(), ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	return cmd
}
