package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/herald/internal/auth"
	"github.com/MarcoPoloResearchLab/herald/internal/config"
	"github.com/MarcoPoloResearchLab/herald/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "herald",
		Short: "Herald notification dispatch service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), true)
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newDrainCommand(), newSyncTypesCommand(), newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "API token signing secret (overrides env)")
	cmd.PersistentFlags().Bool("queue-all", defaults.GetBool("notices.queue_all"), "Queue every send unless the caller forces immediate delivery")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "notices.queue_all", "queue-all")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newServeCommand() *cobra.Command {
	var withDrainer bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), withDrainer)
		},
	}
	cmd.Flags().BoolVar(&withDrainer, "drain", true, "Drain the notice queue in the background")
	return cmd
}

func newDrainCommand() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Replay queued notices through the configured backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDrain(cmd.Context(), follow)
		},
	}
	cmd.Flags().BoolVar(&follow, "follow", false, "Keep draining on the configured interval until interrupted")
	return cmd
}

func newSyncTypesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync-types",
		Short: "Create or update the notice types declared in configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSyncTypes(cmd.Context(), cmd)
		},
	}
}

func newTokenCommand() *cobra.Command {
	var (
		subject string
		roles   []string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			if err := appConfig.ValidateAuth(); err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.Auth.SigningSecret),
				Issuer:        appConfig.Auth.Issuer,
				TokenTTL:      appConfig.Auth.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.Issue(subject, roles)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %ds\n", expiresIn)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Token subject (a user id or a service name)")
	cmd.Flags().StringSliceVar(&roles, "role", nil, "Granted role, repeatable ("+auth.RoleSender+", "+auth.RoleAdmin+")")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func runServer(ctx context.Context, withDrainer bool) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	if err := appConfig.ValidateAuth(); err != nil {
		return err
	}

	stack, err := buildStack(appConfig)
	if err != nil {
		return err
	}
	defer stack.Close()
	logger := stack.logger

	if err := syncNoticeTypes(ctx, stack, appConfig); err != nil {
		return err
	}

	validator, err := auth.NewTokenValidator(auth.TokenValidatorConfig{
		SigningSecret: []byte(appConfig.Auth.SigningSecret),
		Issuer:        appConfig.Auth.Issuer,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Tokens:      validator,
		Dispatcher:  stack.dispatcher,
		Catalog:     stack.catalog,
		Settings:    stack.settings,
		Mediums:     stack.mediums,
		Stats:       stack.stats,
		Users:       stack.users,
		Inbox:       stack.inbox,
		CORSOrigins: appConfig.CORSOrigins,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	drainDone := make(chan struct{})
	if withDrainer {
		go func() {
			defer close(drainDone)
			if err := stack.drainer.Run(signalCtx, appConfig.Drain.Interval); err != nil {
				logger.Error("queue drainer stopped", zap.Error(err))
			}
		}()
	} else {
		close(drainDone)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress), zap.Bool("drainer", withDrainer))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		<-drainDone
		return err
	case err := <-errCh:
		stop()
		<-drainDone
		return err
	}
}

func runDrain(ctx context.Context, follow bool) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	stack, err := buildStack(appConfig)
	if err != nil {
		return err
	}
	defer stack.Close()

	if follow {
		signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return stack.drainer.Run(signalCtx, appConfig.Drain.Interval)
	}

	summary, err := stack.drainer.DrainOnce(ctx)
	if err != nil {
		return err
	}
	stack.logger.Info("notice queue drained",
		zap.Int("batches", summary.Batches),
		zap.Int("notices", summary.Notices),
		zap.Int("sent", summary.Sent),
		zap.Int("retained", summary.Retained),
		zap.Int("failures", summary.Failures))
	return nil
}

func runSyncTypes(ctx context.Context, cmd *cobra.Command) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	stack, err := buildStack(appConfig)
	if err != nil {
		return err
	}
	defer stack.Close()
	if err := syncNoticeTypes(ctx, stack, appConfig); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d notice types in sync\n", len(appConfig.Notices.Types))
	return nil
}
