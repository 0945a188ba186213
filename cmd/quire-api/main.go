package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/quire/internal/access"
	"github.com/MarcoPoloResearchLab/quire/internal/auth"
	"github.com/MarcoPoloResearchLab/quire/internal/config"
	"github.com/MarcoPoloResearchLab/quire/internal/database"
	"github.com/MarcoPoloResearchLab/quire/internal/logging"
	"github.com/MarcoPoloResearchLab/quire/internal/mentions"
	"github.com/MarcoPoloResearchLab/quire/internal/notes"
	"github.com/MarcoPoloResearchLab/quire/internal/presence"
	"github.com/MarcoPoloResearchLab/quire/internal/rooms"
	"github.com/MarcoPoloResearchLab/quire/internal/server"
	"github.com/MarcoPoloResearchLab/quire/internal/users"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "quire-api",
		Short: "Quire collaborative notes backend",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newIssueTokenCommand())

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
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().StringSlice("allowed-origins", nil, "Browser origins allowed for CORS and WebSocket upgrades")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "ws.allowed_origins", "allowed-origins")
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
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func newIssueTokenCommand() *cobra.Command {
	var identity auth.SessionIdentity
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Mint a session token for local clients and smoke tests",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.SigningSecret),
				Issuer:        appConfig.Issuer,
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(identity)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires at %s\n", expiresAt.UTC().Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&identity.UserID, "user-id", "", "User id carried by the token")
	cmd.Flags().StringVar(&identity.Email, "email", "", "User email")
	cmd.Flags().StringVar(&identity.UserName, "username", "", "Username used for @mentions")
	cmd.Flags().StringVar(&identity.DisplayName, "display-name", "", "Display name shown to collaborators")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (issuer default when zero)")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		CookieName:    appConfig.CookieName,
	})
	if err != nil {
		return err
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: time.Now})
	if err != nil {
		return err
	}

	notifications := server.NewNotificationDispatcher()
	mentionScanner, err := mentions.NewScanner(mentions.ScannerConfig{
		Database: db,
		Users:    userService,
		Notifier: notifications,
		Clock:    time.Now,
		Logger:   logger.Named("mentions"),
	})
	if err != nil {
		return err
	}

	notesService, err := notes.NewService(notes.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger.Named("notes"),
		Mentions: mentionScanner,
	})
	if err != nil {
		return err
	}

	accessGate, err := access.NewGate(access.GateConfig{Database: db, Logger: logger.Named("access")})
	if err != nil {
		return err
	}

	registry, err := rooms.NewRegistry(rooms.Config{
		Seeder:     notesService,
		Reconciler: notesService,
		Clock:      time.Now,
		Logger:     logger.Named("rooms"),
		IdleTTL:    appConfig.RoomIdleTTL,
	})
	if err != nil {
		return err
	}

	tracker, err := presence.NewTracker(presence.TrackerConfig{
		Database:     db,
		Profiles:     userService,
		Clock:        time.Now,
		Logger:       logger.Named("presence"),
		DefaultColor: appConfig.PresenceDefaultColor,
	})
	if err != nil {
		return err
	}
	presenceHub := server.NewPresenceHub(tracker, logger.Named("presence"))

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:       sessionValidator,
		Users:          userService,
		NotesService:   notesService,
		Access:         accessGate,
		Rooms:          registry,
		Presence:       tracker,
		PresenceHub:    presenceHub,
		Notifications:  notifications,
		IDs:            server.NewUUIDProvider(),
		Logger:         logger,
		AllowedOrigins: appConfig.AllowedOrigins,
		WebSocket: server.WebSocketConfig{
			SendQueue:         appConfig.WSSendQueue,
			WriteTimeout:      appConfig.WSWriteTimeout,
			HeartbeatInterval: appConfig.WSHeartbeatInterval,
			TouchPresence:     appConfig.PresenceStaleAfter > 0,
		},
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
		// Hijacked WebSocket handlers end with the process context.
		BaseContext: func(net.Listener) context.Context { return signalCtx },
	}

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return registry.Run(groupCtx, appConfig.RoomSweepInterval)
	})
	group.Go(func() error {
		return presenceHub.Run(groupCtx, appConfig.PresenceStaleAfter/2, appConfig.PresenceStaleAfter)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := registry.Close(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("room flush: %w", err))
		}
		logger.Info("server stopped")
		return errors.Join(errs...)
	})

	return group.Wait()
}
