// Package main initializes and starts the GophPass HTTPS server, setting up
// configuration, logging, the password store, the git sync engine, the
// passkey vault, services, handlers and TLS.
package main

import (
	"cmp"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	nethttp "net/http"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/atinyakov/GophPass/internal/config"
	"github.com/atinyakov/GophPass/internal/db"
	"github.com/atinyakov/GophPass/internal/gitsync"
	"github.com/atinyakov/GophPass/internal/logger"
	"github.com/atinyakov/GophPass/internal/pass"
	"github.com/atinyakov/GophPass/internal/passkey"
	"github.com/atinyakov/GophPass/internal/repository"
	"github.com/atinyakov/GophPass/internal/server/handler/http"
	"github.com/atinyakov/GophPass/internal/service"
	"github.com/atinyakov/GophPass/internal/session"
)

var (
	// version holds the build version set via ldflags.
	version string
	// buildDate holds the build timestamp set via ldflags.
	buildDate string
)

const shutdownTimeout = 10 * time.Second

func main() {
	// Parse the config file, environment and command-line flags.
	options, err := config.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		os.Exit(2)
	}

	// Print build metadata (or "N/A" if unset).
	fmt.Printf("Build version: %s\n", cmp.Or(version, "N/A"))
	fmt.Printf("Build date: %s\n", cmp.Or(buildDate, "N/A"))

	// Initialize structured logging.
	log := logger.New()
	defer func() { _ = log.Log.Sync() }()
	if err := log.Init(options.LogLevel); err != nil {
		fmt.Fprintln(os.Stderr, "failed to init logger:", err)
		os.Exit(2)
	}
	zapLogger := log.Log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, options, zapLogger); err != nil {
		zapLogger.Fatal("server stopped", zap.Error(err))
	}
}

// run serves until ctx is cancelled and then shuts everything down.
func run(ctx context.Context, options *config.Options, zapLogger *zap.Logger) (err error) {
	// Password store backed by the pass binary.
	store := pass.NewStore(&pass.ExecRunner{
		Binary:   options.PassBinary,
		StoreDir: options.StoreDir,
		KeyID:    options.GPGKeyID,
	}, options.StoreDir, options.PassTimeout, zapLogger.Named("pass"))

	// Git sync engine for the store's working copy.
	git := gitsync.NewCLIGit(options.StoreDir,
		gitsync.Credentials{Username: options.GitUsername, Token: options.GitAccessToken},
		gitsync.Author{Name: options.GitAuthorName, Email: options.GitAuthorEmail},
	)
	engine := gitsync.New(git, options.StoreDir, gitsync.Config{
		RepoURL:        options.GitRepoURL,
		Branch:         options.GitBranch,
		Interval:       options.SyncInterval,
		MaxBackoff:     options.SyncMaxBackoff,
		CommandTimeout: options.GitTimeout,
	}, zapLogger.Named("sync"))
	go engine.Run(ctx)

	// In-memory sessions with a periodic sweep of expired ones.
	sessions := session.NewStore()
	sessions.StartJanitor(ctx, time.Minute, zapLogger.Named("session"))
	defer sessions.Clear()

	// Passkey vault database.
	conn, dialect, err := db.Open(ctx, options.DatabaseDSN)
	if err != nil {
		return fmt.Errorf("cannot init database: %w", err)
	}
	defer func() { err = multierr.Append(err, conn.Close()) }()
	db.StartCeremonyCleaner(ctx, conn, dialect, options.CeremonyTTL, zapLogger.Named("db"))

	vault, err := passkey.Open(ctx, repository.NewPasskeyRepository(conn, dialect), options.DatabaseEncryptionKey, passkey.Config{
		RPID:          options.RPID,
		RPDisplayName: options.RPDisplayName,
		RPOrigins:     options.RPOrigins,
		CeremonyTTL:   options.CeremonyTTL,
		Timeout:       options.DBTimeout,
	}, zapLogger.Named("passkey"))
	if err != nil {
		return fmt.Errorf("cannot open passkey vault: %w", err)
	}

	// Business-logic services.
	authService := service.NewAuthService(store, sessions, service.AuthConfig{
		MasterPasswordPath: options.MasterPasswordPath,
		TOTPPath:           options.TOTPPath,
		SessionTTL:         options.SessionTTL,
	}, zapLogger.Named("auth"))
	passwordService := service.NewPasswordService(store, engine, zapLogger.Named("passwords"))
	otpService := service.NewOTPService(passwordService, zapLogger.Named("otp"))

	// Build the router with middleware and routes.
	router := http.NewRouter(http.Handlers{
		Auth:      &http.AuthHandler{AuthService: authService, CookieSecure: options.CookieSecure, Logger: zapLogger},
		Passwords: &http.PasswordHandler{PasswordService: passwordService},
		OTP:       &http.OTPHandler{OTPService: otpService},
		Sync:      &http.SyncHandler{SyncService: engine},
		Passkeys:  &http.PasskeyHandler{Vault: vault},
	}, sessions, options.MaxConcurrentRequests, zapLogger)

	server := &nethttp.Server{
		Addr:              options.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig:         &tls.Config{MinVersion: tls.VersionTLS12},
	}

	serveErr := make(chan error, 1)
	go func() {
		if options.TLSCertFile != "" {
			zapLogger.Info("starting HTTPS server", zap.String("addr", options.Port))
			serveErr <- server.ListenAndServeTLS(options.TLSCertFile, options.TLSKeyFile)
			return
		}
		zapLogger.Warn("TLS is not configured, serving plain HTTP", zap.String("addr", options.Port))
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, nethttp.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	zapLogger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
