// Package config provides functionality for managing configuration options
// for the application using a JSON file, environment variables and
// command-line flags.
//
// Precedence, lowest first: defaults, the JSON file, the environment, flags
// that were set explicitly. The JSON file is an object keyed by the same
// names as the environment variables.
package config

import (
	"encoding/json"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/pflag"
)

// Options holds the configuration values for the application.
type Options struct {
	// Port defines the server's listening address (ip:port).
	Port string `env:"SERVER_ADDRESS"`

	// Config is the path to the Config file.
	Config string `env:"CONFIG"`

	GitRepoURL     string        `env:"GIT_REPO_URL"`
	GitAccessToken string        `env:"GIT_ACCESS_TOKEN"`
	GitUsername    string        `env:"GIT_USERNAME"`
	GitBranch      string        `env:"GIT_BRANCH"`
	GitAuthorName  string        `env:"GIT_AUTHOR_NAME"`
	GitAuthorEmail string        `env:"GIT_AUTHOR_EMAIL"`
	SyncInterval   time.Duration `env:"SYNC_INTERVAL"`
	SyncMaxBackoff time.Duration `env:"SYNC_MAX_BACKOFF"`
	GitTimeout     time.Duration `env:"GIT_TIMEOUT"`

	StoreDir    string        `env:"PASSWORD_STORE_DIR"`
	GPGKeyID    string        `env:"GPG_KEY_ID"`
	PassBinary  string        `env:"PASS_BINARY"`
	PassTimeout time.Duration `env:"PASS_TIMEOUT"`

	MasterPasswordPath string        `env:"MASTER_PASSWORD_PATH"`
	TOTPPath           string        `env:"TOTP_PATH"`
	SessionTTL         time.Duration `env:"SESSION_TTL"`
	CookieSecure       bool          `env:"COOKIE_SECURE"`

	// DatabaseDSN holds the database connection string for the passkey vault.
	DatabaseDSN           string        `env:"DATABASE_URL"`
	DatabaseEncryptionKey string        `env:"DATABASE_ENCRYPTION_KEY"`
	DBTimeout             time.Duration `env:"DB_TIMEOUT"`

	RPID          string        `env:"WEBAUTHN_RP_ID"`
	RPOrigins     []string      `env:"WEBAUTHN_RP_ORIGINS" envSeparator:","`
	RPDisplayName string        `env:"WEBAUTHN_RP_DISPLAY_NAME"`
	CeremonyTTL   time.Duration `env:"CEREMONY_TTL"`

	MaxConcurrentRequests int    `env:"MAX_CONCURRENT_REQUESTS"`
	TLSCertFile           string `env:"TLS_CERT_FILE"`
	TLSKeyFile            string `env:"TLS_KEY_FILE"`
	LogLevel              string `env:"LOG_LEVEL"`
}

// Default returns the built-in configuration.
func Default() *Options {
	return &Options{
		Port:                  ":8080",
		Config:                "config.json",
		GitUsername:           "git",
		GitAuthorName:         "GophPass",
		GitAuthorEmail:        "gophpass@localhost",
		SyncInterval:          5 * time.Minute,
		SyncMaxBackoff:        time.Hour,
		GitTimeout:            60 * time.Second,
		StoreDir:              "/data/password-store",
		PassBinary:            "pass",
		PassTimeout:           10 * time.Second,
		MasterPasswordPath:    "gophpass/master-password",
		TOTPPath:              "gophpass/totp",
		SessionTTL:            24 * time.Hour,
		CookieSecure:          true,
		DatabaseDSN:           "sqlite:///data/passkeys.db",
		DBTimeout:             5 * time.Second,
		RPID:                  "localhost",
		RPOrigins:             []string{"https://localhost:8080"},
		RPDisplayName:         "GophPass",
		CeremonyTTL:           5 * time.Minute,
		MaxConcurrentRequests: 64,
		LogLevel:              "info",
	}
}

// flagValues receives the command-line flags before they are merged.
type flagValues struct {
	port        string
	config      string
	repo        string
	storeDir    string
	databaseDSN string
	logLevel    string
}

// Parse builds the configuration from args (without the program name), the
// process environment and the JSON config file, then validates it.
func Parse(args []string) (*Options, error) {
	return parse(args, os.Environ())
}

func parse(args, environ []string) (*Options, error) {
	var fv flagValues
	fs := pflag.NewFlagSet("gophpass", pflag.ContinueOnError)
	fs.StringVarP(&fv.port, "address", "a", "", "run on ip:port server")
	fs.StringVarP(&fv.config, "config", "c", "", "path to config file")
	fs.StringVarP(&fv.repo, "repo", "r", "", "git remote of the password store")
	fs.StringVarP(&fv.storeDir, "store", "s", "", "password store directory")
	fs.StringVarP(&fv.databaseDSN, "database", "d", "", "passkey database url")
	fs.StringVar(&fv.logLevel, "log-level", "", "log level")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	envMap := env.ToMap(environ)
	opts := Default()

	path := opts.Config
	explicit := false
	if v, ok := envMap["CONFIG"]; ok && v != "" {
		path, explicit = v, true
	}
	if fs.Changed("config") {
		path, explicit = fv.config, true
	}
	if err := loadFile(opts, path, explicit); err != nil {
		return nil, err
	}

	if err := env.ParseWithOptions(opts, env.Options{Environment: envMap}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if fs.Changed("address") {
		opts.Port = fv.port
	}
	if fs.Changed("repo") {
		opts.GitRepoURL = fv.repo
	}
	if fs.Changed("store") {
		opts.StoreDir = fv.storeDir
	}
	if fs.Changed("database") {
		opts.DatabaseDSN = fv.databaseDSN
	}
	if fs.Changed("log-level") {
		opts.LogLevel = fv.logLevel
	}
	opts.Config = path

	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return opts, nil
}

// loadFile applies the JSON file at path. A missing file is only an error
// when the path was given explicitly.
func loadFile(opts *Options, path string, explicit bool) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) && !explicit {
		return nil
	}
	if err != nil {
		return fmt.Errorf("error while reading config file: %w", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("error while parsing config file: %w", err)
	}
	values := make(map[string]string, len(raw))
	for k, v := range raw {
		switch v := v.(type) {
		case string:
			values[k] = v
		case []any:
			parts := make([]string, 0, len(v))
			for _, p := range v {
				parts = append(parts, fmt.Sprint(p))
			}
			values[k] = strings.Join(parts, ",")
		default:
			values[k] = fmt.Sprint(v)
		}
	}
	if err := env.ParseWithOptions(opts, env.Options{Environment: values}); err != nil {
		return fmt.Errorf("error while parsing config file: %w", err)
	}
	return nil
}

// Validate reports the first invalid setting.
func (o *Options) Validate() error {
	if o.GitRepoURL == "" {
		return errors.New("GIT_REPO_URL is required")
	}
	if !validRemote(o.GitRepoURL) {
		return fmt.Errorf("GIT_REPO_URL %q: want http(s)://, ssh://, git@, file:// or an absolute path", o.GitRepoURL)
	}
	if !filepath.IsAbs(o.StoreDir) {
		return fmt.Errorf("PASSWORD_STORE_DIR %q must be absolute", o.StoreDir)
	}
	if info, err := os.Stat(o.StoreDir); err != nil || !info.IsDir() {
		return fmt.Errorf("PASSWORD_STORE_DIR %q must be an existing directory", o.StoreDir)
	}
	if key, err := hex.DecodeString(o.DatabaseEncryptionKey); err != nil || len(key) != 32 {
		return errors.New("DATABASE_ENCRYPTION_KEY must be 64 hex characters")
	}
	if o.DatabaseDSN == "" {
		return errors.New("DATABASE_URL is required")
	}
	if (o.TLSCertFile == "") != (o.TLSKeyFile == "") {
		return errors.New("TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}
	if o.MaxConcurrentRequests <= 0 {
		return errors.New("MAX_CONCURRENT_REQUESTS must be positive")
	}
	if len(o.RPOrigins) == 0 || o.RPID == "" {
		return errors.New("WEBAUTHN_RP_ID and WEBAUTHN_RP_ORIGINS are required")
	}
	for name, d := range map[string]time.Duration{
		"SYNC_INTERVAL":    o.SyncInterval,
		"SYNC_MAX_BACKOFF": o.SyncMaxBackoff,
		"GIT_TIMEOUT":      o.GitTimeout,
		"PASS_TIMEOUT":     o.PassTimeout,
		"SESSION_TTL":      o.SessionTTL,
		"DB_TIMEOUT":       o.DBTimeout,
		"CEREMONY_TTL":     o.CeremonyTTL,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

func validRemote(u string) bool {
	for _, prefix := range []string{"https://", "http://", "ssh://", "git@", "file://"} {
		if strings.HasPrefix(u, prefix) {
			return true
		}
	}
	return filepath.IsAbs(u)
}
