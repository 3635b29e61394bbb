package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/MrEthical07/authchain"
	"github.com/MrEthical07/authchain/credential"
	"github.com/MrEthical07/authchain/jwt"
	"github.com/MrEthical07/authchain/mfastore"
	"github.com/MrEthical07/authchain/password"
	"github.com/MrEthical07/authchain/session"
	"github.com/MrEthical07/authchain/strategy"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

var (
	flagConfig  string
	flagDataDir string
	flagJSON    bool
	flagMetrics bool

	env *demoEnv
)

var rootCmd = &cobra.Command{
	Use:   "authchain-demo",
	Short: "Log in, enroll second factors and manage trusted devices",
	Long: `authchain-demo runs the authchain provider against the built-in demo
accounts. State lives in the data directory, so each command picks up the
session left by the previous one.

Get started:
  authchain-demo accounts                     List demo accounts
  authchain-demo login demo@innospot.com      Log in (prompts for the password)
  authchain-demo mfa enroll --type totp       Add an authenticator app
  authchain-demo trust list                   Show trusted devices`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPostRun: func(*cobra.Command, []string) {
		if env != nil {
			env.Close()
			env = nil
		}
	},
}

func init() {
	// Assigned here rather than in the literal: openEnv reads rootCmd's
	// flags, which would otherwise form an initialization cycle.
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Annotations["offline"] == "true" {
			return nil
		}
		var err error
		env, err = openEnv(cmd.Context())
		return err
	}
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "TOML config file (default: built-in settings)")
	rootCmd.PersistentFlags().StringVar(&flagDataDir, "data-dir", defaultDataDir(), "Directory holding sessions, trust tokens and the MFA database")
	rootCmd.PersistentFlags().BoolVar(&flagJSON, "json", false, "Output as JSON")
}

func execute() error {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

func defaultDataDir() string {
	if dir := os.Getenv("AUTHCHAIN_DATA_DIR"); dir != "" {
		return dir
	}
	return ".authchain"
}

// demoEnv is everything one command invocation needs.
type demoEnv struct {
	cfg      authchain.Config
	provider *authchain.Provider
	mfa      *mfastore.GormStore
	db       *gorm.DB
	demo     *credential.DemoStore
	issuer   *jwt.Manager
	audit    io.Closer
}

func loadConfig() (authchain.Config, error) {
	if flagConfig == "" {
		return authchain.DefaultConfig(), nil
	}
	return authchain.LoadConfigFile(flagConfig)
}

func openEnv(ctx context.Context) (*demoEnv, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	dir := flagDataDir
	if cfg.Session.Dir != "" && !rootCmd.PersistentFlags().Changed("data-dir") {
		dir = cfg.Session.Dir
	}

	sessions, err := session.NewFileStore(filepath.Join(dir, "sessions"))
	if err != nil {
		return nil, err
	}
	devices, err := session.NewFileStore(filepath.Join(dir, "device"))
	if err != nil {
		return nil, err
	}
	codes, err := session.NewFileStore(filepath.Join(dir, "codes"))
	if err != nil {
		return nil, err
	}

	hasher, err := password.NewArgon2(password.Config{
		Memory:      19 * 1024,
		Time:        2,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	})
	if err != nil {
		return nil, err
	}
	demo, err := credential.NewDemoStore(hasher)
	if err != nil {
		return nil, err
	}

	if secret := os.Getenv("AUTHCHAIN_JWT_SECRET"); secret != "" && cfg.JWT.Secret == "" {
		cfg.JWT.Secret = secret
	}
	if flagMetrics {
		cfg.Metrics.Enabled = true
	}
	opts := []strategy.Option{strategy.WithConfig(cfg)}
	var issuer *jwt.Manager
	if cfg.JWT.Secret != "" || len(cfg.JWT.PrivateKey) > 0 {
		if issuer, err = authchain.NewTokenIssuer(cfg); err != nil {
			return nil, fmt.Errorf("token issuer: %w", err)
		}
		opts = append(opts, strategy.WithTokenIssuer(issuer))
	}
	local, err := strategy.NewLocalDemo(demo, sessions, opts...)
	if err != nil {
		return nil, err
	}

	store, db, err := mfastore.OpenSQLite(filepath.Join(dir, "mfa.db"))
	if err != nil {
		return nil, err
	}

	e := &demoEnv{cfg: cfg, mfa: store, db: db, demo: demo, issuer: issuer}

	b := authchain.New().
		WithConfig(cfg).
		WithStrategies(local).
		WithMFAStore(store).
		WithCodeSender(authchain.LogCodeSender{Logger: log.New(os.Stderr, "", 0)}).
		WithOTPStore(codes).
		WithDeviceStore(devices)
	if cfg.Audit.Enabled {
		f, err := os.OpenFile(filepath.Join(dir, "audit.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			e.Close()
			return nil, err
		}
		e.audit = f
		b = b.WithAuditSink(authchain.NewJSONWriterSink(f))
	}

	p, err := b.Build()
	if err != nil {
		e.Close()
		return nil, err
	}
	e.provider = p
	if err := p.Initialize(ctx); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

func (e *demoEnv) Close() {
	if e.provider != nil {
		e.provider.Close()
	}
	if e.audit != nil {
		_ = e.audit.Close()
	}
	if e.db != nil {
		if sqlDB, err := e.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

var errNotLoggedIn = errors.New("not logged in, run \"authchain-demo login\" first")

func (e *demoEnv) requireUser() (*authchain.User, error) {
	u := e.provider.CurrentUser()
	if u == nil {
		return nil, errNotLoggedIn
	}
	return u, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
