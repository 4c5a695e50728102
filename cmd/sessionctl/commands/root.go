// Package commands implements sessionctl, the local identity and prekey tool
// of a client device.
package commands

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"e2ee-session/internal/config"
	"e2ee-session/internal/cryptocore"
	"e2ee-session/internal/directory"
	"e2ee-session/internal/keystore"
	"e2ee-session/internal/observability/logging"
	"e2ee-session/internal/serializer"
	"e2ee-session/internal/session"
	"e2ee-session/internal/store"
	"e2ee-session/internal/store/badgerstore"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	account     string
	password    string
	databaseURL string
	token       string

	app *App
)

// App holds everything a command needs.
type App struct {
	Config     config.Config
	Manager    *session.Manager
	Identities *keystore.IdentityStore
	Prekeys    *store.LocalPrekeyStore
	Directory  *directory.Client
	Badger     *badgerstore.Store

	closers []func() error
}

func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}

// Unlock opens the stored identity with the --password flag.
func (a *App) Unlock() (*cryptocore.IdentityKeyPair, error) {
	if password == "" {
		return nil, fmt.Errorf("password required (-p)")
	}
	bundle, err := a.Identities.Bundle()
	if err != nil {
		return nil, err
	}
	return a.Manager.DecryptKeys(password, bundle)
}

func Execute() error {
	if err := NewRootCmd().Execute(); err != nil {
		_ = closeApp()
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return err
	}
	return nil
}

// closeApp releases the stores of the last command. Post-run hooks are
// skipped when a command fails, so Execute calls it too.
func closeApp() error {
	if app == nil {
		return nil
	}
	err := app.Close()
	app = nil
	return err
}

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sessionctl",
		Short:         "Manage the identity and prekeys of this device",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			var err error
			app, err = newApp(config.Load())
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return closeApp()
		},
	}

	root.PersistentFlags().StringVarP(&account, "account", "a", "default", "local account name")
	root.PersistentFlags().StringVarP(&password, "password", "p", os.Getenv("SESSIONCTL_PASSWORD"), "password protecting the identity keys")
	root.PersistentFlags().StringVar(&databaseURL, "db", "", "local database (default DATABASE_URL)")
	root.PersistentFlags().StringVar(&token, "token", os.Getenv("SESSIONCTL_TOKEN"), "directory access token")

	root.AddCommand(
		initCmd(),
		showCmd(),
		passwdCmd(),
		recoverCmd(),
		rotateRecoveryCmd(),
		safetyNumberCmd(),
		registerCmd(),
		bundleCmd(),
		replenishCmd(),
		rotateSignedPrekeyCmd(),
		conversationsCmd(),
	)

	return root
}

func newApp(cfg config.Config) (*App, error) {
	logger := logging.NewLogger(logging.Config{
		ServiceName: "sessionctl",
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
		Output:      os.Stderr,
	})
	slog.SetDefault(logger)

	a := &App{Config: cfg, Directory: directory.NewClient(cfg.DirectoryURL).WithToken(token)}

	dsn := databaseURL
	if dsn == "" {
		dsn = cfg.DatabaseURL
	}
	db, err := store.Open(store.Config{DSN: dsn, LogSQL: cfg.LogLevel == "debug"})
	if err != nil {
		return nil, fmt.Errorf("open local database: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		a.closers = append(a.closers, sqlDB.Close)
	}
	if err := store.MigrateLocal(db); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("migrate local database: %w", err)
	}
	st := store.New(db)
	a.Prekeys = st.LocalPrekeys()

	var states serializer.StateStore
	switch cfg.StateBackend {
	case "memory":
		states = serializer.NewMemoryStore()
	case "badger":
		b, err := badgerstore.Open(badgerstore.Options{Path: cfg.BadgerPath})
		if err != nil {
			_ = a.Close()
			return nil, fmt.Errorf("open badger: %w", err)
		}
		a.closers = append(a.closers, b.Close)
		a.Badger = b
		states = b
	default:
		states = st.States()
	}

	gw, err := cryptocore.NewGateway(cryptocore.GatewayConfig{KEM: cfg.KEMScheme, DSA: cfg.DSAScheme})
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	argon := cfg.Argon2
	a.Manager, err = session.New(session.Config{
		Gateway:         gw,
		States:          states,
		Prekeys:         a.Prekeys,
		Logger:          logger,
		MaxSkip:         cfg.MaxSkippedKeys,
		SenderKeyWindow: cfg.SenderKeyWindow,
		Argon2:          &argon,
	})
	if err != nil {
		_ = a.Close()
		return nil, err
	}

	a.Identities, err = keystore.Open(keystore.Config{
		ServiceName:  cfg.KeyringService,
		Backend:      cfg.KeyringBackend,
		FileDir:      cfg.KeyringDir,
		FilePassword: cfg.KeyringPassword,
	}, account)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}
