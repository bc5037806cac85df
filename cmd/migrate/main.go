package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"

	"freedomtag/internal/config"
	"freedomtag/internal/db"
	"freedomtag/internal/logging"

	migrate "github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"
)

// migrator is the subset of *migrate.Migrate the commands drive.
type migrator interface {
	Up() error
	Steps(n int) error
	Force(version int) error
	Version() (uint, bool, error)
}

type openFunc func(source string) (migrator, func(), error)

func main() {
	logger := logging.NewLoggerWithService("freedomtag-migrate")
	if err := newRootCmd(openPostgres, logger).Execute(); err != nil {
		logger.WithError(err).Error("migration failed")
		os.Exit(1)
	}
}

func newRootCmd(open openFunc, logger logging.Logger) *cobra.Command {
	var source string
	root := &cobra.Command{
		Use:           "migrate",
		Short:         "Apply Freedom Tag schema migrations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	defaultSource := os.Getenv("MIGRATIONS_PATH")
	if defaultSource == "" {
		defaultSource = "file://migrations"
	}
	root.PersistentFlags().StringVar(&source, "source", defaultSource, "migration source URL")

	withMigrator := func(fn func(m migrator, args []string) error) func(*cobra.Command, []string) error {
		return func(_ *cobra.Command, args []string) error {
			m, closeFn, err := open(source)
			if err != nil {
				return err
			}
			defer closeFn()
			return fn(m, args)
		}
	}
	applied := func(name string, err error) error {
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("no migrations to apply")
			return nil
		}
		if err != nil {
			return err
		}
		logger.WithField("command", name).Info("migrations applied")
		return nil
	}

	root.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: withMigrator(func(m migrator, _ []string) error {
			return applied("up", m.Up())
		}),
	})
	root.AddCommand(&cobra.Command{
		Use:   "down [steps]",
		Short: "Roll back migrations, one step by default",
		Args:  cobra.MaximumNArgs(1),
		RunE: withMigrator(func(m migrator, args []string) error {
			steps := 1
			if len(args) == 1 {
				n, err := strconv.Atoi(args[0])
				if err != nil || n <= 0 {
					return fmt.Errorf("steps must be a positive integer, got %q", args[0])
				}
				steps = n
			}
			return applied("down", m.Steps(-steps))
		}),
	})
	root.AddCommand(&cobra.Command{
		Use:   "force <version>",
		Short: "Set the schema version without running migrations",
		Args:  cobra.ExactArgs(1),
		RunE: withMigrator(func(m migrator, args []string) error {
			version, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("version must be an integer, got %q", args[0])
			}
			return applied("force", m.Force(version))
		}),
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the applied schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(func(m migrator, _ []string) error {
				version, dirty, err := m.Version()
				if errors.Is(err, migrate.ErrNilVersion) {
					fmt.Fprintln(cmd.OutOrStdout(), "no migrations applied")
					return nil
				}
				if err != nil {
					return fmt.Errorf("read version: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "version %d (dirty: %t)\n", version, dirty)
				return nil
			})(cmd, args)
		},
	})
	return root
}

func openPostgres(source string) (migrator, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	database, err := db.Connect(context.Background(), cfg.DatabaseURL, db.Pool{MaxOpen: 2, MaxIdle: 1})
	if err != nil {
		return nil, nil, err
	}
	driver, err := postgres.WithInstance(database.DB, &postgres.Config{})
	if err != nil {
		_ = database.Close()
		return nil, nil, fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithDatabaseInstance(source, "postgres", driver)
	if err != nil {
		_ = database.Close()
		return nil, nil, fmt.Errorf("load migrations: %w", err)
	}
	return m, func() { _, _ = m.Close() }, nil
}
