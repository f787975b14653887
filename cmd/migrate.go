package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/chatrelay/internal/config"
)

var migrationsDir string

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database schema migrations (Postgres only)",
		Long: "Applies SQL migrations to the Postgres database configured via\n" +
			"CHATRELAY_POSTGRES_DSN. SQLite and in-memory stores migrate themselves\n" +
			"on startup and do not need this command.",
	}
	cmd.PersistentFlags().StringVar(&migrationsDir, "dir", "", "migrations directory (default: $CHATRELAY_MIGRATIONS_DIR or ./migrations next to the binary)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrator(func(m *migrate.Migrate) error {
					if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
						return err
					}
					return reportVersion(m)
				})
			},
		},
		&cobra.Command{
			Use:   "down [n]",
			Short: "Roll back n migrations (default 1)",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				n := 1
				if len(args) == 1 {
					v, err := strconv.Atoi(args[0])
					if err != nil || v < 1 {
						return fmt.Errorf("invalid step count %q", args[0])
					}
					n = v
				}
				return withMigrator(func(m *migrate.Migrate) error {
					if err := m.Steps(-n); err != nil && !errors.Is(err, migrate.ErrNoChange) {
						return err
					}
					return reportVersion(m)
				})
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withMigrator(reportVersion)
			},
		},
		&cobra.Command{
			Use:   "force <version>",
			Short: "Force the schema version without running migrations (recovery)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				v, err := strconv.Atoi(args[0])
				if err != nil {
					return fmt.Errorf("invalid version %q", args[0])
				}
				return withMigrator(func(m *migrate.Migrate) error {
					if err := m.Force(v); err != nil {
						return err
					}
					return reportVersion(m)
				})
			},
		},
	)
	return cmd
}

func withMigrator(fn func(*migrate.Migrate) error) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return err
	}
	dsn := cfg.Database.PostgresDSN
	if dsn == "" {
		return errors.New("CHATRELAY_POSTGRES_DSN is not set; migrations only apply to Postgres")
	}

	dir, err := resolveMigrationsDir()
	if err != nil {
		return err
	}

	m, err := migrate.New("file://"+dir, dsn)
	if err != nil {
		return fmt.Errorf("open migrator: %w", err)
	}
	defer m.Close()
	return fn(m)
}

func resolveMigrationsDir() (string, error) {
	if migrationsDir != "" {
		return migrationsDir, nil
	}
	if v := os.Getenv("CHATRELAY_MIGRATIONS_DIR"); v != "" {
		return v, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(filepath.Dir(exe), "migrations")
	if _, err := os.Stat(dir); err != nil {
		// Development fallback: migrations in the working directory.
		if _, werr := os.Stat("migrations"); werr == nil {
			return "migrations", nil
		}
		return "", fmt.Errorf("migrations directory not found (tried %s and ./migrations)", dir)
	}
	return dir, nil
}

func reportVersion(m *migrate.Migrate) error {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		fmt.Println("schema version: none")
		return nil
	}
	if err != nil {
		return err
	}
	if dirty {
		fmt.Printf("schema version: %d (dirty; fix manually, then run `migrate force`)\n", v)
		return nil
	}
	fmt.Printf("schema version: %d\n", v)
	return nil
}
