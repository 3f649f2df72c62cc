package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/juju/errors"
	"github.com/spf13/cobra"

	"github.com/ageniuscoder/palchat/backend/internal/config"
	"github.com/ageniuscoder/palchat/backend/internal/logger"
	"github.com/ageniuscoder/palchat/backend/internal/secure"
	"github.com/ageniuscoder/palchat/backend/internal/storage/postgres"
	"github.com/ageniuscoder/palchat/backend/internal/storage/sqlite"
	"github.com/ageniuscoder/palchat/backend/internal/store"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "palchat",
		Short:         "Realtime chat backend",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), migrateCmd(), tokenCmd(), userCmd())
	return root
}

// loadConfig reads .env when present, then the layered config.
func loadConfig() (config.Config, *slog.Logger, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return config.Config{}, nil, errors.Annotate(err, "loading .env")
	}
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, logger.New(cfg.LogLevel, cfg.LogFormat, os.Stderr), nil
}

type database interface {
	Ping(ctx context.Context) error
	Migrate() error
	Close() error
}

type backend struct {
	db    database
	sqlDB *sql.DB
	store *store.Store
}

func openBackend(cfg config.Config) (*backend, error) {
	b := &backend{}
	var dialect store.Dialect
	switch cfg.DBDriver {
	case "postgres":
		pg, err := postgres.New(cfg.PostgresDsn)
		if err != nil {
			return nil, errors.Annotate(err, "connecting to postgres")
		}
		b.db, b.sqlDB, dialect = pg, pg.Db, store.Postgres
	default:
		lite, err := sqlite.New(cfg.SQLITEDsn)
		if err != nil {
			return nil, errors.Annotate(err, "opening sqlite")
		}
		b.db, b.sqlDB, dialect = lite, lite.Db, store.SQLite
	}
	if err := b.db.Migrate(); err != nil {
		b.db.Close()
		return nil, errors.Annotate(err, "migrating")
	}

	keys, err := secure.NewKeyring(cfg.MasterKey)
	if err != nil {
		b.db.Close()
		return nil, errors.Annotate(err, "building keyring")
	}
	b.store = store.New(b.sqlDB, dialect, keys, nil)
	return b, nil
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			b, err := openBackend(cfg)
			if err != nil {
				return err
			}
			defer b.db.Close()
			log.Info("migration completed", "driver", cfg.DBDriver)
			return nil
		},
	}
}
