package db

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/chatdesk/chatdesk/internal/config"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies (up) or reverts (down) the embedded schema migrations.
// steps <= 0 means all the way.
func Migrate(log *slog.Logger, cfg config.PostgresConfig, direction string, steps int) (err error) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "migrate"))

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	dsn := "pgx5://" + strings.TrimPrefix(cfg.DSN(), "postgres://")
	m, err := migrate.NewWithSourceInstance("iofs", source, dsn)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	defer func() {
		srcErr, dbErr := m.Close()
		if err == nil {
			err = errors.Join(srcErr, dbErr)
		}
	}()

	version, dirty, verr := m.Version()
	switch {
	case errors.Is(verr, migrate.ErrNilVersion):
		log.Info("no migrations applied yet")
	case verr != nil:
		log.Warn("read migration version failed", slog.Any("error", verr))
	default:
		log.Info("current migration state", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))
	}
	if dirty {
		return fmt.Errorf("database is dirty at version %d; fix manually and force", version)
	}

	switch direction {
	case "up":
		if steps > 0 {
			err = m.Steps(steps)
		} else {
			err = m.Up()
		}
	case "down":
		if steps > 0 {
			err = m.Steps(-steps)
		} else {
			err = m.Down()
		}
	default:
		return fmt.Errorf("unknown migration direction %q", direction)
	}
	if errors.Is(err, migrate.ErrNoChange) {
		log.Info("no migration changes")
		return nil
	}
	if err != nil {
		return fmt.Errorf("migrate %s: %w", direction, err)
	}
	log.Info("migrations applied", slog.String("direction", direction))
	return nil
}
