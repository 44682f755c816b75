package admin

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/doomscroll/backend/api/config"
	"github.com/doomscroll/backend/indexer/pkg/store"
)

// PgMigrateUp runs all pending PostgreSQL migrations
func PgMigrateUp(ctx context.Context, log *slog.Logger, cfg config.PgConfig) error {
	log.Info("running PostgreSQL migrations (up)", "host", cfg.Host, "database", cfg.Database)
	return store.Migrate(ctx, log, cfg.ConnString())
}

// PgMigrateDown rolls back the last PostgreSQL migration
func PgMigrateDown(ctx context.Context, log *slog.Logger, cfg config.PgConfig) error {
	log.Info("rolling back PostgreSQL migration (down)", "host", cfg.Host, "database", cfg.Database)
	return store.MigrateDown(ctx, log, cfg.ConnString())
}

// PgMigrateStatus prints the state of every migration.
func PgMigrateStatus(ctx context.Context, cfg config.PgConfig, out io.Writer) error {
	statuses, err := store.MigrateStatus(ctx, cfg.ConnString())
	if err != nil {
		return err
	}
	writeMigrationStatus(out, statuses)
	return nil
}

func writeMigrationStatus(out io.Writer, statuses []store.MigrationStatus) {
	fmt.Fprintln(out, "    Applied   Migration")
	fmt.Fprintln(out, "    =====================================")
	for _, s := range statuses {
		state := "Pending"
		if s.Applied {
			state = "Applied"
		}
		fmt.Fprintf(out, "    %-9s %s\n", state, s.Path)
	}
}
