package storage

import (
	"context"
	"embed"
	"io/fs"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/lock"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool, log *zap.Logger) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return errors.Wrap(err, "migrate: open migrations")
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	// API and worker replicas may start together; the session lock
	// serialises their migration runs.
	locker, err := lock.NewPostgresSessionLocker()
	if err != nil {
		return errors.Wrap(err, "migrate: session locker")
	}
	provider, err := goose.NewProvider(goose.DialectPostgres, db, fsys, goose.WithSessionLocker(locker))
	if err != nil {
		return errors.Wrap(err, "migrate: init provider")
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return errors.Wrap(err, "migrate: up")
	}
	for _, res := range results {
		log.Info("migration applied",
			zap.Int64("version", res.Source.Version),
			zap.String("file", res.Source.Path),
			zap.Duration("took", res.Duration),
		)
	}
	return nil
}
