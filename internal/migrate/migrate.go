// Package migrate applies embedded SQL migrations on startup.
package migrate

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/and161185/vaultbridge/migrations"
)

// Dialect selects the migration set and the goose dialect.
type Dialect string

const (
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite3"
)

func (d Dialect) dir() string {
	if d == SQLite {
		return "sqlite"
	}
	return "postgres"
}

// goose keeps its configuration in package state.
var gooseMu sync.Mutex

// gooseUp is a seam for tests.
var gooseUp = func(ctx context.Context, db *sql.DB, dir string) error {
	return goose.UpContext(ctx, db, dir)
}

// Up runs all pending Postgres migrations against dsn.
func Up(ctx context.Context, dsn string, log *zap.Logger) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	return UpDB(ctx, db, Postgres, log)
}

// UpDB runs all pending migrations of dialect d on an open database.
func UpDB(ctx context.Context, db *sql.DB, d Dialect, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations.FS)
	// stdout may carry the native messaging stream
	goose.SetLogger(gooseLogger{log.Sugar()})
	if err := goose.SetDialect(string(d)); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := gooseUp(ctx, db, d.dir()); err != nil {
		return fmt.Errorf("migrate %s: %w", d, err)
	}
	return nil
}

type gooseLogger struct{ l *zap.SugaredLogger }

func (g gooseLogger) Printf(format string, v ...any) {
	g.l.Debugf(strings.TrimSpace(format), v...)
}

func (g gooseLogger) Fatalf(format string, v ...any) {
	g.l.Errorf(strings.TrimSpace(format), v...)
}
