package migrate

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"rental-payouts/pkg/config"
	"rental-payouts/pkg/db"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Commands accepted by Run.
var Commands = map[string]bool{
	"up":        true,
	"up-by-one": true,
	"down":      true,
	"redo":      true,
	"status":    true,
	"version":   true,
	"reset":     true,
}

// Run executes a goose command against the configured postgres database.
func Run(ctx context.Context, cfg *config.Config, command string, args ...string) error {
	if !Commands[command] {
		return fmt.Errorf("unknown migration command %q", command)
	}
	if cfg.Database.Type != "" && cfg.Database.Type != "postgres" {
		return fmt.Errorf("migrations target postgres, DATABASE.TYPE is %q", cfg.Database.Type)
	}

	migrationCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	conn, err := sql.Open("pgx", db.DSN(cfg))
	if err != nil {
		return fmt.Errorf("sql open: %w", err)
	}
	defer func() { _ = conn.Close() }()

	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(gooseLogger{log: zap.S()})

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set dialect: %w", err)
	}

	zap.L().Info("running migrations", zap.String("command", command))

	if err := goose.RunContext(migrationCtx, command, conn, "migrations", args...); err != nil {
		return fmt.Errorf("goose %s: %w", command, err)
	}

	return nil
}

type gooseLogger struct {
	log *zap.SugaredLogger
}

func (l gooseLogger) Fatalf(format string, v ...interface{}) {
	l.log.Fatalf(format, v...)
}

func (l gooseLogger) Printf(format string, v ...interface{}) {
	l.log.Infof(format, v...)
}
