package client

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"volunteer-auth-service/internal/config"
)

// NewPostgresDB connects the support-ticket database.
func NewPostgresDB(cfg *config.Config, logger *zap.Logger) (*sqlx.DB, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := sqlx.ConnectContext(ctx, "postgres", cfg.Postgres.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.Postgres.MaxConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxConns / 2)
	db.SetConnMaxLifetime(30 * time.Minute)

	logger.Info("Postgres connected", zap.Int("max_conns", cfg.Postgres.MaxConns))
	return db, nil
}
