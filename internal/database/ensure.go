package database

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5"
)

// EnsureDatabaseExists creates the database named in dsn if it doesn't
// already exist, connecting to the 'postgres' maintenance database to do
// so. Idempotent; safe to call on every startup ahead of migrations.Apply.
// Requires the configured user to have CREATEDB or superuser privilege.
func EnsureDatabaseExists(ctx context.Context, dsn string, logger *slog.Logger) error {
	dbName, maintenanceDSN, err := parseDSNForMaintenance(dsn)
	if err != nil {
		return fmt.Errorf("parse DSN: %w", err)
	}

	conn, err := pgx.Connect(ctx, maintenanceDSN)
	if err != nil {
		return fmt.Errorf("connect to maintenance database: %w", err)
	}
	defer conn.Close(ctx)

	var exists bool
	query := `SELECT EXISTS(SELECT 1 FROM pg_database WHERE datname = $1)`
	if err := conn.QueryRow(ctx, query, dbName).Scan(&exists); err != nil {
		return fmt.Errorf("check database existence: %w", err)
	}
	if exists {
		return nil
	}

	createSQL := fmt.Sprintf("CREATE DATABASE %s", pgx.Identifier{dbName}.Sanitize())
	if logger != nil {
		logger.Info("creating database", slog.String("database", dbName))
	}
	if _, err := conn.Exec(ctx, createSQL); err != nil {
		return fmt.Errorf("create database %s: %w", dbName, err)
	}
	return nil
}

// parseDSNForMaintenance extracts the database name from dsn and returns a
// DSN pointed at the 'postgres' maintenance database instead, so the
// target database's own absence doesn't prevent connecting at all.
func parseDSNForMaintenance(dsn string) (dbName string, maintenanceDSN string, err error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", "", fmt.Errorf("invalid DSN format: %w", err)
	}

	dbName = strings.TrimPrefix(u.Path, "/")
	if dbName == "" {
		return "", "", fmt.Errorf("no database name in DSN path: %s", dsn)
	}

	if dbName == "postgres" || dbName == "template1" {
		return dbName, dsn, nil
	}

	u.Path = "/postgres"
	return dbName, u.String(), nil
}
