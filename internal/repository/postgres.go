// Package repository holds the relational stores: the user directory and the
// patient-doctor assignment table.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/zhouzirui/curalink/backend/internal/apperr"
	"github.com/zhouzirui/curalink/backend/internal/config"
)

// ErrNotFound 记录不存在
var ErrNotFound = apperr.NotFound("repository", "record not found")

// NewPostgresDB 创建PostgreSQL数据库连接
func NewPostgresDB(ctx context.Context, cfg config.PostgresConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MaxIdle > 0 {
		db.SetMaxIdleConns(cfg.MaxIdle)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// Schema is applied by cmd/api on startup when POSTGRES_MIGRATE is set.
const Schema = `
CREATE TABLE IF NOT EXISTS users (
	uid  TEXT PRIMARY KEY,
	role TEXT NOT NULL CHECK (role IN ('patient', 'doctor', 'admin'))
);
CREATE TABLE IF NOT EXISTS patients (
	patient_id TEXT PRIMARY KEY,
	uid        TEXT NOT NULL UNIQUE REFERENCES users(uid) ON DELETE CASCADE,
	name       TEXT NOT NULL DEFAULT '',
	age        INTEGER NOT NULL DEFAULT 0,
	sex        TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS doctors (
	doctor_id TEXT PRIMARY KEY,
	uid       TEXT NOT NULL UNIQUE REFERENCES users(uid) ON DELETE CASCADE,
	name      TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS assignments (
	patient_id   TEXT PRIMARY KEY,
	doctor_id    TEXT NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL,
	patient_name TEXT NOT NULL DEFAULT '',
	age          INTEGER NOT NULL DEFAULT 0,
	sex          TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS assignments_doctor_idx ON assignments (doctor_id);
`

// Migrate applies Schema.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func notFoundOr(err error, format string, args ...interface{}) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}
