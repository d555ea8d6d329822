// Package db stores construction records and kernel/product file records in
// SQLite. The schema is owned by the embedded migrations.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/tailscale/tailsql/server/tailsql"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/libera-sdc/libera-utils/internal/config"
	"github.com/libera-sdc/libera-utils/internal/observability"
)

// Hosts on which TruncateProductTables is allowed.
var localHosts = map[string]bool{"localhost": true, "local-db": true}

type DB struct {
	*sql.DB
	Path string
	// Host names the database server for safety checks. SQLite files are
	// "localhost" unless configured otherwise.
	Host string
	// Metrics counts ingested rows. Nil disables counting.
	Metrics *observability.Collector
}

var pragmas = []string{
	"PRAGMA journal_mode=WAL",
	"PRAGMA busy_timeout=5000",
	"PRAGMA synchronous=NORMAL",
	"PRAGMA temp_store=MEMORY",
	"PRAGMA foreign_keys=ON",
}

// OpenDB opens path without touching the schema. A single connection is
// kept so per-connection pragmas and :memory: databases stay consistent.
func OpenDB(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return &DB{DB: db, Path: path, Host: "localhost"}, nil
}

// NewDB opens path and applies all pending migrations.
func NewDB(path string) (*DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := db.MigrateUp(MigrationsFS()); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Open connects using LIBERA_DB_PATH and LIBERA_DB_HOST. An empty path
// argument uses the configured one.
func Open(cfg *config.Config, path string) (*DB, error) {
	if path == "" {
		p, err := cfg.String("LIBERA_DB_PATH")
		if err != nil {
			return nil, err
		}
		path = p
	}
	db, err := NewDB(path)
	if err != nil {
		return nil, err
	}
	if host, err := cfg.String("LIBERA_DB_HOST"); err == nil && host != "" {
		db.Host = host
	}
	zap.S().Named("db").Infof("Opened database %s (host=%s)", path, db.Host)
	return db, nil
}

// TruncateProductTables deletes every row of every table except the
// migration history. Only local development databases may be truncated.
func (db *DB) TruncateProductTables(ctx context.Context) error {
	if !localHosts[db.Host] {
		return fmt.Errorf("refusing to truncate all tables for database on host %s. "+
			"We only permit this operation for local dev databases on host 'local-db' or 'localhost'", db.Host)
	}
	// Reverse creation order deletes children before their parents.
	rows, err := db.QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT IN ('schema_migrations', 'sqlite_sequence')
		ORDER BY rowid DESC`)
	if err != nil {
		return err
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		tables = append(tables, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, t := range tables {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("DELETE FROM %q", t)); err != nil {
			return fmt.Errorf("failed to truncate %s: %w", t, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	zap.S().Named("db").Infof("Truncated %d tables", len(tables))
	return nil
}

// AttachAdminRoutes mounts a live SQL console and a backup download on mux.
func (db *DB) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+filepath.Base(db.Path), db.DB, &tailsql.DBOptions{
		Label: "Libera SDC DB",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	debug.Handle("backup", "Create and download a backup of the database now", http.HandlerFunc(db.serveBackup))
	return nil
}

func (db *DB) serveBackup(w http.ResponseWriter, r *http.Request) {
	backupPath := filepath.Join(os.TempDir(), fmt.Sprintf("libera-backup-%d.db", time.Now().Unix()))
	if _, err := db.ExecContext(r.Context(), "VACUUM INTO ?", backupPath); err != nil {
		http.Error(w, fmt.Sprintf("Failed to create backup: %v", err), http.StatusInternalServerError)
		return
	}
	backupFile, err := os.Open(backupPath)
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to open backup file: %v", err), http.StatusInternalServerError)
		return
	}
	defer func() {
		backupFile.Close()
		if err := os.Remove(backupPath); err != nil {
			zap.S().Named("db").Warnf("Failed to remove backup file: %v", err)
		}
	}()

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filepath.Base(backupPath)))
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Encoding", "gzip")
	gz := gzip.NewWriter(w)
	defer gz.Close()
	if _, err := io.Copy(gz, backupFile); err != nil {
		zap.S().Named("db").Errorf("Failed to write backup: %v", err)
	}
}
