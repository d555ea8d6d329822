package db

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// ErrAborted is returned when the user declines a confirmation prompt.
var ErrAborted = errors.New("aborted")

// MigrateCommand runs one 'db migrate' action against a database.
type MigrateCommand struct {
	Out io.Writer
	// In answers confirmation prompts. Yes skips them.
	In  io.Reader
	Yes bool
	// FS overrides the embedded migrations.
	FS fs.FS
}

// Run dispatches action with its arguments against the database at dbPath.
// The schema is left to the migrations, so the database is opened without
// migrating.
func (c *MigrateCommand) Run(dbPath, action string, args []string) error {
	migrationsFS := c.FS
	if migrationsFS == nil {
		migrationsFS = MigrationsFS()
	}
	database, err := OpenDB(dbPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	switch action {
	case "up":
		return c.up(database, migrationsFS)
	case "down":
		return c.down(database, migrationsFS)
	case "status":
		return c.status(database, migrationsFS)
	case "version":
		if len(args) < 1 {
			return errors.New("usage: libera-utils db migrate version <version_number>")
		}
		return c.migrateTo(database, migrationsFS, args[0])
	case "force":
		if len(args) < 1 {
			return errors.New("usage: libera-utils db migrate force <version_number>")
		}
		return c.force(database, migrationsFS, args[0])
	default:
		return fmt.Errorf("unknown migrate action: %s", action)
	}
}

func (c *MigrateCommand) up(database *DB, migrationsFS fs.FS) error {
	log := zap.S().Named("migrate")
	log.Info("Running migrations...")
	if err := database.MigrateUp(migrationsFS); err != nil {
		return err
	}
	version, dirty, _ := database.MigrateVersion(migrationsFS)
	fmt.Fprintf(c.Out, "All migrations applied. Current version: %d (dirty: %v)\n", version, dirty)
	return nil
}

func (c *MigrateCommand) down(database *DB, migrationsFS fs.FS) error {
	if err := database.MigrateDown(migrationsFS); err != nil {
		return err
	}
	version, dirty, _ := database.MigrateVersion(migrationsFS)
	fmt.Fprintf(c.Out, "Rolled back one migration. Current version: %d (dirty: %v)\n", version, dirty)
	return nil
}

func (c *MigrateCommand) status(database *DB, migrationsFS fs.FS) error {
	st, err := database.GetMigrationStatus(migrationsFS)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.Out, "=== Migration Status ===")
	fmt.Fprintf(c.Out, "Current version: %d\n", st.Version)
	fmt.Fprintf(c.Out, "Latest version: %d\n", st.Latest)
	fmt.Fprintf(c.Out, "Pending migrations: %d\n", st.PendingCount)
	fmt.Fprintf(c.Out, "Dirty: %v\n", st.Dirty)
	fmt.Fprintf(c.Out, "Schema migrations table exists: %v\n", st.TableExists)
	if st.Dirty {
		fmt.Fprintln(c.Out, "\nWARNING: Database is in a dirty state!")
		fmt.Fprintln(c.Out, "A migration failed mid-execution. Inspect the database, then run:")
		fmt.Fprintln(c.Out, "  libera-utils db migrate force <version>")
	}
	return nil
}

func (c *MigrateCommand) migrateTo(database *DB, migrationsFS fs.FS, versionStr string) error {
	target, err := strconv.ParseUint(versionStr, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid version number: %s", versionStr)
	}
	if err := database.MigrateTo(migrationsFS, uint(target)); err != nil {
		return err
	}
	fmt.Fprintf(c.Out, "Migrated to version %d\n", target)
	return nil
}

func (c *MigrateCommand) force(database *DB, migrationsFS fs.FS, versionStr string) error {
	version, err := strconv.Atoi(versionStr)
	if err != nil {
		return fmt.Errorf("invalid version number: %s", versionStr)
	}
	if !c.Yes {
		fmt.Fprintf(c.Out, "WARNING: Forcing migration version to %d\n", version)
		fmt.Fprintln(c.Out, "This should only be used to recover from a dirty migration state.")
		fmt.Fprint(c.Out, "Continue? [y/N]: ")
		if !confirmed(c.In) {
			return ErrAborted
		}
	}
	if err := database.MigrateForce(migrationsFS, version); err != nil {
		return err
	}
	fmt.Fprintf(c.Out, "Migration version forced to %d\n", version)
	return nil
}

func confirmed(in io.Reader) bool {
	if in == nil {
		return false
	}
	line, _ := bufio.NewReader(in).ReadString('\n')
	switch strings.TrimSpace(line) {
	case "y", "Y":
		return true
	}
	return false
}
