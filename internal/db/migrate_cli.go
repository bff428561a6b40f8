package db

import (
	"fmt"
	"io"
	"strconv"
)

// RunMigrateCommand executes a migrate subcommand against the database at
// dbPath, writing human-readable output to out.
func RunMigrateCommand(args []string, dbPath string, out io.Writer) error {
	if len(args) < 1 || args[0] == "help" {
		PrintMigrateHelp(out)
		if len(args) < 1 {
			return fmt.Errorf("missing migrate action")
		}
		return nil
	}

	migFS, err := getMigrationsFS()
	if err != nil {
		return fmt.Errorf("failed to get migrations filesystem: %w", err)
	}

	// Migrations own the schema, so open without migrating.
	database, err := OpenDB(dbPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	versionArg := func() (int, error) {
		if len(args) < 2 {
			return 0, fmt.Errorf("usage: zonecount migrate %s <version_number>", args[0])
		}
		v, err := strconv.Atoi(args[1])
		if err != nil || v < 0 {
			return 0, fmt.Errorf("invalid version number: %s", args[1])
		}
		return v, nil
	}

	switch args[0] {
	case "up":
		if err := database.MigrateUp(migFS); err != nil {
			return err
		}
		fmt.Fprintln(out, "All migrations applied")

	case "down":
		if err := database.MigrateDown(migFS); err != nil {
			return err
		}
		fmt.Fprintln(out, "Rolled back one migration")

	case "status":
		status, err := database.GetMigrationStatus(migFS)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, "=== Migration Status ===")
		fmt.Fprintf(out, "Current version: %d\n", status.Current)
		fmt.Fprintf(out, "Latest available: %d\n", status.Latest)
		fmt.Fprintf(out, "Dirty: %v\n", status.Dirty)
		switch {
		case status.Dirty:
			fmt.Fprintln(out, "Database is dirty. Inspect it, then run: zonecount migrate force <version>")
		case status.Pending() > 0:
			fmt.Fprintf(out, "%d migration(s) pending. Run: zonecount migrate up\n", status.Pending())
		default:
			fmt.Fprintln(out, "Database is up to date")
		}
		return nil

	case "version":
		v, err := versionArg()
		if err != nil {
			return err
		}
		if err := database.MigrateTo(migFS, uint(v)); err != nil {
			return err
		}
		fmt.Fprintf(out, "Migrated to version %d\n", v)

	case "force":
		v, err := versionArg()
		if err != nil {
			return err
		}
		if err := database.MigrateForce(migFS, v); err != nil {
			return err
		}
		fmt.Fprintf(out, "Migration version forced to %d\n", v)

	default:
		PrintMigrateHelp(out)
		return fmt.Errorf("unknown migrate action: %s", args[0])
	}

	version, dirty, err := database.MigrateVersion(migFS)
	if err == nil {
		fmt.Fprintf(out, "Current version: %d (dirty: %v)\n", version, dirty)
	}
	return nil
}

// PrintMigrateHelp writes usage for the migrate command.
func PrintMigrateHelp(out io.Writer) {
	fmt.Fprint(out, `Database Migration Commands

Usage: zonecount migrate <command> [options]

Commands:
  up              Apply all pending migrations
  down            Roll back one migration
  status          Show current and latest migration versions
  version <N>     Migrate to version N
  force <N>       Force the recorded version to N (recovery only)
  help            Show this help message

Options:
  --db-path <path>    Path to database file (default: $ZONECOUNT_DB_PATH)
`)
}
