// Command zonecount counts people entering and leaving polygon zones drawn
// over a camera frame, from tracker output replayed from a file or pushed
// over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "modernc.org/sqlite"

	"github.com/banshee-data/zonecount/internal/config"
	"github.com/banshee-data/zonecount/internal/db"
	"github.com/banshee-data/zonecount/internal/version"
)

const usage = `Usage: zonecount <command> [flags]

Commands:
  serve     Run the HTTP API (and optional gRPC health service)
  run       Replay a tracker recording against a zone and print the result
  push      Stream a tracker recording to a running server's push session
  migrate   Manage database migrations (see "zonecount migrate help")
  version   Print version information

Environment is read from .env when present. Flags override it.
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		log.Fatalf("zonecount: %v", err)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) < 1 {
		fmt.Fprint(out, usage)
		return flag.ErrHelp
	}
	env := config.LoadEnv()

	switch cmd, rest := args[0], args[1:]; cmd {
	case "serve":
		return serveCommand(ctx, env, rest)
	case "run":
		return runCommand(ctx, env, rest, out)
	case "push":
		return pushCommand(ctx, rest, out)
	case "migrate":
		fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
		dbPath := fs.String("db-path", env.DBPath, "SQLite database path")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		env.DBPath = *dbPath
		if err := env.RequireDBPath(); err != nil {
			return err
		}
		return db.RunMigrateCommand(fs.Args(), env.DBPath, out)
	case "version", "--version", "-v":
		fmt.Fprintln(out, version.Get())
		return nil
	case "help", "-h", "--help":
		fmt.Fprint(out, usage)
		return nil
	default:
		fmt.Fprint(out, usage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// loadConfig reads the tuning file when one is named, otherwise returns the
// built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Defaults(), nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log.Printf("loaded config from %s", path)
	return cfg, nil
}
