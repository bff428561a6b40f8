package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/banshee-data/zonecount/internal/api"
	"github.com/banshee-data/zonecount/internal/config"
	"github.com/banshee-data/zonecount/internal/db"
	"github.com/banshee-data/zonecount/internal/httputil"
	"github.com/banshee-data/zonecount/internal/session"
	"github.com/banshee-data/zonecount/internal/source"
)

// runCommand replays a recording against a stored zone in-process and
// prints the final session snapshot as JSON.
func runCommand(ctx context.Context, env config.Env, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	dbPath := fs.String("db-path", env.DBPath, "SQLite database path")
	configPath := fs.String("config", env.ConfigPath, "Tuning config JSON file")
	zoneID := fs.Int64("zone", 0, "Zone id to count against")
	input := fs.String("input", "", "Tracker recording (.csv, .jsonl or .ndjson)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	env.DBPath = *dbPath
	if err := env.RequireDBPath(); err != nil {
		return err
	}
	if *zoneID <= 0 || *input == "" {
		return fmt.Errorf("--zone and --input are required")
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	database, err := db.NewDB(env.DBPath)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	z, err := database.GetZone(ctx, *zoneID)
	if err != nil {
		return err
	}
	poly, err := z.Polygon()
	if err != nil {
		return fmt.Errorf("zone %d: %w", z.ID, err)
	}
	src, err := source.Open(*input)
	if err != nil {
		return err
	}

	c := session.New(session.Zone{ID: z.ID, Name: z.Name, Polygon: poly}, src, database,
		session.WithConfig(cfg.SessionConfig()))
	runErr := c.Run(ctx)
	if errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(c.Snapshot()); err != nil {
		return err
	}
	return runErr
}

// pushCommand streams a recording to a server's push session in batches.
func pushCommand(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("push", flag.ContinueOnError)
	server := fs.String("server", "http://localhost:8080", "zonecount server URL")
	zoneID := fs.Int64("zone", 0, "Zone id to count against")
	input := fs.String("input", "", "Tracker recording (.csv, .jsonl or .ndjson)")
	batch := fs.Int("batch", 50, "Frames per request")
	timeout := fs.Duration("timeout", 30*time.Second, "Per-request timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *zoneID <= 0 || *input == "" {
		return fmt.Errorf("--zone and --input are required")
	}
	if *batch < 1 {
		return fmt.Errorf("--batch must be at least 1")
	}

	src, err := source.Open(*input)
	if err != nil {
		return err
	}
	if closer, ok := src.(io.Closer); ok {
		defer closer.Close()
	}

	client := api.NewClient(*server, httputil.NewStandardClient(&http.Client{Timeout: *timeout}))
	snap, err := client.StartSession(ctx, *zoneID, api.SourcePush)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	fmt.Fprintf(out, "session %s started on zone %d\n", snap.ID, snap.ZoneID)

	sent, streamErr := streamFrames(ctx, src, *batch, func(frames []session.Frame) error {
		return client.PushFrames(ctx, frames)
	})
	fmt.Fprintf(out, "pushed %d frames\n", sent)

	// Stop even after a failed push so the server flushes what it has.
	final, err := client.StopSession(context.WithoutCancel(ctx))
	if err != nil {
		return errors.Join(streamErr, fmt.Errorf("stop session: %w", err))
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(final); err != nil {
		return err
	}
	return streamErr
}

// streamFrames reads src to exhaustion, handing frames to send in groups of
// at most batch. It returns the number of frames sent.
func streamFrames(ctx context.Context, src session.FrameSource, batch int, send func([]session.Frame) error) (int, error) {
	sent := 0
	buf := make([]session.Frame, 0, batch)
	flush := func() error {
		if len(buf) == 0 {
			return nil
		}
		if err := send(buf); err != nil {
			return err
		}
		sent += len(buf)
		buf = buf[:0]
		return nil
	}

	for {
		f, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return sent, flush()
		}
		if err != nil {
			return sent, err
		}
		buf = append(buf, f)
		if len(buf) == batch {
			if err := flush(); err != nil {
				return sent, err
			}
		}
	}
}
