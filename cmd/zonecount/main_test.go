package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/zonecount/internal/api"
	"github.com/banshee-data/zonecount/internal/db"
	"github.com/banshee-data/zonecount/internal/monitoring"
	"github.com/banshee-data/zonecount/internal/session"
	"github.com/banshee-data/zonecount/internal/source"
)

// recording enters the square zone once and leaves it once.
const recording = "frame_number,track_id,x1,y1,x2,y2\n" +
	"0,1,49,46,51,50\n" +
	"1,1,4,1,6,5\n" +
	"2,1,49,46,51,50\n"

func quietLogs(t *testing.T) {
	t.Helper()
	original := monitoring.Logf
	monitoring.SetLogger(nil)
	t.Cleanup(func() { monitoring.Logf = original })
}

func setupZone(t *testing.T) (dbPath string, zoneID int64) {
	t.Helper()
	dbPath = filepath.Join(t.TempDir(), "zonecount.db")
	database, err := db.NewDB(dbPath)
	require.NoError(t, err)
	defer database.Close()

	z := &db.Zone{Name: "door", Coordinates: [][]float64{{0, 0}, {0, 10}, {10, 10}, {10, 0}}}
	require.NoError(t, database.CreateZone(context.Background(), z))
	return dbPath, z.ID
}

func writeRecording(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "run.csv")
	require.NoError(t, os.WriteFile(path, []byte(recording), 0o644))
	return path
}

func TestRun_Dispatch(t *testing.T) {
	t.Setenv("ZONECOUNT_DB_PATH", "")
	tests := []struct {
		name    string
		args    []string
		wantErr string
		wantOut string
	}{
		{"no args", nil, flag.ErrHelp.Error(), "Usage: zonecount"},
		{"help", []string{"help"}, "", "Commands:"},
		{"version", []string{"version"}, "", "zonecount dev"},
		{"unknown", []string{"frobnicate"}, `unknown command "frobnicate"`, "Usage"},
		{"run without db", []string{"run", "--zone", "1", "--input", "x.csv"}, "ZONECOUNT_DB_PATH", ""},
		{"migrate without db", []string{"migrate", "status"}, "ZONECOUNT_DB_PATH", ""},
		{"push missing zone", []string{"push", "--input", "x.csv"}, "--zone and --input are required", ""},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			err := run(context.Background(), tc.args, &out)
			if tc.wantErr == "" {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tc.wantErr)
			}
			assert.Contains(t, out.String(), tc.wantOut)
		})
	}
}

func TestRunCommand_ReplaysRecording(t *testing.T) {
	quietLogs(t)
	dbPath, zoneID := setupZone(t)
	input := writeRecording(t)

	var out bytes.Buffer
	err := run(context.Background(), []string{"run", "--db-path", dbPath, "--zone", fmt.Sprint(zoneID), "--input", input}, &out)
	require.NoError(t, err)

	var snap session.Snapshot
	require.NoError(t, json.Unmarshal(out.Bytes(), &snap))
	assert.Equal(t, session.Stopped, snap.State)
	assert.Equal(t, int64(3), snap.Frames)
	assert.Equal(t, int64(1), snap.Entries)
	assert.Equal(t, int64(1), snap.Exits)
	assert.Equal(t, int64(2), snap.Persisted)

	database, err := db.NewDB(dbPath)
	require.NoError(t, err)
	defer database.Close()
	counts, err := database.CountEvents(context.Background(), zoneID, db.TimeRange{})
	require.NoError(t, err)
	assert.Equal(t, db.EventCounts{ZoneID: zoneID, Entries: 1, Exits: 1}, counts)
}

func TestRunCommand_UnknownZone(t *testing.T) {
	quietLogs(t)
	dbPath, _ := setupZone(t)
	err := run(context.Background(), []string{"run", "--db-path", dbPath, "--zone", "99", "--input", writeRecording(t)}, &bytes.Buffer{})
	assert.ErrorIs(t, err, db.ErrZoneNotFound)
}

func TestMigrateCommand(t *testing.T) {
	quietLogs(t)
	dbPath, _ := setupZone(t)
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"migrate", "--db-path", dbPath, "status"}, &out))
	assert.Contains(t, out.String(), "Current version")
}

func TestPushCommand(t *testing.T) {
	quietLogs(t)
	dbPath, zoneID := setupZone(t)
	database, err := db.NewDB(dbPath)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	mgr := session.NewManager(ctx, database)
	ts := httptest.NewServer(api.NewServer(database, mgr).ServeMux())
	t.Cleanup(func() {
		ts.Close()
		cancel()
		mgr.Wait()
		database.Close()
	})

	var out bytes.Buffer
	err = run(context.Background(), []string{
		"push", "--server", ts.URL, "--zone", fmt.Sprint(zoneID), "--input", writeRecording(t), "--batch", "2",
	}, &out)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "pushed 3 frames")

	jsonStart := strings.Index(out.String(), "{")
	require.GreaterOrEqual(t, jsonStart, 0)
	var snap session.Snapshot
	require.NoError(t, json.Unmarshal(out.Bytes()[jsonStart:], &snap))
	assert.Equal(t, session.Stopped, snap.State)
	assert.Equal(t, int64(1), snap.Entries)
	assert.Equal(t, int64(1), snap.Exits)

	counts, err := database.CountEvents(context.Background(), zoneID, db.TimeRange{})
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts.Entries+counts.Exits)
}

func TestStreamFrames(t *testing.T) {
	frames := make([]session.Frame, 5)
	for i := range frames {
		frames[i].Index = int64(i)
	}

	var sizes []int
	sent, err := streamFrames(context.Background(), source.NewSliceSource(frames...), 2, func(b []session.Frame) error {
		sizes = append(sizes, len(b))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 5, sent)
	assert.Equal(t, []int{2, 2, 1}, sizes)

	boom := errors.New("boom")
	calls := 0
	sent, err = streamFrames(context.Background(), source.NewSliceSource(frames...), 2, func(b []session.Frame) error {
		calls++
		if calls == 2 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, sent)
}
