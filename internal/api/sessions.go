package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/banshee-data/zonecount/internal/db"
	"github.com/banshee-data/zonecount/internal/httputil"
	"github.com/banshee-data/zonecount/internal/security"
	"github.com/banshee-data/zonecount/internal/session"
	"github.com/banshee-data/zonecount/internal/source"
)

// SourcePush starts a session fed by POST /api/sessions/frames.
const SourcePush = "push"

const (
	maxFramesBody = 8 << 20
	stopTimeout   = 30 * time.Second
)

type startSessionRequest struct {
	ZoneID int64 `json:"zone_id"`
	// Source is SourcePush or the path of a .csv/.jsonl tracker recording.
	Source string `json:"source"`
}

func (s *Server) startSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := httputil.DecodeJSON(w, r, maxZoneBody, false, &req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.Source == "" {
		httputil.BadRequest(w, "source is required")
		return
	}

	z, err := s.db.GetZone(r.Context(), req.ZoneID)
	if errors.Is(err, db.ErrZoneNotFound) {
		httputil.NotFound(w, "zone not found")
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load zone: %v", err))
		return
	}
	poly, err := z.Polygon()
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("stored zone %d is invalid: %v", z.ID, err))
		return
	}

	var (
		src  session.FrameSource
		push *source.ChannelSource
	)
	if req.Source == SourcePush {
		push = source.NewChannelSource(pushBuffer)
		src = push
	} else {
		if len(s.replayDirs) == 0 {
			httputil.Forbidden(w, "file replay is disabled")
			return
		}
		path, err := security.ResolveWithinAllowedDirs(req.Source, s.replayDirs)
		if err != nil {
			httputil.Forbidden(w, err.Error())
			return
		}
		if src, err = source.Open(path); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
	}

	c, err := s.sessions.Start(session.Zone{ID: z.ID, Name: z.Name, Polygon: poly}, src)
	if err != nil {
		if closer, ok := src.(io.Closer); ok {
			closer.Close()
		}
		if errors.Is(err, session.ErrSessionActive) {
			httputil.Conflict(w, err.Error())
			return
		}
		httputil.InternalServerError(w, fmt.Sprintf("failed to start session: %v", err))
		return
	}

	s.mu.Lock()
	s.push, s.pushID = push, ""
	if push != nil {
		s.pushID = c.ID()
	}
	s.mu.Unlock()

	httputil.WriteJSON(w, http.StatusCreated, c.Snapshot())
}

func (s *Server) currentSession(w http.ResponseWriter, r *http.Request) {
	c, ok := s.sessions.Current()
	if !ok {
		httputil.NotFound(w, session.ErrNoSession.Error())
		return
	}
	httputil.WriteJSONOK(w, c.Snapshot())
}

// stopSession ends the running session. A push session is ended by closing
// its stream, so frames already accepted are still counted.
func (s *Server) stopSession(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), stopTimeout)
	defer cancel()

	if c, active := s.sessions.Active(); active {
		if push := s.pushSource(c); push != nil {
			push.Close()
			select {
			case <-c.Done():
				httputil.WriteJSONOK(w, c.Snapshot())
			case <-ctx.Done():
				httputil.WriteJSONError(w, http.StatusGatewayTimeout, fmt.Sprintf("session still stopping: %v", ctx.Err()))
			}
			return
		}
	}

	snap, err := s.sessions.Stop(ctx)
	if errors.Is(err, session.ErrNoSession) {
		httputil.NotFound(w, err.Error())
		return
	}
	if err != nil {
		httputil.WriteJSONError(w, http.StatusGatewayTimeout, fmt.Sprintf("session still stopping: %v", err))
		return
	}
	httputil.WriteJSONOK(w, snap)
}

// pushFrames accepts one frame object or an array of frames for the
// running push session.
func (s *Server) pushFrames(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxFramesBody))
	if err != nil {
		httputil.BadRequest(w, fmt.Sprintf("failed to read body: %v", err))
		return
	}
	frames, err := decodeFrames(body)
	if err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid frames: %v", err))
		return
	}

	c, active := s.sessions.Active()
	if !active {
		httputil.NotFound(w, session.ErrNoSession.Error())
		return
	}
	push := s.pushSource(c)
	if push == nil {
		httputil.Conflict(w, "running session does not accept pushed frames")
		return
	}

	for i, f := range frames {
		if err := push.Push(r.Context(), f); err != nil {
			httputil.Conflict(w, fmt.Sprintf("frame %d not accepted: %v", i, err))
			return
		}
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]int{"accepted": len(frames)})
}

// pushSource returns the stream feeding c, or nil when c is not a push
// session.
func (s *Server) pushSource(c *session.Controller) *source.ChannelSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.push == nil || s.pushID != c.ID() {
		return nil
	}
	return s.push
}

func decodeFrames(body []byte) ([]session.Frame, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}
	if body[0] == '[' {
		var frames []session.Frame
		if err := json.Unmarshal(body, &frames); err != nil {
			return nil, err
		}
		return frames, nil
	}
	var f session.Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, err
	}
	return []session.Frame{f}, nil
}
