package api

import (
	"errors"
	"fmt"
	"net/http"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/zonecount/internal/db"
	"github.com/banshee-data/zonecount/internal/httputil"
)

const maxZoneBody = 1 << 20

type createZoneRequest struct {
	Name        string      `json:"name"`
	Coordinates [][]float64 `json:"coordinates"`
}

func (s *Server) createZone(w http.ResponseWriter, r *http.Request) {
	var req createZoneRequest
	if err := httputil.DecodeJSON(w, r, maxZoneBody, true, &req); err != nil {
		httputil.BadRequest(w, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	z := &db.Zone{Name: req.Name, Coordinates: req.Coordinates}
	err := s.db.CreateZone(r.Context(), z, s.cfg.GeometryOptions()...)
	switch {
	case errors.Is(err, db.ErrZoneExists), errors.Is(err, db.ErrInvalidZone):
		httputil.BadRequest(w, err.Error())
	case err != nil:
		httputil.InternalServerError(w, fmt.Sprintf("failed to create zone: %v", err))
	default:
		httputil.WriteJSON(w, http.StatusCreated, z)
	}
}

func (s *Server) listZones(w http.ResponseWriter, r *http.Request) {
	zones, err := s.db.ListZones(r.Context())
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to list zones: %v", err))
		return
	}
	httputil.WriteJSONOK(w, zones)
}

// loadZone fetches the {id} zone, writing 400/404/500 as appropriate.
func (s *Server) loadZone(w http.ResponseWriter, r *http.Request) (*db.Zone, bool) {
	id, ok := zoneID(w, r)
	if !ok {
		return nil, false
	}
	z, err := s.db.GetZone(r.Context(), id)
	if errors.Is(err, db.ErrZoneNotFound) {
		httputil.NotFound(w, "zone not found")
		return nil, false
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load zone: %v", err))
		return nil, false
	}
	return z, true
}

func (s *Server) getZone(w http.ResponseWriter, r *http.Request) {
	if z, ok := s.loadZone(w, r); ok {
		httputil.WriteJSONOK(w, z)
	}
}

func (s *Server) deleteZone(w http.ResponseWriter, r *http.Request) {
	id, ok := zoneID(w, r)
	if !ok {
		return
	}
	if c, active := s.sessions.Active(); active && c.Zone().ID == id {
		httputil.Conflict(w, "zone is in use by the running session")
		return
	}
	err := s.db.DeleteZone(r.Context(), id)
	if errors.Is(err, db.ErrZoneNotFound) {
		httputil.NotFound(w, "zone not found")
		return
	}
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to delete zone: %v", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// zonePreview draws the zone outline in frame coordinates, y pointing down.
func (s *Server) zonePreview(w http.ResponseWriter, r *http.Request) {
	z, ok := s.loadZone(w, r)
	if !ok {
		return
	}

	pts := make(plotter.XYs, len(z.Coordinates))
	for i, c := range z.Coordinates {
		pts[i] = plotter.XY{X: c[0], Y: c[1]}
	}

	p := plot.New()
	p.Title.Text = z.Name
	p.X.Label.Text = "x (px)"
	p.Y.Label.Text = "y (px)"
	p.Y.Scale = plot.InvertedScale{Normalizer: p.Y.Scale}
	p.Add(plotter.NewGrid())

	poly, err := plotter.NewPolygon(pts)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("plot error: %v", err))
		return
	}
	poly.LineStyle.Width = vg.Points(2)
	p.Add(poly)

	vertices, err := plotter.NewScatter(pts)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("plot error: %v", err))
		return
	}
	p.Add(vertices)

	wt, err := p.WriterTo(6*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if _, err := wt.WriteTo(w); err != nil {
		logf("zone %d preview write: %v", z.ID, err)
	}
}
