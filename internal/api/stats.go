package api

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/zonecount/internal/db"
	"github.com/banshee-data/zonecount/internal/httputil"
	"github.com/banshee-data/zonecount/internal/timeutil"
)

const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

// dateLayouts are accepted for start_date and end_date. Values without a
// zone are UTC.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func parseDate(v string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q: use RFC3339 or YYYY-MM-DDTHH:MM:SS", v)
}

// parseRange reads start_date and end_date, writing a 400 on failure.
func parseRange(w http.ResponseWriter, r *http.Request) (db.TimeRange, bool) {
	var tr db.TimeRange
	q := r.URL.Query()
	for name, dst := range map[string]**time.Time{"start_date": &tr.Start, "end_date": &tr.End} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		t, err := parseDate(v)
		if err != nil {
			httputil.BadRequest(w, fmt.Sprintf("%s: %v", name, err))
			return db.TimeRange{}, false
		}
		*dst = &t
	}
	if tr.Start != nil && tr.End != nil && tr.End.Before(*tr.Start) {
		httputil.BadRequest(w, "end_date is before start_date")
		return db.TimeRange{}, false
	}
	return tr, true
}

type queryFilters struct {
	StartDate *time.Time `json:"start_date"`
	EndDate   *time.Time `json:"end_date"`
}

type statsResponse struct {
	db.EventCounts
	QueryFilters queryFilters `json:"query_filters"`
}

// zoneStats returns entry and exit totals for a zone, optionally limited by
// start_date and end_date. An unknown zone is a 404, not zero counts.
func (s *Server) zoneStats(w http.ResponseWriter, r *http.Request) {
	z, ok := s.loadZone(w, r)
	if !ok {
		return
	}
	tr, ok := parseRange(w, r)
	if !ok {
		return
	}
	counts, err := s.db.CountEvents(r.Context(), z.ID, tr)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to count events: %v", err))
		return
	}
	httputil.WriteJSONOK(w, statsResponse{
		EventCounts:  counts,
		QueryFilters: queryFilters{StartDate: tr.Start, EndDate: tr.End},
	})
}

// liveStats returns the zone's most recent event, or null.
func (s *Server) liveStats(w http.ResponseWriter, r *http.Request) {
	z, ok := s.loadZone(w, r)
	if !ok {
		return
	}
	ev, err := s.db.LatestEvent(r.Context(), z.ID)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load latest event: %v", err))
		return
	}
	httputil.WriteJSONOK(w, ev)
}

// hourlyChart renders entries and exits per hour as an HTML bar chart.
// Hours are labelled in the tz query timezone, UTC by default.
func (s *Server) hourlyChart(w http.ResponseWriter, r *http.Request) {
	z, ok := s.loadZone(w, r)
	if !ok {
		return
	}
	tr, ok := parseRange(w, r)
	if !ok {
		return
	}
	loc, err := timeutil.LoadLocation(r.URL.Query().Get("tz"))
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	hours, err := s.db.HourlyCounts(r.Context(), z.ID, tr)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load hourly counts: %v", err))
		return
	}

	x := make([]string, len(hours))
	entries := make([]opts.BarData, len(hours))
	exits := make([]opts.BarData, len(hours))
	for i, h := range hours {
		x[i] = h.Hour.In(loc).Format("2006-01-02 15:04")
		entries[i] = opts.BarData{Value: h.Entries}
		exits[i] = opts.BarData{Value: h.Exits}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Zone " + z.Name, Width: "100%", Height: "600px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: z.Name, Subtitle: fmt.Sprintf("hourly crossings (%s), %d hours", loc, len(hours))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
	)
	bar.SetXAxis(x).
		AddSeries("entries", entries).
		AddSeries("exits", exits)

	page := components.NewPage()
	page.SetAssetsHost(echartsAssetsPrefix)
	page.AddCharts(bar)

	var buf bytes.Buffer
	if err := page.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("render error: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}
