package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/unitbridge/unitbridge/internal/httpserver/deps"
)

type healthzResponse struct {
	Status          string  `json:"status"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
	SessionAttached bool    `json:"session_attached"`
	UnitsTracked    int     `json:"units_tracked"`
	Version         string  `json:"version,omitempty"`
	Commit          string  `json:"commit,omitempty"`
	BuildDate       string  `json:"build_date,omitempty"`
	GoVersion       string  `json:"go_version,omitempty"`
}

func Healthz(d deps.Deps) http.HandlerFunc {
	start := d.StartTime
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(healthzResponse{
			Status:          "ok",
			UptimeSeconds:   time.Since(start).Seconds(),
			SessionAttached: d.Bridge.Attached(),
			UnitsTracked:    len(d.Catalog),
			Version:         d.Version,
			Commit:          d.Commit,
			BuildDate:       d.BuildDate,
			GoVersion:       d.GoVersion,
		})
	}
}
