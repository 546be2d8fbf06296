package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/unitbridge/unitbridge/internal/httpserver/deps"
)

type readyzResponse struct {
	Ready          bool `json:"ready"`
	UnitsPopulated int  `json:"units_populated"`
}

// Readyz reports ready once the mirror holds at least one populated unit,
// which only happens after the startup sequence completed.
func Readyz(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		populated := d.Bridge.Mirror().Count()
		ready := populated > 0

		w.Header().Set("Content-Type", "application/json")
		if !ready {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(readyzResponse{
			Ready:          ready,
			UnitsPopulated: populated,
		})
	}
}
