package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/unitbridge/unitbridge/internal/httpserver/deps"
)

// Units serves the mirror's cached view of every tracked unit. This is
// deliberately cache-only: the WAMP query procedure is the fresh-fetch path,
// this route just shows what the bridge currently believes.
func Units(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snaps := d.Bridge.Mirror().Snapshot()

		out := make(map[string]any, len(snaps))
		for key, snap := range snaps {
			out[string(key)] = snap.View()
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(out)
	}
}
