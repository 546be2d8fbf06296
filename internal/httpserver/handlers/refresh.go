package handlers

import (
	"net/http"

	"github.com/unitbridge/unitbridge/internal/httpserver/deps"
	"github.com/unitbridge/unitbridge/internal/logger"
)

// Refresh triggers an immediate re-population of the unit mirror.
func Refresh(d deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case d.RefreshTrigger <- struct{}{}:
			d.Logger.Info("manual refresh triggered via endpoint",
				logger.String("remote_ip", r.RemoteAddr))
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte("refresh triggered\n"))
		default:
			d.Logger.Warn("refresh already in progress",
				logger.String("remote_ip", r.RemoteAddr))
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte("refresh already in progress\n"))
		}
	}
}
