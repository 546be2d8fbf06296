package deps

import (
	"time"

	"github.com/unitbridge/unitbridge/internal/bridge"
	"github.com/unitbridge/unitbridge/internal/domain"
	"github.com/unitbridge/unitbridge/internal/logger"
)

// Deps carries everything the HTTP routes need. The HTTP surface is an
// operator convenience: health, readiness, and a cache-only view of the
// mirror. The WAMP session is the authoritative remote API.
type Deps struct {
	Logger         logger.Logger
	StartTime      time.Time
	Version        string
	Commit         string
	BuildDate      string
	GoVersion      string
	AllowedCIDRS   []string       // IPs allowed to hit mutating routes
	TrustProxy     bool           // true if behind a trusted reverse proxy
	Bridge         *bridge.Bridge // the synchronization core
	Catalog        domain.Catalog // fixed unit key -> unit name mapping
	RefreshTrigger chan struct{}  // channel to trigger a manual mirror refresh
}
