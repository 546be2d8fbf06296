package rpc

import (
	"errors"

	"github.com/gammazero/nexus/v3/wamp"

	"github.com/unitbridge/unitbridge/internal/domain"
)

// Procedure names, registered under the configured URI prefix.
const (
	ProcListUnits = "list_units"
	ProcQuery     = "query"
	ProcStart     = "start"
	ProcStop      = "stop"
	ProcEnable    = "enable"
	ProcDisable   = "disable"
)

// URIs builds every procedure, topic and error URI from the configured
// prefix so the whole remote surface stays consistently namespaced.
type URIs struct {
	prefix string
}

// NewURIs creates a URI builder for prefix (ex: "unitbridge.").
func NewURIs(prefix string) URIs {
	return URIs{prefix: prefix}
}

// Procedure returns the full URI for a procedure name.
func (u URIs) Procedure(name string) string {
	return u.prefix + name
}

// UnitTopic returns the publication topic for one unit key.
func (u URIs) UnitTopic(key domain.UnitKey) string {
	return u.prefix + "unit." + string(key)
}

// ErrorURI maps a bridge error to the distinguishable WAMP error URI remote
// callers see.
func (u URIs) ErrorURI(err error) wamp.URI {
	switch {
	case errors.Is(err, domain.ErrUnknownUnitKey):
		return wamp.URI(u.prefix + "error.unknown_unit_key")
	case errors.Is(err, domain.ErrInvalidUnitName):
		return wamp.URI(u.prefix + "error.invalid_unit_name")
	case errors.Is(err, domain.ErrServiceUnavailable):
		return wamp.URI(u.prefix + "error.service_unavailable")
	default:
		return wamp.URI(u.prefix + "error.bus_call_failed")
	}
}
