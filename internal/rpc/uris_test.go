package rpc

import (
	"errors"
	"fmt"
	"testing"

	"github.com/gammazero/nexus/v3/wamp"

	"github.com/unitbridge/unitbridge/internal/domain"
)

func TestProcedure(t *testing.T) {
	u := NewURIs("unitbridge.")

	if got := u.Procedure(ProcListUnits); got != "unitbridge.list_units" {
		t.Errorf("Procedure(list_units) = %v, want unitbridge.list_units", got)
	}
	if got := u.Procedure(ProcStart); got != "unitbridge.start" {
		t.Errorf("Procedure(start) = %v, want unitbridge.start", got)
	}
}

func TestUnitTopic(t *testing.T) {
	u := NewURIs("unitbridge.")

	if got := u.UnitTopic("web"); got != "unitbridge.unit.web" {
		t.Errorf("UnitTopic(web) = %v, want unitbridge.unit.web", got)
	}
}

func TestErrorURI(t *testing.T) {
	u := NewURIs("unitbridge.")

	tests := []struct {
		name string
		err  error
		want wamp.URI
	}{
		{
			name: "unknown unit key",
			err:  fmt.Errorf("%w: %q", domain.ErrUnknownUnitKey, "ghost"),
			want: "unitbridge.error.unknown_unit_key",
		},
		{
			name: "invalid unit name",
			err:  fmt.Errorf("%w: %q", domain.ErrInvalidUnitName, "bad..name"),
			want: "unitbridge.error.invalid_unit_name",
		},
		{
			name: "service unavailable",
			err:  fmt.Errorf("%w: load unit", domain.ErrServiceUnavailable),
			want: "unitbridge.error.service_unavailable",
		},
		{
			name: "bus call failed",
			err:  fmt.Errorf("%w: start nginx.service", domain.ErrBusCallFailed),
			want: "unitbridge.error.bus_call_failed",
		},
		{
			name: "unclassified error falls back to bus_call_failed",
			err:  errors.New("something else entirely"),
			want: "unitbridge.error.bus_call_failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := u.ErrorURI(tt.err); got != tt.want {
				t.Errorf("ErrorURI() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestUnitKeyArg(t *testing.T) {
	tests := []struct {
		name    string
		args    wamp.List
		wantKey domain.UnitKey
		wantErr bool
	}{
		{name: "valid key", args: wamp.List{"web"}, wantKey: "web"},
		{name: "no arguments", args: wamp.List{}, wantErr: true},
		{name: "empty string", args: wamp.List{""}, wantErr: true},
		{name: "non-string argument", args: wamp.List{42}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, res := unitKeyArg(&wamp.Invocation{Arguments: tt.args})
			if tt.wantErr {
				if res == nil {
					t.Fatal("unitKeyArg() should have returned an error result")
				}
				if res.Err != wamp.ErrInvalidArgument {
					t.Errorf("unitKeyArg() error URI = %v, want %v", res.Err, wamp.ErrInvalidArgument)
				}
				return
			}
			if res != nil {
				t.Fatalf("unitKeyArg() unexpected error result %v", res.Err)
			}
			if key != tt.wantKey {
				t.Errorf("unitKeyArg() = %v, want %v", key, tt.wantKey)
			}
		})
	}
}
