package domain

// UnitKey is the bridge's logical identifier for a tracked unit. Keys are
// administrator-assigned in the config file and stable for the process
// lifetime; they are independent of the systemd unit name.
type UnitKey string

// PropertyMap is the full decoded property set of one unit, as returned by
// a GetAll call on the unit object.
type PropertyMap map[string]any

// PropertyDelta is the partial set of changed properties carried by a single
// PropertiesChanged signal. Applied by merging, overwrite on collision.
type PropertyDelta map[string]any

// Property names this daemon projects into a Snapshot.
const (
	PropDescription   = "Description"
	PropActiveState   = "ActiveState"
	PropSubState      = "SubState"
	PropUnitFileState = "UnitFileState"
)

// Snapshot is the last-known typed view of one unit.
//
// Name mirrors the catalog, not the bus, and never changes once the snapshot
// exists. The remaining fields are populated from one GetAll call and updated
// in place as change signals arrive. Snapshots are never deleted; a unit that
// disappears externally keeps stale values until the next refresh.
type Snapshot struct {
	Name          string
	Description   string
	ActiveState   string
	SubState      string
	UnitFileState string
}

// NewSnapshot builds a snapshot for a unit from a freshly fetched property set.
func NewSnapshot(name string, props PropertyMap) Snapshot {
	return Snapshot{
		Name:          name,
		Description:   stringProp(props, PropDescription),
		ActiveState:   stringProp(props, PropActiveState),
		SubState:      stringProp(props, PropSubState),
		UnitFileState: stringProp(props, PropUnitFileState),
	}
}

// Apply merges a delta into the snapshot. Only the projected fields are
// considered; Name is immutable and never touched.
func (s *Snapshot) Apply(delta PropertyDelta) {
	if v, ok := asString(delta[PropDescription]); ok {
		s.Description = v
	}
	if v, ok := asString(delta[PropActiveState]); ok {
		s.ActiveState = v
	}
	if v, ok := asString(delta[PropSubState]); ok {
		s.SubState = v
	}
	if v, ok := asString(delta[PropUnitFileState]); ok {
		s.UnitFileState = v
	}
}

// View flattens the snapshot into the wire shape used by list_units replies
// and the HTTP debug endpoint.
func (s Snapshot) View() map[string]any {
	return map[string]any{
		"Name":          s.Name,
		"Description":   s.Description,
		"ActiveState":   s.ActiveState,
		"SubState":      s.SubState,
		"UnitFileState": s.UnitFileState,
	}
}

func stringProp(props PropertyMap, name string) string {
	v, _ := asString(props[name])
	return v
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}
