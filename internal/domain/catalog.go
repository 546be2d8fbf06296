package domain

import (
	"fmt"
	"sort"
)

// Catalog is the fixed mapping from unit key to the fully-qualified systemd
// unit name. It is built once from the config file and read-only afterwards.
// A lookup miss is a caller/configuration error, never recovered silently.
type Catalog map[UnitKey]string

// NewCatalog copies the config-level units mapping into a Catalog.
func NewCatalog(units map[string]string) Catalog {
	c := make(Catalog, len(units))
	for key, name := range units {
		c[UnitKey(key)] = name
	}
	return c
}

// Resolve returns the unit name for key.
func (c Catalog) Resolve(key UnitKey) (string, error) {
	name, ok := c[key]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownUnitKey, key)
	}
	return name, nil
}

// Keys returns all catalog keys in stable order.
func (c Catalog) Keys() []UnitKey {
	keys := make([]UnitKey, 0, len(c))
	for key := range c {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
