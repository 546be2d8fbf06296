package redis

const (
	// KeyPrefixUnit is the prefix for per-unit snapshot keys
	KeyPrefixUnit = "unitbridge:unit:"
	// KeyAllUnits is the key for the set of all tracked unit keys
	KeyAllUnits = "unitbridge:units:all"
)

// UnitKey returns the redis key for one unit's last-known snapshot.
func UnitKey(key string) string {
	return KeyPrefixUnit + key
}

// AllUnitsKey returns the key for the set of all tracked unit keys.
func AllUnitsKey() string {
	return KeyAllUnits
}
