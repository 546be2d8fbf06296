package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/unitbridge/unitbridge/internal/domain"
)

// DefaultSnapshotTTL is the default TTL for stored snapshots. Entries expire
// eventually so redis never accumulates units removed from the config.
const DefaultSnapshotTTL = 48 * time.Hour

// Store persists the flattened last-known view of each unit so external
// readers (dashboards, scripts) can see current state without holding a WAMP
// session. This is a read-side convenience: nothing in the bridge is ever
// loaded back from here.
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStore creates a snapshot store. ttl <= 0 selects DefaultSnapshotTTL.
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultSnapshotTTL
	}
	return &Store{client: client, ttl: ttl}
}

// SaveSnapshot stores the unit's current view and records the key in the
// all-units set.
func (s *Store) SaveSnapshot(ctx context.Context, key domain.UnitKey, snap domain.Snapshot) error {
	data, err := json.Marshal(snap.View())
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := s.client.Set(ctx, UnitKey(string(key)), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}

	if err := s.client.SAdd(ctx, AllUnitsKey(), string(key)).Err(); err != nil {
		return fmt.Errorf("failed to add unit to set: %w", err)
	}

	return nil
}

// GetSnapshot retrieves the stored view for one unit key.
func (s *Store) GetSnapshot(ctx context.Context, key domain.UnitKey) (map[string]any, error) {
	data, err := s.client.Get(ctx, UnitKey(string(key))).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("snapshot not found: %s", key)
		}
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	var view map[string]any
	if err := json.Unmarshal(data, &view); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return view, nil
}
