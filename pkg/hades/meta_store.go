// Package hades tracks per-message delivery state. Each queue keeps one
// Redis hash mapping message ID to a JSON metadata record: attempt count,
// dequeue timestamp, last error and the pristine original message used
// when an entry must be restored.
package hades

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/acheron-mq/acheron/pkg/domain"
	"github.com/acheron-mq/acheron/pkg/styx"
)

// Store reads and writes one queue's metadata hash.
type Store struct {
	sub *styx.Substrate
	key string
}

// NewStore creates a Store over the given metadata hash key.
func NewStore(sub *styx.Substrate, key string) *Store {
	return &Store{sub: sub, key: key}
}

// Key returns the underlying hash key.
func (s *Store) Key() string {
	return s.key
}

// Get fetches the metadata record for a message. Missing records return
// nil without an error.
func (s *Store) Get(ctx context.Context, id string) (*domain.Meta, error) {
	raw, err := s.sub.HashGet(ctx, s.key, id)
	if styx.IsNil(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var meta domain.Meta
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		return nil, fmt.Errorf("failed to decode metadata for %s: %w", id, err)
	}
	return &meta, nil
}

// Put stores the metadata record for a message, replacing any previous one.
func (s *Store) Put(ctx context.Context, id string, meta *domain.Meta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode metadata for %s: %w", id, err)
	}
	return s.sub.HashSet(ctx, s.key, id, string(data))
}

// Delete removes metadata records. Unknown IDs are ignored.
func (s *Store) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.sub.HashDelete(ctx, s.key, ids...)
}

// Len returns the number of tracked messages.
func (s *Store) Len(ctx context.Context) (int64, error) {
	return s.sub.HashLen(ctx, s.key)
}

// All returns every decodable metadata record keyed by message ID.
// Records that fail to decode are skipped.
func (s *Store) All(ctx context.Context) (map[string]*domain.Meta, error) {
	raw, err := s.sub.HashGetAll(ctx, s.key)
	if err != nil {
		return nil, err
	}

	out := make(map[string]*domain.Meta, len(raw))
	for id, val := range raw {
		var meta domain.Meta
		if err := json.Unmarshal([]byte(val), &meta); err != nil {
			continue
		}
		out[id] = &meta
	}
	return out, nil
}

// SetLastError records the most recent handler failure for a message,
// creating the record if none exists yet.
func (s *Store) SetLastError(ctx context.Context, id, message string) error {
	meta, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if meta == nil {
		meta = &domain.Meta{}
	}
	meta.LastError = message
	return s.Put(ctx, id, meta)
}

// SetAckTimeout overrides the ack timeout for an in-flight message,
// creating the record if none exists yet.
func (s *Store) SetAckTimeout(ctx context.Context, id string, seconds float64) error {
	meta, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if meta == nil {
		meta = &domain.Meta{}
	}
	meta.CustomAckTimeout = &seconds
	return s.Put(ctx, id, meta)
}
