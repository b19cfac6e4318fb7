// Package kv keeps JetStream KV backed indexes.
package kv

import (
	"context"
	"errors"
	"sort"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/openjobspec/ojs-pubsub-jobs/internal/core"
	"github.com/openjobspec/ojs-pubsub-jobs/internal/pubsub"
)

// BucketDeadLetters holds one entry per dead-lettered message.
const BucketDeadLetters = "ojs-dead-letters"

// DeadLetterIndex records dead-lettered messages so operators can list them.
type DeadLetterIndex struct {
	store *Store
}

// NewDeadLetterIndex wraps a store.
func NewDeadLetterIndex(store *Store) *DeadLetterIndex {
	return &DeadLetterIndex{store: store}
}

// OpenDeadLetterIndex creates the bucket if needed.
func OpenDeadLetterIndex(ctx context.Context, js jetstream.JetStream) (*DeadLetterIndex, error) {
	store, err := Open(ctx, js, jetstream.KeyValueConfig{
		Bucket:      BucketDeadLetters,
		Description: "dead-lettered job messages",
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, err
	}
	return NewDeadLetterIndex(store), nil
}

// Record stores entry under entry.Key. Recording the same key twice is a no-op.
func (d *DeadLetterIndex) Record(ctx context.Context, entry pubsub.DeadLetter) error {
	_, err := d.store.CreateJSON(ctx, entry.Key, &entry)
	if errors.Is(err, jetstream.ErrKeyExists) {
		return nil
	}
	return err
}

// List returns entries ordered by key.
func (d *DeadLetterIndex) List(ctx context.Context, limit, offset int) ([]pubsub.DeadLetter, int, error) {
	keys, err := d.store.Keys(ctx)
	if err != nil {
		return nil, 0, err
	}

	total := len(keys)
	sort.Strings(keys)

	if offset >= total {
		return []pubsub.DeadLetter{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}

	entries := make([]pubsub.DeadLetter, 0, end-offset)
	for _, key := range keys[offset:end] {
		var entry pubsub.DeadLetter
		if _, err := d.store.GetJSON(ctx, key, &entry); err == nil {
			entries = append(entries, entry)
		}
	}
	return entries, total, nil
}

// Delete removes an entry.
func (d *DeadLetterIndex) Delete(ctx context.Context, key string) error {
	if !d.store.Exists(ctx, key) {
		return core.NewNotFoundError("Dead letter", key)
	}
	return d.store.Delete(ctx, key)
}
