// Package kv defines the key-value persistence hook used for checkpoints,
// journals and graph snapshots, plus several backends for it.
package kv

import (
	"context"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Store is a minimal key-value store. Get reports whether the key exists
// rather than returning an error for missing keys.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// GetJSON reads and decodes a JSON value. It returns false if the key is
// not present.
func GetJSON(ctx context.Context, s Store, key string, v any) (bool, error) {
	data, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return ok, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes v as JSON and stores it.
func SetJSON(ctx context.Context, s Store, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return s.Set(ctx, key, data)
}

// Prefixed scopes every key of a store under a namespace.
type Prefixed struct {
	store  Store
	prefix string
}

// WithPrefix returns a store that prepends prefix and a slash to every key.
func WithPrefix(s Store, prefix string) *Prefixed {
	return &Prefixed{store: s, prefix: strings.TrimSuffix(prefix, "/") + "/"}
}

func (p *Prefixed) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return p.store.Get(ctx, p.prefix+key)
}

func (p *Prefixed) Set(ctx context.Context, key string, value []byte) error {
	return p.store.Set(ctx, p.prefix+key, value)
}

func (p *Prefixed) Delete(ctx context.Context, key string) error {
	return p.store.Delete(ctx, p.prefix+key)
}
