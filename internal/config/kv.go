package config

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/steveyegge/offsync/internal/store"
)

// KV is the key-value storage holding the replica id and config overrides.
type KV interface {
	GetKV(ctx context.Context, key string) (string, bool, error)
	SetKV(ctx context.Context, key, value string) error
}

// ClientID returns the replica id stored in kv, generating and persisting
// one on first use. A non-empty override wins and is not stored.
func ClientID(ctx context.Context, kv KV, override string) (string, error) {
	if override != "" {
		return override, nil
	}
	id, ok, err := kv.GetKV(ctx, store.KeyClientID)
	if err != nil {
		return "", fmt.Errorf("failed to read client id: %w", err)
	}
	if ok && id != "" {
		return id, nil
	}
	id = uuid.NewString()
	if err := kv.SetKV(ctx, store.KeyClientID, id); err != nil {
		return "", fmt.Errorf("failed to save client id: %w", err)
	}
	return id, nil
}

// LoadOverrides returns the overrides saved by SaveOverrides.
func LoadOverrides(ctx context.Context, kv KV) (Partial, error) {
	raw, ok, err := kv.GetKV(ctx, store.KeyConfigOverrides)
	if err != nil || !ok {
		return Partial{}, err
	}
	var p Partial
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Partial{}, fmt.Errorf("failed to decode config overrides: %w", err)
	}
	return p, nil
}

// SaveOverrides persists p, replacing earlier overrides.
func SaveOverrides(ctx context.Context, kv KV, p Partial) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode config overrides: %w", err)
	}
	return kv.SetKV(ctx, store.KeyConfigOverrides, string(raw))
}
