package state

import (
	"context"
)

// Store is a key-value checkpoint store used to survive restarts. Values are
// JSON-encoded; keys are namespaced by attribute and pair, eg.
// "market/close_times/BTC-ETH".
type Store interface {
	Save(ctx context.Context, key string, value interface{}) error
	// Load decodes the stored value into dest and reports whether the key existed.
	Load(ctx context.Context, key string, dest interface{}) (bool, error)
	Delete(ctx context.Context, key string) error
}

// Key builds a namespaced checkpoint key.
func Key(parts ...string) string {
	key := ""
	for i, part := range parts {
		if i > 0 {
			key += "/"
		}
		key += part
	}
	return key
}
