// Package storage defines the record cache shared by the session keyspaces and
// the distributed flow-state backend.
//
// Records are flat field maps ("hashes") addressed by key. Every write is
// followed by an explicit TTL, and callers treat the pair as one operation
// through Save:
//
//	if err := storage.Save(ctx, cache, key, fields, ttl); err != nil { ... }
//
// Register an implementation with the server so that other plugins can find
// it:
//
//	ingear.WithPlugin(storage.Plugin(redisstore.New(client)))
//
//	func (p *MyPlugin) Init(ctx context.Context, r *ingear.Registry) error {
//		p.cache = r.Get(storage.PluginName).(*storage.StoragePlugin).Cache
//	}
package storage

import (
	"context"
	"time"

	ingear "github.com/vlevchine/InGear"
	"github.com/vlevchine/InGear/errors"
	"github.com/vlevchine/InGear/logging"
)

// PluginName can be used to query the storage plugin.
const PluginName = "storage"

var (
	// ErrNotFound is returned when no record exists for a key.
	ErrNotFound = errors.NewK("storage: record not found", errors.NotFound)

	// ErrNotConfirmed is returned when the backend accepted a command but did
	// not confirm its effect, e.g. EXPIRE on a key that vanished.
	ErrNotConfirmed = errors.NewK("storage: write not confirmed", errors.Store)

	// ErrUnavailable wraps transport failures talking to the backend.
	ErrUnavailable = errors.NewK("storage: backend unavailable", errors.Store)
)

// Cache stores hash records with a TTL.
type Cache interface {
	// Put replaces the record at key with fields. Existing fields that are not
	// in fields are removed.
	Put(ctx context.Context, key string, fields map[string]string) error

	// Expire sets the TTL of an existing record. Returns ErrNotConfirmed if
	// the record does not exist.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Get returns all fields of the record at key, or ErrNotFound.
	Get(ctx context.Context, key string) (map[string]string, error)

	// Exists reports whether a live record is stored at key.
	Exists(ctx context.Context, key string) (bool, error)

	// Delete removes the record at key and reports whether one existed.
	Delete(ctx context.Context, key string) (bool, error)

	// Close releases the backend connection.
	Close() error
}

// Save writes fields at key and sets ttl. If the TTL is not confirmed the
// record is removed again, so a failed save never leaves a record behind that
// does not expire.
func Save(ctx context.Context, c Cache, key string, fields map[string]string, ttl time.Duration) error {
	if err := c.Put(ctx, key, fields); err != nil {
		return err
	}
	if err := c.Expire(ctx, key, ttl); err != nil {
		if _, delErr := c.Delete(ctx, key); delErr != nil {
			logging.Errorw(ctx, "storage: failed to remove record without TTL", "error", delErr, "key", key)
		}
		return err
	}
	return nil
}

// Plugin wraps a cache implementation for registration.
func Plugin(impl Cache) *StoragePlugin {
	return &StoragePlugin{Cache: impl}
}

// StoragePlugin exposes a Cache to other plugins.
type StoragePlugin struct {
	Cache
}

// From ingear.Plugin.
func (p *StoragePlugin) Name() string {
	return PluginName
}

// From ingear.ShutdownPlugin.
func (p *StoragePlugin) Shutdown(ctx context.Context) error {
	return p.Cache.Close()
}

// FromRegistry returns the registered cache.
func FromRegistry(r *ingear.Registry) (Cache, error) {
	p, ok := r.Get(PluginName).(*StoragePlugin)
	if !ok || p.Cache == nil {
		return nil, errors.New("storage: plugin not registered")
	}
	return p.Cache, nil
}
