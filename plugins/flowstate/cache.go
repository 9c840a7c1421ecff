package flowstate

import (
	"context"
	"time"

	"github.com/vlevchine/InGear/errors"
	"github.com/vlevchine/InGear/plugins/storage"
)

const keyPrefix = "flow:"

// NewCacheBackend stores flow states in a shared storage.Cache.
func NewCacheBackend(cache storage.Cache) *CacheBackend {
	return &CacheBackend{cache: cache}
}

// CacheBackend keeps flow states consistent across instances.
type CacheBackend struct {
	cache storage.Cache
}

func (c *CacheBackend) Put(ctx context.Context, fs FlowState, ttl time.Duration) error {
	key := keyPrefix + fs.StateToken
	fields := map[string]string{
		"kind":         fs.Kind.String(),
		"scope":        fs.Scope,
		"redirect_uri": fs.RedirectURI,
		"page_uri":     fs.PageURI,
		"created_at":   fs.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	return storage.Save(ctx, c.cache, key, fields, ttl)
}

func (c *CacheBackend) Get(ctx context.Context, token string) (FlowState, bool, error) {
	fields, err := c.cache.Get(ctx, keyPrefix+token)
	if errors.Is(err, storage.ErrNotFound) {
		return FlowState{}, false, nil
	}
	if err != nil {
		return FlowState{}, false, err
	}

	kind, err := ParseKind(fields["kind"])
	if err != nil {
		return FlowState{}, false, err
	}
	created, err := time.Parse(time.RFC3339Nano, fields["created_at"])
	if err != nil {
		return FlowState{}, false, errors.WrapPrefix(err, "flowstate: corrupt created_at", 0).WithKind(errors.Store)
	}
	return FlowState{
		StateToken:  token,
		Kind:        kind,
		Scope:       fields["scope"],
		RedirectURI: fields["redirect_uri"],
		PageURI:     fields["page_uri"],
		CreatedAt:   created,
	}, true, nil
}

func (c *CacheBackend) Delete(ctx context.Context, token string) error {
	_, err := c.cache.Delete(ctx, keyPrefix+token)
	return err
}

// Close is a no-op; the cache belongs to the storage plugin.
func (c *CacheBackend) Close() error {
	return nil
}
