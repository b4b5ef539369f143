package tenant

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bunker-saas/bunker/internal/models"
	"github.com/bunker-saas/bunker/internal/storage"
)

func TestNormalizeHost(t *testing.T) {
	cases := map[string]string{
		"":                  "",
		"Acme.com":          "acme.com",
		"www.acme.com":      "acme.com",
		"WWW.Acme.com:8443": "acme.com",
		"localhost:3000":    "localhost",
		" shop.acme.com ":   "shop.acme.com",
		"[::1]:3000":        "::1",
		"wwwacme.com":       "wwwacme.com",
		"bunker.vercel.app": "bunker.vercel.app",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeHost(in), "input %q", in)
	}
}

type mapCache struct {
	mu      sync.Mutex
	entries map[string]*models.CompanyRef
	gets    int
}

func newMapCache() *mapCache {
	return &mapCache{entries: make(map[string]*models.CompanyRef)}
}

func (c *mapCache) Get(ctx context.Context, host string) (*models.CompanyRef, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	ref, ok := c.entries[host]
	if !ok {
		return nil, ErrCacheMiss
	}
	return ref, nil
}

func (c *mapCache) Set(ctx context.Context, host string, ref *models.CompanyRef) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[host] = ref
	return nil
}

func (c *mapCache) Delete(ctx context.Context, host string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, host)
	return nil
}

func TestResolverByHost(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	company := &models.Company{Name: "Acme", Domain: "acme.com"}
	require.NoError(t, store.CreateCompany(ctx, company))

	cache := newMapCache()
	r := NewResolver(store, cache)

	ref, err := r.ByHost(ctx, "www.ACME.com:443")
	require.NoError(t, err)
	assert.Equal(t, company.ID, ref.ID)
	assert.Contains(t, cache.entries, "acme.com")

	_, err = r.ByHost(ctx, "unknown.com")
	assert.ErrorIs(t, err, ErrUnknownHost)

	_, err = r.ByHost(ctx, "")
	assert.ErrorIs(t, err, ErrUnknownHost)

	r.Invalidate(ctx, "acme.com")
	assert.NotContains(t, cache.entries, "acme.com")
}

func TestResolverByRequest(t *testing.T) {
	store := storage.NewMemoryStore()
	company := &models.Company{Name: "Acme", Domain: "acme.com"}
	require.NoError(t, store.CreateCompany(context.Background(), company))

	req := httptest.NewRequest("GET", "http://www.acme.com/api/session", nil)
	ref, err := NewResolver(store, nil).ByRequest(req)
	require.NoError(t, err)
	assert.Equal(t, "acme.com", ref.Domain)
}

func TestResolverServesFromCache(t *testing.T) {
	cache := newMapCache()
	cached := &models.CompanyRef{Name: "Cached", Domain: "cached.com"}
	cache.entries["cached.com"] = cached

	ref, err := NewResolver(storage.NewMemoryStore(), cache).ByHost(context.Background(), "cached.com")
	require.NoError(t, err)
	assert.Same(t, cached, ref)
}

func TestResolverDegradesWhenRedisIsDown(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	company := &models.Company{Name: "Acme", Domain: "acme.com"}
	require.NoError(t, store.CreateCompany(ctx, company))

	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	r := NewResolver(store, NewRedisCache(client, time.Minute))
	ref, err := r.ByHost(ctx, "acme.com")
	require.NoError(t, err)
	assert.Equal(t, company.ID, ref.ID)

	r.Invalidate(ctx, "acme.com")
}
