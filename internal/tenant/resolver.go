package tenant

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/bunker-saas/bunker/internal/models"
	"github.com/bunker-saas/bunker/internal/storage"
)

// ErrUnknownHost is returned when no company owns the request host
var ErrUnknownHost = errors.New("company not found for host")

// NormalizeHost lower-cases a host, drops the port and a leading "www."
func NormalizeHost(raw string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return ""
	}
	if h, _, err := net.SplitHostPort(raw); err == nil {
		raw = h
	} else if i := strings.IndexByte(raw, ':'); i >= 0 && !strings.Contains(raw[i+1:], ":") {
		raw = raw[:i]
	}
	return strings.TrimPrefix(raw, "www.")
}

// Cache stores host resolutions
type Cache interface {
	Get(ctx context.Context, host string) (*models.CompanyRef, error)
	Set(ctx context.Context, host string, ref *models.CompanyRef) error
	Delete(ctx context.Context, host string) error
}

// ErrCacheMiss is returned by Cache.Get when the host is not cached
var ErrCacheMiss = errors.New("cache miss")

// Resolver maps request hosts to companies
type Resolver struct {
	store storage.Store
	cache Cache
}

// NewResolver creates a resolver. cache may be nil.
func NewResolver(store storage.Store, cache Cache) *Resolver {
	return &Resolver{store: store, cache: cache}
}

// ByHost resolves a raw Host header value to a company
func (r *Resolver) ByHost(ctx context.Context, rawHost string) (*models.CompanyRef, error) {
	host := NormalizeHost(rawHost)
	if host == "" {
		return nil, ErrUnknownHost
	}

	if r.cache != nil {
		ref, err := r.cache.Get(ctx, host)
		if err == nil {
			return ref, nil
		}
		if !errors.Is(err, ErrCacheMiss) {
			log.Warn().Err(err).Str("host", host).Msg("Tenant cache read failed")
		}
	}

	company, err := r.store.GetCompanyByDomain(ctx, host)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrUnknownHost
		}
		return nil, fmt.Errorf("lookup company %q: %w", host, err)
	}

	ref := company.Ref()
	if r.cache != nil {
		if err := r.cache.Set(ctx, host, ref); err != nil {
			log.Warn().Err(err).Str("host", host).Msg("Tenant cache write failed")
		}
	}

	return ref, nil
}

// ByRequest resolves the company owning r.Host
func (r *Resolver) ByRequest(req *http.Request) (*models.CompanyRef, error) {
	return r.ByHost(req.Context(), req.Host)
}

// Invalidate drops a cached resolution
func (r *Resolver) Invalidate(ctx context.Context, rawHost string) {
	if r.cache == nil {
		return
	}
	host := NormalizeHost(rawHost)
	if host == "" {
		return
	}
	if err := r.cache.Delete(ctx, host); err != nil {
		log.Warn().Err(err).Str("host", host).Msg("Tenant cache invalidation failed")
	}
}
