package tenancy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pavitra93/go-brewery-tenancy/shared/apperr"
	"github.com/pavitra93/go-brewery-tenancy/shared/metrics"
	"github.com/pavitra93/go-brewery-tenancy/shared/models"
	"github.com/pavitra93/go-brewery-tenancy/shared/utils"
)

// Request inputs consulted by the resolver.
const (
	TenantSlugHeader = "X-Tenant-Slug"
	TenantQueryParam = "tenant"
)

// Source names the strategy that produced a resolution.
type Source string

const (
	SourceNone      Source = "none"
	SourceClaim     Source = "claim"
	SourceSubdomain Source = "subdomain"
	SourceHeader    Source = "header"
	SourceQuery     Source = "query"
)

var reservedSubdomains = map[string]bool{
	"www":   true,
	"api":   true,
	"admin": true,
}

// RequestContext is everything resolution may look at. Callers build it
// explicitly from the request; nothing is read from ambient state.
type RequestContext struct {
	// ClaimTenantID comes from an already-validated access token.
	ClaimTenantID string
	Host          string
	HeaderSlug    string
	QuerySlug     string
}

// Resolution is the outcome of Resolve. Tenant is nil when nothing matched.
type Resolution struct {
	Tenant *models.Tenant
	Source Source
}

// Lookup is the uncached tenant source.
type Lookup interface {
	ByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	BySlug(ctx context.Context, slug string) (*models.Tenant, error)
	BySubdomain(ctx context.Context, subdomain string) (*models.Tenant, error)
}

// Resolver determines the tenant of a request and caches lookups.
type Resolver struct {
	lookup     Lookup
	cache      *utils.Cache
	baseDomain string
	ttl        time.Duration
	log        logrus.FieldLogger
}

// NewResolver creates a resolver. A nil cache disables caching.
func NewResolver(lookup Lookup, cache *utils.Cache, baseDomain string, ttl time.Duration, log logrus.FieldLogger) *Resolver {
	return &Resolver{
		lookup:     lookup,
		cache:      cache,
		baseDomain: strings.ToLower(strings.TrimPrefix(baseDomain, ".")),
		ttl:        ttl,
		log:        log,
	}
}

// Resolve applies the strategies in order: token claim, host subdomain,
// slug header, slug query parameter. The first that finds an active tenant
// wins. No match yields a nil tenant and a nil error.
func (r *Resolver) Resolve(ctx context.Context, rc RequestContext) (*Resolution, error) {
	steps := []struct {
		source Source
		find   func() (*models.Tenant, error)
	}{
		{SourceClaim, func() (*models.Tenant, error) {
			if rc.ClaimTenantID == "" {
				return nil, nil
			}
			id, err := uuid.Parse(rc.ClaimTenantID)
			if err != nil {
				return nil, nil
			}
			return r.ByID(ctx, id)
		}},
		{SourceSubdomain, func() (*models.Tenant, error) {
			sub := r.SubdomainFromHost(rc.Host)
			if sub == "" {
				return nil, nil
			}
			return r.BySubdomain(ctx, sub)
		}},
		{SourceHeader, func() (*models.Tenant, error) {
			return r.bySlugInput(ctx, rc.HeaderSlug)
		}},
		{SourceQuery, func() (*models.Tenant, error) {
			return r.bySlugInput(ctx, rc.QuerySlug)
		}},
	}

	for _, step := range steps {
		t, err := step.find()
		if apperr.Is(err, apperr.KindNotFound) {
			continue
		}
		if err != nil {
			return nil, apperr.Wrap(apperr.KindUnavailable, "tenancy.Resolve", err)
		}
		if t != nil {
			metrics.RecordResolution(string(step.source))
			return &Resolution{Tenant: t, Source: step.source}, nil
		}
	}

	metrics.RecordResolution(string(SourceNone))
	return &Resolution{Source: SourceNone}, nil
}

// Require resolves and fails with TenantResolutionFailure when nothing matched.
func (r *Resolver) Require(ctx context.Context, rc RequestContext) (*Resolution, error) {
	res, err := r.Resolve(ctx, rc)
	if err != nil {
		return nil, err
	}
	if res.Tenant == nil {
		return nil, apperr.New(apperr.KindTenantResolutionFailure, "tenancy.Require")
	}
	return res, nil
}

func (r *Resolver) bySlugInput(ctx context.Context, raw string) (*models.Tenant, error) {
	slug := strings.ToLower(strings.TrimSpace(raw))
	if slug == "" {
		return nil, nil
	}
	return r.BySlug(ctx, slug)
}

// SubdomainFromHost returns the tenant label of host, or "" when host is not
// under the base domain, has fewer than three labels, or uses a reserved label.
func (r *Resolver) SubdomainFromHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(host, ".")
	if r.baseDomain == "" || !strings.HasSuffix(host, "."+r.baseDomain) {
		return ""
	}

	labels := strings.Split(host, ".")
	if len(labels) < 3 {
		return ""
	}
	first := labels[0]
	if first == "" || reservedSubdomains[first] {
		return ""
	}
	return first
}

// ByID returns an active tenant by id, using the cache.
func (r *Resolver) ByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	return r.cached(ctx, idKey(id.String()), func() (*models.Tenant, error) {
		return r.lookup.ByID(ctx, id)
	})
}

// BySlug returns an active tenant by slug, using the cache.
func (r *Resolver) BySlug(ctx context.Context, slug string) (*models.Tenant, error) {
	return r.cached(ctx, slugKey(slug), func() (*models.Tenant, error) {
		return r.lookup.BySlug(ctx, slug)
	})
}

// BySubdomain returns an active tenant by subdomain, using the cache.
func (r *Resolver) BySubdomain(ctx context.Context, subdomain string) (*models.Tenant, error) {
	return r.cached(ctx, subdomainKey(subdomain), func() (*models.Tenant, error) {
		return r.lookup.BySubdomain(ctx, subdomain)
	})
}

// Invalidate drops every cached entry for t. Failures are logged, not returned;
// a stale read for up to one TTL is acceptable.
func (r *Resolver) Invalidate(ctx context.Context, tenants ...*models.Tenant) {
	if r.cache == nil {
		return
	}
	var keys []string
	for _, t := range tenants {
		if t == nil {
			continue
		}
		keys = append(keys, idKey(t.ID.String()), slugKey(t.Slug))
		if sub := t.SubdomainValue(); sub != "" {
			keys = append(keys, subdomainKey(sub))
		}
	}
	if err := r.cache.Delete(ctx, keys...); err != nil {
		r.log.WithError(err).WithField("keys", keys).Warn("failed to invalidate tenant cache")
	}
}

func (r *Resolver) cached(ctx context.Context, key string, load func() (*models.Tenant, error)) (*models.Tenant, error) {
	if r.cache != nil {
		var t models.Tenant
		err := r.cache.GetJSON(ctx, key, &t)
		if err == nil {
			return &t, nil
		}
		if !errors.Is(err, utils.ErrCacheMiss) {
			r.log.WithError(err).WithField("key", key).Warn("tenant cache read failed")
		}
	}

	t, err := load()
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		if err := r.cache.SetJSON(ctx, key, t, r.ttl); err != nil {
			r.log.WithError(err).WithField("key", key).Warn("tenant cache write failed")
		}
	}
	return t, nil
}

func idKey(id string) string { return fmt.Sprintf("tenant:id:%s", id) }
func slugKey(slug string) string { return fmt.Sprintf("tenant:slug:%s", slug) }
func subdomainKey(sub string) string { return fmt.Sprintf("tenant:subdomain:%s", sub) }
