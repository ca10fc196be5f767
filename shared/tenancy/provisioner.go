package tenancy

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pavitra93/go-brewery-tenancy/shared/apperr"
	"github.com/pavitra93/go-brewery-tenancy/shared/config"
	"github.com/pavitra93/go-brewery-tenancy/shared/metrics"
	"github.com/pavitra93/go-brewery-tenancy/shared/models"
	"github.com/pavitra93/go-brewery-tenancy/shared/utils"
)

const (
	subdomainConstraint = "idx_tenants_subdomain"
	maxSlugSuffix       = 1000
	provisionTimeout    = 30 * time.Second
)

// Provisioning outcomes reported to metrics.
const (
	outcomeSuccess   = "success"
	outcomeExhausted = "exhausted"
	outcomeFailed    = "failed"
	outcomeInvalid   = "invalid"
)

// ProvisionStore is the persistence the provisioner needs. Repository implements it.
type ProvisionStore interface {
	SlugExists(ctx context.Context, slug string) (bool, error)
	InsertTenant(ctx context.Context, t *models.Tenant) error
	DeleteTenant(ctx context.Context, id uuid.UUID) error
	SeedRolesAndOwner(ctx context.Context, tenant *models.Tenant, roles []RoleDefinition, owner *models.TenantUser) (*models.TenantRole, error)
}

// CacheInvalidator drops cached lookups for tenants. Resolver implements it.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, tenants ...*models.Tenant)
}

// Request describes a tenant to create.
type Request struct {
	Name          string
	Slug          string
	Subdomain     string
	Domain        string
	PlanType      string
	Timezone      string
	Locale        string
	BillingEmail  string
	PaymentMethod string
	Owner         *models.User
}

// Result is a provisioned tenant with its owner association.
type Result struct {
	Tenant          *models.Tenant
	OwnerMembership *models.TenantUser
	OwnerRole       *models.TenantRole
	Attempts        int
	// BillingErr is set when the subscription could not be attached. The
	// tenant itself is committed regardless.
	BillingErr error
}

// Provisioner creates tenants. Slug uniqueness is enforced by the store's
// unique index; the provisioner retries on a lost race.
type Provisioner struct {
	store   ProvisionStore
	schemas SchemaManager
	caches  CacheInvalidator
	billing BillingProvider
	breaker *utils.CircuitBreaker
	log     logrus.FieldLogger

	maxAttempts int
	backoff     time.Duration
	defaultPlan string

	sleep  func(time.Duration)
	randMu sync.Mutex
	rnd    *rand.Rand
}

// NewProvisioner wires a provisioner. caches and billing may be nil.
func NewProvisioner(store ProvisionStore, schemas SchemaManager, caches CacheInvalidator, billing BillingProvider, cfg *config.TenancyConfig, log logrus.FieldLogger) *Provisioner {
	if billing == nil {
		billing = NoopBilling{}
	}
	attempts := cfg.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	plan := cfg.DefaultPlan
	if plan == "" {
		plan = "free"
	}
	return &Provisioner{
		store:       store,
		schemas:     schemas,
		caches:      caches,
		billing:     billing,
		breaker:     utils.NewCircuitBreaker("billing", 5, 30*time.Second),
		log:         log,
		maxAttempts: attempts,
		backoff:     cfg.RetryBackoff,
		defaultPlan: plan,
		sleep:       time.Sleep,
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Provision runs the creation flow:
//
//	pick slug -> insert -> {collision: retry | error: fail}
//	-> create schema -> seed roles + owner -> invalidate caches -> billing
//
// Any failure after the insert deletes the tenant row again. The caller's
// cancellation is not propagated; a started flow runs to completion.
func (p *Provisioner) Provision(ctx context.Context, req Request) (*Result, error) {
	const op = "tenancy.Provision"

	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		metrics.RecordProvisioning(outcomeInvalid)
		return nil, apperr.Errorf(apperr.KindInvalidInput, op, "name is required")
	}
	if req.Owner == nil || req.Owner.ID == uuid.Nil {
		metrics.RecordProvisioning(outcomeInvalid)
		return nil, apperr.Errorf(apperr.KindInvalidInput, op, "owner is required")
	}

	base := Slugify(req.Slug)
	if strings.TrimSpace(req.Slug) == "" {
		base = Slugify(req.Name)
	}
	if base == "" {
		metrics.RecordProvisioning(outcomeInvalid)
		return nil, apperr.Errorf(apperr.KindInvalidInput, op, "cannot derive a slug from %q", req.Name)
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), provisionTimeout)
	defer cancel()

	tenant, attempts, err := p.insertWithRetry(ctx, base, req)
	if err != nil {
		return nil, err
	}
	log := p.log.WithFields(logrus.Fields{"tenant_id": tenant.ID, "slug": tenant.Slug})

	if err := p.schemas.CreateSchema(ctx, tenant); err != nil {
		p.compensate(ctx, tenant, false)
		metrics.RecordProvisioning(outcomeFailed)
		log.WithError(err).Error("schema creation failed, tenant rolled back")
		return nil, apperr.Wrap(apperr.KindProvisioningFailure, op, err)
	}

	now := time.Now().UTC()
	owner := &models.TenantUser{
		ID:       uuid.New(),
		TenantID: tenant.ID,
		UserID:   req.Owner.ID,
		Role:     RoleOwner,
		Status:   models.MembershipActive,
		JoinedAt: &now,
	}
	ownerRole, err := p.store.SeedRolesAndOwner(ctx, tenant, DefaultRoles(), owner)
	if err != nil {
		p.compensate(ctx, tenant, true)
		metrics.RecordProvisioning(outcomeFailed)
		log.WithError(err).Error("seeding roles failed, tenant rolled back")
		return nil, apperr.Wrap(apperr.KindProvisioningFailure, op, err)
	}

	if p.caches != nil {
		p.caches.Invalidate(ctx, tenant)
	}

	res := &Result{
		Tenant:          tenant,
		OwnerMembership: owner,
		OwnerRole:       ownerRole,
		Attempts:        attempts,
	}
	if req.PaymentMethod != "" {
		res.BillingErr = p.attachBilling(ctx, tenant, req.PaymentMethod)
		if res.BillingErr != nil {
			log.WithError(res.BillingErr).Warn("billing subscription not attached")
		}
	}

	metrics.RecordProvisioning(outcomeSuccess)
	log.WithField("attempts", attempts).Info("tenant provisioned")
	return res, nil
}

// insertWithRetry is the bounded collision loop. A unique violation on the
// slug restarts from slug selection after a jittered backoff; a violation on
// the subdomain is the caller's problem and is not retried.
func (p *Provisioner) insertWithRetry(ctx context.Context, base string, req Request) (*models.Tenant, int, error) {
	const op = "tenancy.Provision"

	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		log := p.log.WithFields(logrus.Fields{"slug": base, "attempt": attempt})

		slug, err := p.pickSlug(ctx, base)
		if err != nil {
			metrics.RecordProvisioning(outcomeFailed)
			return nil, attempt, apperr.Wrap(apperr.KindProvisioningFailure, op, err)
		}

		tenant := p.newTenant(req, slug)
		err = p.store.InsertTenant(ctx, tenant)
		if err == nil {
			return tenant, attempt, nil
		}

		if !IsUniqueViolation(err) {
			metrics.RecordProvisioning(outcomeFailed)
			log.WithError(err).Error("tenant insert failed")
			return nil, attempt, apperr.Wrap(apperr.KindProvisioningFailure, op, err)
		}
		if violatedConstraint(err) == subdomainConstraint {
			metrics.RecordProvisioning(outcomeInvalid)
			return nil, attempt, apperr.Errorf(apperr.KindInvalidInput, op, "subdomain %q is taken", req.Subdomain)
		}

		metrics.SlugCollisions.Inc()
		log.WithField("candidate", slug).Warn("slug collision, retrying")
		if attempt < p.maxAttempts {
			p.sleep(p.backoffFor(attempt))
		}
	}

	metrics.RecordProvisioning(outcomeExhausted)
	collision := apperr.New(apperr.KindSlugCollision, op)
	return nil, p.maxAttempts, apperr.Wrap(apperr.KindProvisioningFailure, op, collision)
}

// pickSlug returns base if free, otherwise the first free base-N.
func (p *Provisioner) pickSlug(ctx context.Context, base string) (string, error) {
	candidate := base
	for n := 1; ; n++ {
		taken, err := p.store.SlugExists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
		if n > maxSlugSuffix {
			return "", errors.New("no free slug suffix")
		}
		candidate = withSuffix(base, n)
	}
}

func (p *Provisioner) newTenant(req Request, slug string) *models.Tenant {
	id := uuid.New()
	t := &models.Tenant{
		ID:                 id,
		Name:               req.Name,
		Slug:               slug,
		PlanType:           firstNonEmpty(req.PlanType, p.defaultPlan),
		SubscriptionStatus: models.SubscriptionActive,
		BillingEmail:       firstNonEmpty(req.BillingEmail, req.Owner.Email),
		SchemaName:         models.SchemaNameFor(id),
		Timezone:           firstNonEmpty(req.Timezone, "UTC"),
		Locale:             firstNonEmpty(req.Locale, "en-US"),
		Features:           map[string]interface{}{},
		Settings:           map[string]interface{}{},
		CreatedBy:          req.Owner.ID,
		IsActive:           true,
	}
	if sub := strings.ToLower(strings.TrimSpace(req.Subdomain)); sub != "" {
		t.Subdomain = &sub
	}
	if domain := strings.TrimSpace(req.Domain); domain != "" {
		t.Domain = &domain
	}
	return t
}

// backoffFor returns backoff*attempt plus up to one backoff of jitter.
func (p *Provisioner) backoffFor(attempt int) time.Duration {
	if p.backoff <= 0 {
		return 0
	}
	p.randMu.Lock()
	jitter := time.Duration(p.rnd.Int63n(int64(p.backoff)))
	p.randMu.Unlock()
	return p.backoff*time.Duration(attempt) + jitter
}

// compensate removes a tenant that failed after its row committed.
func (p *Provisioner) compensate(ctx context.Context, t *models.Tenant, dropSchema bool) {
	log := p.log.WithFields(logrus.Fields{"tenant_id": t.ID, "slug": t.Slug})
	if dropSchema {
		if err := p.schemas.DropSchema(ctx, t); err != nil {
			log.WithError(err).Error("failed to drop schema during rollback")
		}
	}
	if err := p.store.DeleteTenant(ctx, t.ID); err != nil {
		log.WithError(err).Error("failed to delete tenant during rollback")
	}
}

func (p *Provisioner) attachBilling(ctx context.Context, t *models.Tenant, paymentMethod string) error {
	err := p.breaker.Execute(ctx, func(ctx context.Context) error {
		return p.billing.AttachSubscription(ctx, t, t.PlanType, paymentMethod)
	})
	if err != nil {
		return apperr.Wrap(apperr.KindUnavailable, "tenancy.AttachSubscription", err)
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
