package tenancy

import (
	"context"

	"github.com/pavitra93/go-brewery-tenancy/shared/models"
)

// BillingProvider attaches a paid subscription to a tenant. The payment
// provider is an external collaborator.
type BillingProvider interface {
	AttachSubscription(ctx context.Context, tenant *models.Tenant, plan, paymentMethod string) error
}

// NoopBilling accepts every subscription. Used for the free plan and in
// environments without a payment provider.
type NoopBilling struct{}

func (NoopBilling) AttachSubscription(context.Context, *models.Tenant, string, string) error {
	return nil
}
