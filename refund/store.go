package refund

import "context"

// Store persists policies. Policies are reference data: simple CRUD only.
// GetPolicy and DeletePolicy return ledger.ErrNotFound for unknown ids.
type Store interface {
	SavePolicy(ctx context.Context, p Policy) error
	GetPolicy(ctx context.Context, id string) (Policy, error)
	ListPolicies(ctx context.Context) ([]Policy, error)
	DeletePolicy(ctx context.Context, id string) error
}
