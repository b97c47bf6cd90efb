package importer

import (
	"context"
	"fmt"
)

// QuotaGuard decides whether an organization may start a new import.
// Both checks are advisory read-then-act: two near-simultaneous uploads
// can race past the ceiling and one excess import may slip through. That
// is an accepted soft limit; there is deliberately no distributed lock.
type QuotaGuard struct {
	store *Store

	// MaxConcurrent is the pending+processing ceiling per organization.
	MaxConcurrent int64
	// MaxLifetimeEvents caps cumulative imported events per organization.
	MaxLifetimeEvents int64
	// SelfHosted disables both ceilings.
	SelfHosted bool
}

// QuotaDecision is the outcome of a CanStart check.
type QuotaDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// NewQuotaGuard builds a guard with the platform defaults: one concurrent
// import and one million lifetime events per organization.
func NewQuotaGuard(store *Store) *QuotaGuard {
	return &QuotaGuard{
		store:             store,
		MaxConcurrent:     1,
		MaxLifetimeEvents: 1_000_000,
	}
}

// CanStart checks the organization's concurrency and lifetime ceilings.
// Self-hosted deployments always pass.
func (g *QuotaGuard) CanStart(ctx context.Context, orgID string) (QuotaDecision, error) {
	if g.SelfHosted {
		return QuotaDecision{Allowed: true}, nil
	}

	active, err := g.store.CountActiveByOrg(ctx, orgID)
	if err != nil {
		return QuotaDecision{}, err
	}
	if active >= g.MaxConcurrent {
		return QuotaDecision{
			Allowed: false,
			Reason:  fmt.Sprintf("organization already has %d import(s) in progress (limit %d)", active, g.MaxConcurrent),
		}, nil
	}

	imported, err := g.store.SumImportedByOrg(ctx, orgID)
	if err != nil {
		return QuotaDecision{}, err
	}
	if imported >= g.MaxLifetimeEvents {
		return QuotaDecision{
			Allowed: false,
			Reason:  fmt.Sprintf("organization has imported %d events, at or over the lifetime limit of %d", imported, g.MaxLifetimeEvents),
		}, nil
	}

	return QuotaDecision{Allowed: true}, nil
}
