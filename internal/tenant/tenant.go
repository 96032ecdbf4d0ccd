// Package tenant provides the scoping context threaded through every
// operation and the per-tenant quota accounting backing it.
package tenant

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTenantMismatch is returned when an entity's tenant does not match
	// the caller's context. Never silently ignored.
	ErrTenantMismatch = errors.New("tenant mismatch")

	// ErrQuotaExceeded is returned when a reservation would exceed the
	// configured limit. No partial state is mutated.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrUnknownTenant is returned for operations against a tenant that was
	// never provisioned.
	ErrUnknownTenant = errors.New("unknown tenant")
)

// Context scopes a call to a single tenant. Immutable after provisioning.
type Context struct {
	TenantID        string `json:"tenant_id"`
	Tier            string `json:"tier"`
	NamespacePrefix string `json:"namespace_prefix"`
}

// Check validates that an entity's tenant id belongs to this context.
func (c Context) Check(entityTenantID string) error {
	if entityTenantID != c.TenantID {
		return fmt.Errorf("%w: context %q, entity %q", ErrTenantMismatch, c.TenantID, entityTenantID)
	}
	return nil
}

// Namespace returns the tenant-scoped name for a shared resource, e.g. a
// vector collection or a Kafka topic key.
func (c Context) Namespace(name string) string {
	if c.NamespacePrefix == "" {
		return c.TenantID + ":" + name
	}
	return c.NamespacePrefix + ":" + name
}

// Registry manages tenant provisioning and quota accounting.
type Registry struct {
	db *sql.DB
}

func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db}
}

// Provision creates a tenant. Idempotent on tenant id.
func (r *Registry) Provision(ctx context.Context, tenantID, tier, namespacePrefix string) (Context, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tenants (tenant_id, tier, namespace_prefix)
		VALUES (?, ?, ?)
		ON CONFLICT(tenant_id) DO NOTHING
	`, tenantID, tier, namespacePrefix)
	if err != nil {
		return Context{}, fmt.Errorf("provision tenant: %w", err)
	}
	return r.Resolve(ctx, tenantID)
}

// Resolve loads the context for an existing tenant.
func (r *Registry) Resolve(ctx context.Context, tenantID string) (Context, error) {
	var tc Context
	err := r.db.QueryRowContext(ctx, `
		SELECT tenant_id, tier, namespace_prefix FROM tenants WHERE tenant_id = ?
	`, tenantID).Scan(&tc.TenantID, &tc.Tier, &tc.NamespacePrefix)
	if errors.Is(err, sql.ErrNoRows) {
		return Context{}, fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}
	if err != nil {
		return Context{}, fmt.Errorf("resolve tenant: %w", err)
	}
	return tc, nil
}

// SetQuota sets (or replaces) the limit for a resource. Admin operation;
// the only mutation allowed on a tenant after provisioning.
func (r *Registry) SetQuota(ctx context.Context, tc Context, resource string, limit int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tenant_quotas (tenant_id, resource, limit_amount)
		VALUES (?, ?, ?)
		ON CONFLICT(tenant_id, resource) DO UPDATE SET
			limit_amount = excluded.limit_amount,
			updated_at = CURRENT_TIMESTAMP
	`, tc.TenantID, resource, limit)
	if err != nil {
		return fmt.Errorf("set quota: %w", err)
	}
	return nil
}

// Reserve atomically checks and reserves quota for a resource. A single
// guarded UPDATE is the serialization point: it either consumes the amount
// or leaves state untouched and reports ErrQuotaExceeded. Resources with no
// configured quota row are unlimited.
func (r *Registry) Reserve(ctx context.Context, tc Context, resource string, amount int64) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tenant_quotas
		SET used_amount = used_amount + ?, updated_at = CURRENT_TIMESTAMP
		WHERE tenant_id = ? AND resource = ? AND used_amount + ? <= limit_amount
	`, amount, tc.TenantID, resource, amount)
	if err != nil {
		return fmt.Errorf("reserve quota: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reserve quota: %w", err)
	}
	if n > 0 {
		return nil
	}

	// Either no quota is configured (unlimited) or the limit is exhausted.
	var limit, used int64
	err = r.db.QueryRowContext(ctx, `
		SELECT limit_amount, used_amount FROM tenant_quotas
		WHERE tenant_id = ? AND resource = ?
	`, tc.TenantID, resource).Scan(&limit, &used)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reserve quota: %w", err)
	}
	return fmt.Errorf("%w: tenant %s resource %s (%d/%d)", ErrQuotaExceeded, tc.TenantID, resource, used, limit)
}

// Release returns previously reserved quota, clamped at zero.
func (r *Registry) Release(ctx context.Context, tc Context, resource string, amount int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE tenant_quotas
		SET used_amount = MAX(0, used_amount - ?), updated_at = CURRENT_TIMESTAMP
		WHERE tenant_id = ? AND resource = ?
	`, amount, tc.TenantID, resource)
	if err != nil {
		return fmt.Errorf("release quota: %w", err)
	}
	return nil
}

// Usage reports current usage for a resource.
func (r *Registry) Usage(ctx context.Context, tc Context, resource string) (used, limit int64, err error) {
	err = r.db.QueryRowContext(ctx, `
		SELECT used_amount, limit_amount FROM tenant_quotas
		WHERE tenant_id = ? AND resource = ?
	`, tc.TenantID, resource).Scan(&used, &limit)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("quota usage: %w", err)
	}
	return used, limit, nil
}

// Tenant is a provisioned tenant row, used by the governance listing.
type Tenant struct {
	TenantID        string    `json:"tenant_id"`
	Tier            string    `json:"tier"`
	NamespacePrefix string    `json:"namespace_prefix"`
	CreatedAt       time.Time `json:"created_at"`
}

// List returns all provisioned tenants.
func (r *Registry) List(ctx context.Context) ([]Tenant, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT tenant_id, tier, namespace_prefix, created_at FROM tenants ORDER BY tenant_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var out []Tenant
	for rows.Next() {
		var t Tenant
		if err := rows.Scan(&t.TenantID, &t.Tier, &t.NamespacePrefix, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
