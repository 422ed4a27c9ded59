package middleware

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/iago/knowledge-pipeline/internal/cache"
	"github.com/iago/knowledge-pipeline/internal/domain"
	"github.com/iago/knowledge-pipeline/internal/repository"
)

const (
	TenantHeader      = "X-Tenant-Id"
	maxTenantIDLength = 64
)

const tenantContextKey contextKey = "tenant"

// TenantResolver validates tenant ids through a TTL cache in front of the tenant directory.
type TenantResolver struct {
	directory repository.TenantDirectory
	cache     *cache.TTLCache[domain.Tenant]
	logger    *log.Logger
}

func NewTenantResolver(directory repository.TenantDirectory, ttl time.Duration, maxEntries int, logger *log.Logger) *TenantResolver {
	return &TenantResolver{
		directory: directory,
		cache:     cache.New[domain.Tenant](cache.Config{TTL: ttl, MaxEntries: maxEntries}),
		logger:    logger,
	}
}

func (t *TenantResolver) Resolve(ctx context.Context, tenantID string) (domain.Tenant, error) {
	return t.cache.GetOrLoad(ctx, tenantID, func(ctx context.Context) (domain.Tenant, error) {
		tenant, err := t.directory.GetTenant(ctx, tenantID)
		if err != nil {
			return domain.Tenant{}, err
		}
		return *tenant, nil
	})
}

// Tenant rejects /v1/ requests without a known, active tenant and stores it in the request context.
func Tenant(resolver *TenantResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, "/v1/") {
				next.ServeHTTP(w, r)
				return
			}

			tenantID := strings.TrimSpace(r.Header.Get(TenantHeader))
			if tenantID == "" || len(tenantID) > maxTenantIDLength {
				writeError(w, r, http.StatusBadRequest, "invalid_tenant", "X-Tenant-Id header is required")
				return
			}

			tenant, err := resolver.Resolve(r.Context(), tenantID)
			if err != nil {
				if errors.Is(err, domain.ErrNotFound) {
					writeError(w, r, http.StatusForbidden, "unknown_tenant", "tenant not found")
					return
				}
				if resolver.logger != nil {
					resolver.logger.Printf("tenant lookup failed tenant_id=%s err=%v", tenantID, err)
				}
				writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to resolve tenant")
				return
			}
			if !tenant.Active {
				writeError(w, r, http.StatusForbidden, "inactive_tenant", "tenant is inactive")
				return
			}

			ctx := context.WithValue(r.Context(), tenantContextKey, tenant)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func GetTenant(ctx context.Context) (domain.Tenant, bool) {
	tenant, ok := ctx.Value(tenantContextKey).(domain.Tenant)
	return tenant, ok
}

func GetTenantID(ctx context.Context) string {
	tenant, _ := GetTenant(ctx)
	return tenant.ID
}
