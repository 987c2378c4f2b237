package admin

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Rajchodisetti/portfolio-sync/internal/observ"
	"github.com/Rajchodisetti/portfolio-sync/internal/retry"
	"github.com/Rajchodisetti/portfolio-sync/internal/ttlcache"
)

// Endpoint paths
const (
	PathProviderStatus = "/api/admin/providers/status"
	PathSystemMetrics  = "/api/admin/metrics/system"
	PathUsers          = "/api/admin/users"
	PathAuditLogs      = "/api/admin/audit-logs"
)

// Cache resource names
const (
	ResourceProviderStatus = "admin.provider_status"
	ResourceSystemMetrics  = "admin.system_metrics"
	ResourceUsers          = "admin.users"
	ResourceUser           = "admin.user"
	ResourceAuditLogs      = "admin.audit_logs"
)

// Page is one page of a paginated list
type Page[T any] struct {
	Items []T `json:"items"`
	Total int `json:"total"`
	Page  int `json:"page"`
	Pages int `json:"pages"`
}

// ListParams selects one page of a list
type ListParams struct {
	Page    int               `json:"page"`
	Size    int               `json:"size"`
	Search  string            `json:"search,omitempty"`
	Filters map[string]string `json:"filters,omitempty"`
}

func (p ListParams) normalize(defaultSize int) ListParams {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Size <= 0 {
		p.Size = defaultSize
	}
	if len(p.Filters) == 0 {
		p.Filters = nil
	}
	return p
}

func (p ListParams) query() url.Values {
	q := url.Values{}
	q.Set("page", strconv.Itoa(p.Page))
	q.Set("size", strconv.Itoa(p.Size))
	if p.Search != "" {
		q.Set("search", p.Search)
	}
	for k, v := range p.Filters {
		q.Set(k, v)
	}
	return q
}

// Provider is one market-data provider's health
type Provider struct {
	Name          string    `json:"name"`
	Status        string    `json:"status"`
	LatencyMs     float64   `json:"latency_ms"`
	ErrorRate     float64   `json:"error_rate"`
	LastCheckedAt time.Time `json:"last_checked_at"`
}

// ProviderStatus lists provider health
type ProviderStatus struct {
	Providers []Provider `json:"providers"`
	CheckedAt time.Time  `json:"checked_at"`
}

// SystemMetrics is the aggregate system view
type SystemMetrics struct {
	CPUPercent        float64   `json:"cpu_percent"`
	MemoryPercent     float64   `json:"memory_percent"`
	ActiveConnections int       `json:"active_connections"`
	RequestsPerMinute float64   `json:"requests_per_minute"`
	ErrorRate         float64   `json:"error_rate"`
	UptimeSeconds     int64     `json:"uptime_seconds"`
	CollectedAt       time.Time `json:"collected_at"`
}

// User is an admin-managed account
type User struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	Name        string     `json:"name"`
	Role        string     `json:"role"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	LastLoginAt *time.Time `json:"last_login_at,omitempty"`
}

// UserUpdate carries the fields to change; nil fields are left alone
type UserUpdate struct {
	Name   *string `json:"name,omitempty"`
	Role   *string `json:"role,omitempty"`
	Status *string `json:"status,omitempty"`
}

// AuditLog is one audit trail record
type AuditLog struct {
	ID       string    `json:"id"`
	Actor    string    `json:"actor"`
	Action   string    `json:"action"`
	Resource string    `json:"resource"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// ProviderStatus is cached for 60s by default
func (c *Client) ProviderStatus(ctx context.Context) (ProviderStatus, error) {
	return cachedGet[ProviderStatus](ctx, c, c.policy(ResourceProviderStatus), ResourceProviderStatus, nil, c.ttls.ProviderStatus, PathProviderStatus, nil)
}

// SystemMetrics is cached for 30s by default
func (c *Client) SystemMetrics(ctx context.Context) (SystemMetrics, error) {
	return cachedGet[SystemMetrics](ctx, c, c.policy(ResourceSystemMetrics), ResourceSystemMetrics, nil, c.ttls.SystemMetrics, PathSystemMetrics, nil)
}

// Users lists one page of users
func (c *Client) Users(ctx context.Context, p ListParams) (Page[User], error) {
	p = p.normalize(c.pageSize)
	return cachedGet[Page[User]](ctx, c, c.policy(ResourceUsers), ResourceUsers, p, c.ttls.Lists, PathUsers, p.query())
}

// User fetches one user's detail record
func (c *Client) User(ctx context.Context, id string) (User, error) {
	return cachedGet[User](ctx, c, c.policy(ResourceUser), ResourceUser, map[string]string{"id": id}, c.ttls.EntityDetail,
		PathUsers+"/"+url.PathEscape(id), nil)
}

// AuditLogs lists one page of the audit trail
func (c *Client) AuditLogs(ctx context.Context, p ListParams) (Page[AuditLog], error) {
	return c.auditLogs(ctx, c.policy(ResourceAuditLogs), p)
}

func (c *Client) auditLogs(ctx context.Context, policy *retry.Policy, p ListParams) (Page[AuditLog], error) {
	p = p.normalize(c.pageSize)
	return cachedGet[Page[AuditLog]](ctx, c, policy, ResourceAuditLogs, p, c.ttls.Lists, PathAuditLogs, p.query())
}

// UpdateUser patches a user and drops every cached user page along with
// that user's detail record. Writes are not retried.
func (c *Client) UpdateUser(ctx context.Context, id string, upd UserUpdate) (User, error) {
	var out User
	if err := c.do(ctx, http.MethodPatch, PathUsers+"/"+url.PathEscape(id), nil, upd, &out); err != nil {
		return User{}, err
	}
	c.invalidateUser(id)
	return out, nil
}

// DeleteUser removes a user and invalidates like UpdateUser
func (c *Client) DeleteUser(ctx context.Context, id string) error {
	if err := c.do(ctx, http.MethodDelete, PathUsers+"/"+url.PathEscape(id), nil, nil, nil); err != nil {
		return err
	}
	c.invalidateUser(id)
	return nil
}

func (c *Client) invalidateUser(id string) {
	n := c.cache.InvalidatePrefix(ResourceUsers + "|")
	c.cache.Invalidate(ttlcache.Key(ResourceUser, map[string]string{"id": id}))
	observ.Log("admin_user_invalidated", map[string]any{"user_id": id, "pages": n})
}
