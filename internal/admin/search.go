package admin

import (
	"context"
	"sync"
	"time"

	"github.com/Rajchodisetti/portfolio-sync/internal/debounce"
	"github.com/Rajchodisetti/portfolio-sync/internal/retry"
)

// AuditSearch binds the audit log list to a query controller. Search text is
// debounced, filter and page changes run at once, and each new query
// supersedes the one in flight.
type AuditSearch struct {
	client *Client
	ctl    *debounce.QueryController
	query  *retry.Query[Page[AuditLog]]
	ctx    context.Context

	mu     sync.Mutex
	params ListParams
}

// NewAuditSearch creates a search whose requests live as long as ctx.
// onResult, if set, observes every state change.
func NewAuditSearch(ctx context.Context, c *Client, delay time.Duration, onResult func(retry.Result[Page[AuditLog]])) *AuditSearch {
	s := &AuditSearch{client: c, ctx: ctx}
	// the query's policy is the only one; loads underneath make one attempt
	s.query = retry.NewQuery(c.policy("admin.audit_search"), func(ctx context.Context) (Page[AuditLog], error) {
		s.mu.Lock()
		p := s.params
		s.mu.Unlock()
		return c.auditLogs(ctx, nil, p)
	})
	if onResult != nil {
		s.query.OnChange(onResult)
	}
	s.ctl = debounce.NewController(delay, c.pageSize, s.run)
	return s
}

func (s *AuditSearch) run(p debounce.Params) {
	s.mu.Lock()
	s.params = ListParams{Page: p.Page, Size: p.PageSize, Search: p.Search, Filters: p.Filters}
	s.mu.Unlock()
	go func() { _, _ = s.query.Run(s.ctx) }()
}

// SetSearch records keystrokes
func (s *AuditSearch) SetSearch(text string) { s.ctl.SetSearch(text) }

// ConfirmSearch runs the pending search now
func (s *AuditSearch) ConfirmSearch() { s.ctl.ConfirmSearch() }

// SetFilter sets or clears one filter
func (s *AuditSearch) SetFilter(name, value string) { s.ctl.SetFilter(name, value) }

// ClearFilters resets search and filters
func (s *AuditSearch) ClearFilters() { s.ctl.ClearFilters() }

// SetPage moves to page n
func (s *AuditSearch) SetPage(n int) { s.ctl.SetPage(n) }

// Retry re-runs the current query as a fresh bounded sequence
func (s *AuditSearch) Retry() { go func() { _, _ = s.query.Retry(s.ctx) }() }

// Result is the latest query state
func (s *AuditSearch) Result() retry.Result[Page[AuditLog]] { return s.query.Result() }

// Params is the query currently applied
func (s *AuditSearch) Params() debounce.Params { return s.ctl.Params() }

// Close stops pending debounces and cancels the request in flight
func (s *AuditSearch) Close() {
	s.ctl.Stop()
	s.query.Cancel()
}
