package stubs

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type user struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

type auditLog struct {
	ID       string    `json:"id"`
	Actor    string    `json:"actor"`
	Action   string    `json:"action"`
	Resource string    `json:"resource"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// AdminHandler serves the admin REST endpoints from memory. Writes append
// to the audit trail.
type AdminHandler struct {
	mux *http.ServeMux

	mu       sync.Mutex
	users    map[string]*user
	audit    []auditLog
	hits     map[string]int
	fails    []int
	started  time.Time
	delay    time.Duration
}

// NewAdminHandler seeds n users named user-1..user-n
func NewAdminHandler(n int) *AdminHandler {
	h := &AdminHandler{
		mux:     http.NewServeMux(),
		users:   make(map[string]*user),
		hits:    make(map[string]int),
		started: time.Now().UTC(),
	}
	roles := []string{"admin", "analyst", "viewer"}
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("user-%d", i)
		h.users[id] = &user{
			ID:        id,
			Email:     fmt.Sprintf("%s@example.com", id),
			Name:      fmt.Sprintf("User %d", i),
			Role:      roles[i%len(roles)],
			Status:    "active",
			CreatedAt: h.started.Add(-time.Duration(i) * time.Hour),
		}
	}
	h.mux.HandleFunc("GET /api/admin/providers/status", h.providerStatus)
	h.mux.HandleFunc("GET /api/admin/metrics/system", h.systemMetrics)
	h.mux.HandleFunc("GET /api/admin/users", h.listUsers)
	h.mux.HandleFunc("GET /api/admin/users/{id}", h.getUser)
	h.mux.HandleFunc("PATCH /api/admin/users/{id}", h.updateUser)
	h.mux.HandleFunc("DELETE /api/admin/users/{id}", h.deleteUser)
	h.mux.HandleFunc("GET /api/admin/audit-logs", h.listAudit)
	return h
}

// FailNext makes the next len(statuses) requests answer with those statuses
func (h *AdminHandler) FailNext(statuses ...int) {
	h.mu.Lock()
	h.fails = append(h.fails, statuses...)
	h.mu.Unlock()
}

// SetDelay slows every reply, for cancellation tests
func (h *AdminHandler) SetDelay(d time.Duration) {
	h.mu.Lock()
	h.delay = d
	h.mu.Unlock()
}

// Hits counts requests whose path starts with prefix
func (h *AdminHandler) Hits(prefix string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for p, c := range h.hits {
		if strings.HasPrefix(p, prefix) {
			n += c
		}
	}
	return n
}

// RecordAudit appends one audit record
func (h *AdminHandler) RecordAudit(actor, action, resource string) {
	h.mu.Lock()
	h.recordLocked(actor, action, resource, "")
	h.mu.Unlock()
}

func (h *AdminHandler) recordLocked(actor, action, resource, detail string) {
	h.audit = append(h.audit, auditLog{
		ID:       uuid.NewString(),
		Actor:    actor,
		Action:   action,
		Resource: resource,
		Detail:   detail,
		At:       time.Now().UTC(),
	})
}

func (h *AdminHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	h.mu.Lock()
	h.hits[r.Method+" "+r.URL.Path]++
	h.hits[r.URL.Path]++
	delay := h.delay
	if len(h.fails) > 0 {
		status := h.fails[0]
		h.fails = h.fails[1:]
		h.mu.Unlock()
		http.Error(w, http.StatusText(status), status)
		return
	}
	h.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	h.mux.ServeHTTP(w, r)
}

func (h *AdminHandler) providerStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	writeJSON(w, http.StatusOK, map[string]any{
		"providers": []map[string]any{
			{"name": "polygon", "status": "healthy", "latency_ms": 42.0, "error_rate": 0.0, "last_checked_at": now},
			{"name": "alphavantage", "status": "degraded", "latency_ms": 310.0, "error_rate": 0.04, "last_checked_at": now},
		},
		"checked_at": now,
	})
}

func (h *AdminHandler) systemMetrics(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	users := len(h.users)
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]any{
		"cpu_percent":         12.5,
		"memory_percent":      48.0,
		"active_connections":  users,
		"requests_per_minute": 120.0,
		"error_rate":          0.01,
		"uptime_seconds":      int64(time.Since(h.started).Seconds()),
		"collected_at":        time.Now().UTC(),
	})
}

func (h *AdminHandler) listUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	search := strings.ToLower(q.Get("search"))
	role, status := q.Get("role"), q.Get("status")

	h.mu.Lock()
	items := make([]user, 0, len(h.users))
	for _, u := range h.users {
		if search != "" && !strings.Contains(strings.ToLower(u.Name+" "+u.Email), search) {
			continue
		}
		if role != "" && u.Role != role {
			continue
		}
		if status != "" && u.Status != status {
			continue
		}
		items = append(items, *u)
	}
	h.mu.Unlock()

	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	writeJSON(w, http.StatusOK, paginate(items, q))
}

func (h *AdminHandler) getUser(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	u, ok := h.users[r.PathValue("id")]
	var out user
	if ok {
		out = *u
	}
	h.mu.Unlock()
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *AdminHandler) updateUser(w http.ResponseWriter, r *http.Request) {
	var upd struct {
		Name   *string `json:"name"`
		Role   *string `json:"role"`
		Status *string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
		return
	}
	id := r.PathValue("id")

	h.mu.Lock()
	u, ok := h.users[id]
	if !ok {
		h.mu.Unlock()
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if upd.Name != nil {
		u.Name = *upd.Name
	}
	if upd.Role != nil {
		u.Role = *upd.Role
	}
	if upd.Status != nil {
		u.Status = *upd.Status
	}
	out := *u
	h.recordLocked("admin", "user.update", id, "")
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (h *AdminHandler) deleteUser(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	h.mu.Lock()
	_, ok := h.users[id]
	delete(h.users, id)
	if ok {
		h.recordLocked("admin", "user.delete", id, "")
	}
	h.mu.Unlock()
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) listAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	search := strings.ToLower(q.Get("search"))
	action, actor := q.Get("action"), q.Get("actor")

	h.mu.Lock()
	items := make([]auditLog, 0, len(h.audit))
	for i := len(h.audit) - 1; i >= 0; i-- {
		a := h.audit[i]
		if search != "" && !strings.Contains(strings.ToLower(a.Action+" "+a.Resource+" "+a.Detail), search) {
			continue
		}
		if action != "" && a.Action != action {
			continue
		}
		if actor != "" && a.Actor != actor {
			continue
		}
		items = append(items, a)
	}
	h.mu.Unlock()
	writeJSON(w, http.StatusOK, paginate(items, q))
}

func paginate[T any](items []T, q map[string][]string) map[string]any {
	page := atoiDefault(first(q["page"]), 1)
	size := atoiDefault(first(q["size"]), 25)
	total := len(items)
	pages := (total + size - 1) / size
	start := min((page-1)*size, total)
	end := min(start+size, total)
	return map[string]any{
		"items": items[start:end],
		"total": total,
		"page":  page,
		"pages": pages,
	}
}

func first(vs []string) string {
	if len(vs) == 0 {
		return ""
	}
	return vs[0]
}

func atoiDefault(s string, def int) int {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
