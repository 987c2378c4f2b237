package debounce

import (
	"maps"
	"sync"
	"time"
)

// Params is the query a QueryController emits
type Params struct {
	Search   string            `json:"search,omitempty"`
	Filters  map[string]string `json:"filters,omitempty"`
	Page     int               `json:"page"`
	PageSize int               `json:"page_size"`
}

func (p Params) clone() Params {
	p.Filters = maps.Clone(p.Filters)
	return p
}

// QueryController drives a search-style query. Free-text search is debounced;
// filter and page changes fire at once. Changing the search text or any
// filter returns to page 1.
type QueryController struct {
	onQuery func(Params)
	search  *Debouncer[string]

	mu     sync.Mutex
	params Params
}

// NewController creates a controller that calls onQuery for every query to run
func NewController(delay time.Duration, pageSize int, onQuery func(Params)) *QueryController {
	if pageSize <= 0 {
		pageSize = 25
	}
	qc := &QueryController{
		onQuery: onQuery,
		params:  Params{Page: 1, PageSize: pageSize},
	}
	qc.search = New(delay, qc.applySearch)
	return qc
}

// SetSearch records keystrokes; the query fires once input settles
func (qc *QueryController) SetSearch(text string) {
	qc.search.Set(text)
}

// ConfirmSearch flushes pending search text synchronously. With nothing
// pending it re-runs the current query.
func (qc *QueryController) ConfirmSearch() {
	if qc.search.Confirm() {
		return
	}
	qc.fire()
}

// SetFilter sets or, with an empty value, removes one filter
func (qc *QueryController) SetFilter(name, value string) {
	qc.mu.Lock()
	if qc.params.Filters == nil {
		qc.params.Filters = map[string]string{}
	}
	if value == "" {
		delete(qc.params.Filters, name)
	} else {
		qc.params.Filters[name] = value
	}
	qc.params.Page = 1
	qc.mu.Unlock()
	qc.fire()
}

// ClearFilters removes all filters and the search text
func (qc *QueryController) ClearFilters() {
	qc.search.Stop()
	qc.mu.Lock()
	qc.params.Filters = nil
	qc.params.Search = ""
	qc.params.Page = 1
	qc.mu.Unlock()
	qc.fire()
}

// SetPage moves to page n (1-based)
func (qc *QueryController) SetPage(n int) {
	if n < 1 {
		n = 1
	}
	qc.mu.Lock()
	qc.params.Page = n
	qc.mu.Unlock()
	qc.fire()
}

// Params returns the current query
func (qc *QueryController) Params() Params {
	qc.mu.Lock()
	defer qc.mu.Unlock()
	return qc.params.clone()
}

// Stop cancels any pending search emission
func (qc *QueryController) Stop() {
	qc.search.Stop()
}

func (qc *QueryController) applySearch(text string) {
	qc.mu.Lock()
	qc.params.Search = text
	qc.params.Page = 1
	qc.mu.Unlock()
	qc.fire()
}

func (qc *QueryController) fire() {
	qc.onQuery(qc.Params())
}
