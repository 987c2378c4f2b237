package debounce

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder[T any] struct {
	mu   sync.Mutex
	seen []T
}

func (r *recorder[T]) add(v T) {
	r.mu.Lock()
	r.seen = append(r.seen, v)
	r.mu.Unlock()
}

func (r *recorder[T]) all() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.seen...)
}

func TestBurstCollapsesToLastValue(t *testing.T) {
	rec := &recorder[string]{}
	d := New(30*time.Millisecond, rec.add)

	d.Set("a")
	d.Set("ap")
	d.Set("app")

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, []string{"app"}, rec.all())
	assert.False(t, d.Pending())
}

func TestConfirmFlushesSynchronously(t *testing.T) {
	rec := &recorder[string]{}
	d := New(time.Hour, rec.add)

	d.Set("aapl")
	assert.True(t, d.Pending())
	assert.True(t, d.Confirm())
	assert.Equal(t, []string{"aapl"}, rec.all(), "emitted before Confirm returns")

	assert.False(t, d.Confirm(), "nothing left to flush")
	assert.Len(t, rec.all(), 1)
}

func TestConfirmCancelsTimer(t *testing.T) {
	rec := &recorder[int]{}
	d := New(20*time.Millisecond, rec.add)

	d.Set(1)
	d.Confirm()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []int{1}, rec.all())
}

func TestStopDropsPending(t *testing.T) {
	rec := &recorder[int]{}
	d := New(10*time.Millisecond, rec.add)

	d.Set(1)
	d.Stop()
	time.Sleep(40 * time.Millisecond)
	assert.Empty(t, rec.all())
}

func TestControllerSearchIsDebounced(t *testing.T) {
	rec := &recorder[Params]{}
	qc := NewController(30*time.Millisecond, 10, rec.add)

	qc.SetPage(3)
	require.Len(t, rec.all(), 1)

	qc.SetSearch("l")
	qc.SetSearch("lo")
	qc.SetSearch("login")
	assert.Len(t, rec.all(), 1, "search does not fire while typing")

	require.Eventually(t, func() bool { return len(rec.all()) == 2 }, time.Second, time.Millisecond)
	got := rec.all()[1]
	assert.Equal(t, "login", got.Search)
	assert.Equal(t, 1, got.Page, "new search returns to page 1")
	assert.Equal(t, 10, got.PageSize)
}

func TestControllerFiltersFireImmediately(t *testing.T) {
	rec := &recorder[Params]{}
	qc := NewController(time.Hour, 0, rec.add)

	qc.SetPage(4)
	qc.SetFilter("action", "user.delete")
	got := rec.all()
	require.Len(t, got, 2)
	assert.Equal(t, map[string]string{"action": "user.delete"}, got[1].Filters)
	assert.Equal(t, 1, got[1].Page)

	qc.SetSearch("alice")
	qc.ConfirmSearch()
	got = rec.all()
	require.Len(t, got, 3)
	assert.Equal(t, "alice", got[2].Search)

	qc.SetFilter("action", "")
	qc.ClearFilters()
	got = rec.all()
	require.Len(t, got, 5)
	assert.Empty(t, got[4].Filters)
	assert.Empty(t, got[4].Search)
}

func TestControllerEmitsCopies(t *testing.T) {
	rec := &recorder[Params]{}
	qc := NewController(time.Hour, 0, rec.add)

	qc.SetFilter("actor", "u1")
	rec.all()[0].Filters["actor"] = "mutated"
	assert.Equal(t, "u1", qc.Params().Filters["actor"])
}
