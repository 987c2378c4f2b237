package retry

import (
	"context"
	"sync"

	"github.com/Rajchodisetti/portfolio-sync/internal/apierr"
)

// Subscriber is a connectivity source that reports transitions
type Subscriber interface {
	Online() bool
	Subscribe(fn func(online bool)) func()
}

// Result is a snapshot of a Query
type Result[T any] struct {
	Data    T               `json:"data"`
	HasData bool            `json:"has_data"`
	Err     *apierr.Details `json:"error,omitempty"`
	Loading bool            `json:"loading"`
	Retry   State           `json:"retry"`
}

// Query is a fetch bound to its own Policy. It keeps the last good data and
// the last surfaced error. A new Run cancels the one in flight and the
// superseded response is dropped, so it never overwrites newer state.
type Query[T any] struct {
	policy *Policy
	fetch  func(ctx context.Context) (T, error)

	mu         sync.Mutex
	data       T
	hasData    bool
	err        *apierr.Details
	loading    bool
	gen        uint64
	cancel     context.CancelFunc
	wasOffline bool
	onChange   func(Result[T])
}

// NewQuery binds fetch to policy
func NewQuery[T any](policy *Policy, fetch func(ctx context.Context) (T, error)) *Query[T] {
	return &Query[T]{policy: policy, fetch: fetch}
}

// OnChange registers a callback fired after every state change
func (q *Query[T]) OnChange(fn func(Result[T])) {
	q.mu.Lock()
	q.onChange = fn
	q.mu.Unlock()
}

// Run fetches through the policy. Superseded runs return their own result
// to the caller but leave the Query state untouched.
func (q *Query[T]) Run(ctx context.Context) (T, error) {
	runCtx, cancel := context.WithCancel(ctx)

	q.mu.Lock()
	if q.cancel != nil {
		q.cancel()
	}
	q.gen++
	gen := q.gen
	q.cancel = cancel
	q.loading = true
	q.mu.Unlock()
	q.notify()

	v, err := Do(runCtx, q.policy, q.fetch)

	q.mu.Lock()
	if gen != q.gen {
		q.mu.Unlock()
		cancel()
		return v, err
	}
	q.cancel = nil
	q.loading = false
	if err == nil {
		q.data = v
		q.hasData = true
		q.err = nil
	} else if d := AsFailure(err).Details; d.Surfaced() {
		q.err = &d
	}
	q.mu.Unlock()
	cancel()
	q.notify()
	return v, err
}

// Retry is the manual retry action; it starts a fresh bounded sequence
func (q *Query[T]) Retry(ctx context.Context) (T, error) {
	return q.Run(ctx)
}

// Cancel aborts the run in flight, if any
func (q *Query[T]) Cancel() {
	q.mu.Lock()
	if q.cancel != nil {
		q.cancel()
		q.cancel = nil
	}
	q.gen++
	q.loading = false
	q.mu.Unlock()
}

// Result returns the current snapshot
func (q *Query[T]) Result() Result[T] {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.resultLocked()
}

func (q *Query[T]) resultLocked() Result[T] {
	return Result[T]{
		Data:    q.data,
		HasData: q.hasData,
		Err:     q.err,
		Loading: q.loading,
		Retry:   q.policy.State(),
	}
}

// Watch ties the Query to a connectivity source. Going offline surfaces the
// offline error at once and cancels the run in flight; coming back online
// triggers exactly one automatic run. The returned func detaches.
func (q *Query[T]) Watch(ctx context.Context, s Subscriber) func() {
	return s.Subscribe(func(online bool) {
		if !online {
			d := apierr.Classify(ErrOffline)
			q.mu.Lock()
			q.wasOffline = true
			if q.cancel != nil {
				q.cancel()
				q.cancel = nil
			}
			q.gen++
			q.loading = false
			q.err = &d
			q.mu.Unlock()
			q.notify()
			return
		}

		q.mu.Lock()
		resume := q.wasOffline
		q.wasOffline = false
		q.mu.Unlock()
		if resume && ctx.Err() == nil {
			go q.Run(ctx)
		}
	})
}

func (q *Query[T]) notify() {
	q.mu.Lock()
	fn := q.onChange
	r := q.resultLocked()
	q.mu.Unlock()
	if fn != nil {
		fn(r)
	}
}
