package receiver

import "sync/atomic"

// Progress is the caller-supplied handle threaded through a fetch,
// carrying total/completed byte counts and cooperative cancellation.
// Every exported field access is safe for concurrent use, since a
// Progress is shared between the calling goroutine and whichever
// store/source actor is servicing the fetch.
type Progress struct {
	total     atomic.Int64 // -1 means "unknown"
	completed atomic.Int64
	cancelled atomic.Bool
	onCancel  atomic.Pointer[func()]
}

// NewProgress returns a Progress with an unknown total.
func NewProgress() *Progress {
	p := &Progress{}
	p.total.Store(-1)
	return p
}

// SetTotal sets the total byte count. Pass -1 for unknown.
func (p *Progress) SetTotal(n int64) { p.total.Store(n) }

// Total returns the current total, or -1 if unknown.
func (p *Progress) Total() int64 { return p.total.Load() }

// AddCompleted increments the completed byte count by n.
func (p *Progress) AddCompleted(n int64) { p.completed.Add(n) }

// SetCompleted sets the completed byte count directly.
func (p *Progress) SetCompleted(n int64) { p.completed.Store(n) }

// Completed returns the current completed byte count.
func (p *Progress) Completed() int64 { return p.completed.Load() }

// Cancel marks the progress cancelled and invokes the registered
// cancellation callback, if any. Idempotent.
func (p *Progress) Cancel() {
	if p.cancelled.CompareAndSwap(false, true) {
		if cb := p.onCancel.Load(); cb != nil {
			(*cb)()
		}
	}
}

// Cancelled reports whether Cancel has been called.
func (p *Progress) Cancelled() bool { return p.cancelled.Load() }

// OnCancel installs a callback invoked when Cancel is called. Used by the
// Fetcher to abort the outstanding HTTP request (spec.md §4.4).
// Installing a callback after Cancel has already fired invokes it
// immediately, so a late subscriber never misses a cancellation.
func (p *Progress) OnCancel(fn func()) {
	p.onCancel.Store(&fn)
	if p.cancelled.Load() {
		fn()
	}
}
