// Package receiver defines the streaming-sink protocol used across every
// fetch in this cache: a four-phase callback contract (Init → Started →
// Data* → Finished|Aborted), plus two concrete receivers — Filter (a
// tee/fallthrough wrapper) and BufferSink (an in-memory accumulator).
package receiver

import "github.com/danielloader/webcache/resource"

// Receiver is the streaming sink for a single fetch. Calls arrive in
// strict order: OnInited exactly once, then at most one of
// {OnStarted followed by zero or more OnData then exactly one of
// OnFinished/OnAborted} or a bare OnAborted for a cold miss.
//
// Implementations must not block the calling store's task queue for
// longer than the time it takes to accept a chunk; a Receiver that does
// real I/O (like the file store's storing receiver) is expected to
// apply its own back-pressure rather than stall the queue indefinitely.
type Receiver interface {
	// OnInited is always called first. response is an opaque handle to
	// the underlying raw response (e.g. *http.Response) for decorators
	// that want to inspect it; it is nil for non-HTTP sources.
	OnInited(response any, progress *Progress)

	// OnStarted reports the segment about to be delivered. length is
	// nil when the origin did not declare a content length; offset is
	// the byte position within the complete resource.
	OnStarted(info resource.Info, offset int64, length *int64)

	// OnData delivers one ordered, non-overlapping, contiguous chunk.
	OnData(chunk []byte)

	// OnFinished signals successful completion. Mutually exclusive
	// with OnAborted; exactly one of the two follows OnStarted.
	OnFinished()

	// OnAborted signals early termination. err is nil for a cold miss
	// or cancellation, non-nil otherwise.
	OnAborted(err error)
}

// NopReceiver implements Receiver with no-op methods. Useful as an
// embeddable base for receivers that only care about a subset of the
// protocol.
type NopReceiver struct{}

func (NopReceiver) OnInited(any, *Progress)                       {}
func (NopReceiver) OnStarted(resource.Info, int64, *int64)         {}
func (NopReceiver) OnData([]byte)                                  {}
func (NopReceiver) OnFinished()                                    {}
func (NopReceiver) OnAborted(error)                                {}
