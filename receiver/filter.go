package receiver

import "github.com/danielloader/webcache/resource"

// CompletionFunc is invoked exactly once on a Filter's terminal
// transition (OnFinished or OnAborted). Returning true suppresses
// forwarding the terminal call to the inner Receiver — used by
// LayeredCache to swallow a "not found" from one leg of a fallthrough
// chain and retry against the other leg instead of propagating it to
// the caller.
type CompletionFunc func(success bool, err error, progress *Progress) bool

// Filter is a Receiver that delegates to an inner Receiver and
// optionally tees every OnData chunk into a second "filter" Receiver
// (used to persist bytes while they are being delivered). A
// CompletionFunc observes the terminal transition and may suppress
// forwarding it to the inner Receiver.
type Filter struct {
	Inner      Receiver
	Tee        Receiver // may be nil
	Completion CompletionFunc

	progress *Progress
	started  bool
}

// NewFilter builds a Filter forwarding to inner, optionally teeing to
// tee, with the given completion callback (which may be nil).
func NewFilter(inner Receiver, tee Receiver, completion CompletionFunc) *Filter {
	return &Filter{Inner: inner, Tee: tee, Completion: completion}
}

func (f *Filter) OnInited(response any, progress *Progress) {
	f.progress = progress
	f.Inner.OnInited(response, progress)
	if f.Tee != nil {
		f.Tee.OnInited(response, progress)
	}
}

func (f *Filter) OnStarted(info resource.Info, offset int64, length *int64) {
	f.started = true
	f.Inner.OnStarted(info, offset, length)
	if f.Tee != nil {
		f.Tee.OnStarted(info, offset, length)
	}
}

func (f *Filter) OnData(chunk []byte) {
	f.Inner.OnData(chunk)
	if f.Tee != nil {
		f.Tee.OnData(chunk)
	}
}

func (f *Filter) OnFinished() {
	suppress := f.runCompletion(true, nil)
	if f.Tee != nil {
		f.Tee.OnFinished()
	}
	if !suppress {
		f.Inner.OnFinished()
	}
}

func (f *Filter) OnAborted(err error) {
	// "found" in the completion sense means OnStarted fired before the
	// abort; spec.md's fallthrough combinator only retries the fallback
	// leg when nothing was ever delivered at all.
	suppress := f.runCompletion(f.started, err)
	if f.Tee != nil {
		f.Tee.OnAborted(err)
	}
	if !suppress {
		f.Inner.OnAborted(err)
	}
}

func (f *Filter) runCompletion(success bool, err error) bool {
	if f.Completion == nil {
		return false
	}
	return f.Completion(success, err, f.progress)
}
