package receiver

import "github.com/danielloader/webcache/resource"

// BufferCompletionFunc is invoked exactly once when a BufferSink
// reaches a terminal state. sink.Dropped reports whether the buffer was
// discarded (size limit exceeded, or a partial segment arrived while
// AcceptPartial is false); sink.Bytes is nil whenever Dropped is true.
type BufferCompletionFunc func(sink *BufferSink)

// BufferSink is a Receiver that accumulates bytes into memory, bounded
// by SizeLimit, optionally refusing partial segments.
type BufferSink struct {
	SizeLimit     int64
	AcceptPartial bool
	Completion    BufferCompletionFunc

	Info    resource.Info
	Offset  int64
	Bytes   []byte
	Dropped bool
}

// NewBufferSink builds a BufferSink with the given limits.
func NewBufferSink(sizeLimit int64, acceptPartial bool, completion BufferCompletionFunc) *BufferSink {
	return &BufferSink{SizeLimit: sizeLimit, AcceptPartial: acceptPartial, Completion: completion}
}

func (b *BufferSink) OnInited(any, *Progress) {}

func (b *BufferSink) OnStarted(info resource.Info, offset int64, length *int64) {
	b.Info = info
	b.Offset = offset

	if length != nil && *length > b.SizeLimit {
		b.drop()
		return
	}
	if !b.AcceptPartial {
		total := info.TotalLength
		switch {
		case length == nil && total != nil:
			b.drop()
			return
		case length != nil && total != nil && *length != *total:
			b.drop()
			return
		}
	}
	b.Bytes = make([]byte, 0, initialCap(length, b.SizeLimit))
}

func initialCap(length *int64, limit int64) int64 {
	if length != nil && *length >= 0 && *length <= limit {
		return *length
	}
	return 0
}

func (b *BufferSink) OnData(chunk []byte) {
	if b.Dropped {
		return
	}
	if int64(len(b.Bytes))+int64(len(chunk)) > b.SizeLimit {
		b.drop()
		return
	}
	b.Bytes = append(b.Bytes, chunk...)
}

func (b *BufferSink) OnFinished() {
	if b.Completion != nil {
		b.Completion(b)
	}
}

func (b *BufferSink) OnAborted(error) {
	b.drop()
	if b.Completion != nil {
		b.Completion(b)
	}
}

func (b *BufferSink) drop() {
	b.Dropped = true
	b.Bytes = nil
}
