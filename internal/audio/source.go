package audio

import (
	"sync"
	"time"
)

// Frame is a block of mono PCM16 samples. At is when the block was
// captured; consumers stamp a zero At with their own receive time.
type Frame struct {
	Samples    []int16
	SampleRate int
	At         time.Time
}

// Source is a live mono audio stream that any number of consumers can tap.
type Source interface {
	ID() string
	SampleRate() int
	// Subscribe returns a frame channel and a cancel func. The channel is
	// closed when the source ends or cancel is called.
	Subscribe(buffer int) (<-chan Frame, func())
	// Done is closed once the source has ended.
	Done() <-chan struct{}
}

// Broadcaster fans published frames out to every subscriber. Slow
// subscribers lose frames rather than stall the producer.
type Broadcaster struct {
	id         string
	sampleRate int

	mu      sync.Mutex
	subs    map[int]chan Frame
	nextSub int
	closed  bool
	dropped int

	done      chan struct{}
	closeOnce sync.Once
}

func NewBroadcaster(id string, sampleRate int) *Broadcaster {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	return &Broadcaster{
		id:         id,
		sampleRate: sampleRate,
		subs:       make(map[int]chan Frame),
		done:       make(chan struct{}),
	}
}

func (b *Broadcaster) ID() string            { return b.id }
func (b *Broadcaster) SampleRate() int       { return b.sampleRate }
func (b *Broadcaster) Done() <-chan struct{} { return b.done }

func (b *Broadcaster) Subscribe(buffer int) (<-chan Frame, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Frame, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub)
			}
		})
	}
}

// Publish delivers a frame to all current subscribers. Frames published
// after Close are discarded.
func (b *Broadcaster) Publish(f Frame) {
	if len(f.Samples) == 0 {
		return
	}
	if f.SampleRate <= 0 {
		f.SampleRate = b.sampleRate
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- f:
		default:
			b.dropped++
		}
	}
}

// Dropped reports how many frame deliveries were skipped for full subscribers.
func (b *Broadcaster) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Close ends the stream. It is safe to call more than once.
func (b *Broadcaster) Close() error {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		for id, ch := range b.subs {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
		close(b.done)
	})
	return nil
}

// Live reports whether src is non-nil and has not ended.
func Live(src Source) bool {
	if src == nil {
		return false
	}
	select {
	case <-src.Done():
		return false
	default:
		return true
	}
}
