package rtc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ent0n29/counselsim/internal/audio"
)

// DefaultMediaTimeout bounds how long Acquire waits for the browser.
const DefaultMediaTimeout = 30 * time.Second

var (
	ErrMediaDenied  = errors.New("microphone permission denied")
	ErrMediaTimeout = errors.New("timed out waiting for microphone")
)

// RelayedMedia is a microphone captured in the browser and streamed over
// the session websocket. Acquire asks the browser for the device and waits
// for Grant or Deny.
type RelayedMedia struct {
	src     *audio.Broadcaster
	request func() error
	timeout time.Duration

	mu       sync.Mutex
	decided  chan struct{}
	granted  bool
	reason   string
	resolved bool
}

func NewRelayedMedia(id string, sampleRate int, timeout time.Duration, request func() error) *RelayedMedia {
	if timeout <= 0 {
		timeout = DefaultMediaTimeout
	}
	return &RelayedMedia{
		src:     audio.NewBroadcaster(id, sampleRate),
		request: request,
		timeout: timeout,
		decided: make(chan struct{}),
	}
}

func (m *RelayedMedia) Acquire(ctx context.Context) (Capture, error) {
	if m.request != nil {
		if err := m.request(); err != nil {
			return nil, &MediaAccessError{Cause: err}
		}
	}

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()
	select {
	case <-m.decided:
	case <-ctx.Done():
		return nil, &MediaAccessError{Cause: ctx.Err()}
	case <-timer.C:
		return nil, &MediaAccessError{Cause: ErrMediaTimeout}
	}

	m.mu.Lock()
	granted, reason := m.granted, m.reason
	m.mu.Unlock()
	if !granted {
		if reason == "" {
			return nil, &MediaAccessError{Cause: ErrMediaDenied}
		}
		return nil, &MediaAccessError{Cause: errors.New(reason)}
	}
	return m.src, nil
}

// Grant records that the browser opened the microphone.
func (m *RelayedMedia) Grant() { m.resolve(true, "") }

// Deny records that the browser could not open the microphone.
func (m *RelayedMedia) Deny(reason string) { m.resolve(false, reason) }

func (m *RelayedMedia) resolve(granted bool, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.resolved {
		return
	}
	m.resolved = true
	m.granted = granted
	m.reason = reason
	close(m.decided)
}

// Push publishes a chunk of relayed microphone audio.
func (m *RelayedMedia) Push(samples []int16, sampleRate int) {
	m.src.Publish(audio.Frame{Samples: samples, SampleRate: sampleRate, At: time.Now()})
}

func (m *RelayedMedia) Source() audio.Source { return m.src }

func (m *RelayedMedia) Close() error { return m.src.Close() }
