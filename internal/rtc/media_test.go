package rtc

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/ent0n29/counselsim/internal/audio"
)

func TestRelayedMediaGrant(t *testing.T) {
	requested := 0
	m := NewRelayedMedia("mic", 8000, time.Second, func() error {
		requested++
		return nil
	})
	defer m.Close()

	m.Grant()
	m.Deny("too late")
	capture, err := m.Acquire(context.Background())
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if requested != 1 {
		t.Fatalf("request called %d times, want 1", requested)
	}
	if !audio.Live(capture) {
		t.Fatalf("capture should be live")
	}

	frames, cancel := capture.Subscribe(4)
	defer cancel()
	m.Push([]int16{1, 2, 3}, 16000)
	f := <-frames
	if len(f.Samples) != 3 || f.SampleRate != 16000 {
		t.Fatalf("frame = %+v", f)
	}

	if err := capture.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if audio.Live(m.Source()) {
		t.Fatalf("source still live after capture closed")
	}
}

func TestRelayedMediaFailures(t *testing.T) {
	denied := NewRelayedMedia("mic", 8000, time.Second, nil)
	denied.Deny("NotAllowedError: Permission denied")
	_, err := denied.Acquire(context.Background())
	var mae *MediaAccessError
	if !errors.As(err, &mae) || mae.Cause.Error() != "NotAllowedError: Permission denied" {
		t.Fatalf("Acquire() denied error = %v", err)
	}

	silent := NewRelayedMedia("mic", 8000, 10*time.Millisecond, nil)
	if _, err := silent.Acquire(context.Background()); !errors.Is(err, ErrMediaTimeout) {
		t.Fatalf("Acquire() timeout error = %v, want ErrMediaTimeout", err)
	}

	requestErr := errors.New("socket closed")
	broken := NewRelayedMedia("mic", 8000, time.Second, func() error { return requestErr })
	if _, err := broken.Acquire(context.Background()); !errors.Is(err, requestErr) {
		t.Fatalf("Acquire() request error = %v, want wrapped request error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	pending := NewRelayedMedia("mic", 8000, time.Second, nil)
	if _, err := pending.Acquire(ctx); !errors.As(err, &mae) {
		t.Fatalf("Acquire() cancelled error = %v, want MediaAccessError", err)
	}
}

func TestPCMURoundTrip(t *testing.T) {
	codec := PCMU{}
	if codec.Capability().MimeType != webrtc.MimeTypePCMU || codec.Capability().ClockRate != 8000 {
		t.Fatalf("Capability() = %+v", codec.Capability())
	}
	in := []int16{0, 1000, -1000, 8000, -8000, 30000}
	payload := codec.Encode(in)
	if len(payload) != len(in) {
		t.Fatalf("payload length = %d, want %d", len(payload), len(in))
	}
	out := codec.Decode(payload)
	for i := range in {
		diff := int(out[i]) - int(in[i])
		if diff < 0 {
			diff = -diff
		}
		limit := int(in[i]) / 16
		if limit < 0 {
			limit = -limit
		}
		if limit < 8 {
			limit = 8
		}
		if diff > limit {
			t.Fatalf("sample %d: decoded %d from %d (diff %d > %d)", i, out[i], in[i], diff, limit)
		}
	}
}

func TestMapPeerState(t *testing.T) {
	cases := map[webrtc.PeerConnectionState]TransportState{
		webrtc.PeerConnectionStateNew:          TransportNew,
		webrtc.PeerConnectionStateConnecting:   TransportConnecting,
		webrtc.PeerConnectionStateConnected:    TransportConnected,
		webrtc.PeerConnectionStateDisconnected: TransportDisconnected,
		webrtc.PeerConnectionStateFailed:       TransportFailed,
		webrtc.PeerConnectionStateClosed:       TransportClosed,
	}
	for in, want := range cases {
		if got := mapPeerState(in); got != want {
			t.Fatalf("mapPeerState(%v) = %q, want %q", in, got, want)
		}
	}
}
