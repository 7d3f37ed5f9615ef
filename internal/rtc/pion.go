package rtc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"

	"github.com/ent0n29/counselsim/internal/audio"
	"github.com/ent0n29/counselsim/internal/control"
)

const packetDuration = 20 * time.Millisecond

type PionConfig struct {
	ICEServers []string
	Codec      Codec
	Logger     *zap.Logger
}

// PionTransport is a Transport backed by a pion PeerConnection.
type PionTransport struct {
	pc    *webrtc.PeerConnection
	codec Codec
	log   *zap.Logger

	mu            sync.Mutex
	onRemoteAudio func(audio.Source)
	onState       func(TransportState)
	closed        bool

	stop      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewPionTransportFactory returns a constructor suitable for Config.NewTransport.
func NewPionTransportFactory(cfg PionConfig) func() (Transport, error) {
	return func() (Transport, error) {
		return NewPionTransport(cfg)
	}
}

func NewPionTransport(cfg PionConfig) (*PionTransport, error) {
	if cfg.Codec == nil {
		cfg.Codec = PCMU{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: cfg.Codec.Capability(),
		PayloadType:        cfg.Codec.PayloadType(),
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register codec: %w", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m))

	pcCfg := webrtc.Configuration{}
	if urls := nonEmpty(cfg.ICEServers); len(urls) > 0 {
		pcCfg.ICEServers = []webrtc.ICEServer{{URLs: urls}}
	}
	pc, err := api.NewPeerConnection(pcCfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	t := &PionTransport{
		pc:    pc,
		codec: cfg.Codec,
		log:   cfg.Logger,
		stop:  make(chan struct{}),
	}
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.mu.Lock()
		fn := t.onState
		t.mu.Unlock()
		if fn != nil {
			fn(mapPeerState(s))
		}
	})
	pc.OnTrack(t.handleTrack)
	return t, nil
}

func nonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func mapPeerState(s webrtc.PeerConnectionState) TransportState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return TransportConnecting
	case webrtc.PeerConnectionStateConnected:
		return TransportConnected
	case webrtc.PeerConnectionStateDisconnected:
		return TransportDisconnected
	case webrtc.PeerConnectionStateFailed:
		return TransportFailed
	case webrtc.PeerConnectionStateClosed:
		return TransportClosed
	default:
		return TransportNew
	}
}

func (t *PionTransport) OnRemoteAudio(fn func(audio.Source)) {
	t.mu.Lock()
	t.onRemoteAudio = fn
	t.mu.Unlock()
}

func (t *PionTransport) OnStateChange(fn func(TransportState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

func (t *PionTransport) handleTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	rate := int(track.Codec().ClockRate)
	if rate <= 0 {
		rate = int(t.codec.Capability().ClockRate)
	}
	src := audio.NewBroadcaster("remote-"+track.ID(), rate)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = src.Close()
		return
	}
	fn := t.onRemoteAudio
	t.wg.Add(1)
	t.mu.Unlock()

	t.log.Info("remote audio track", zap.String("track_id", track.ID()), zap.String("codec", track.Codec().MimeType))
	go func() {
		defer t.wg.Done()
		defer src.Close()
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					t.log.Debug("remote track ended", zap.Error(err))
				}
				return
			}
			src.Publish(audio.Frame{Samples: t.codec.Decode(pkt.Payload), SampleRate: rate, At: time.Now()})
		}
	}()

	if fn != nil {
		fn(src)
	}
}

// AddLocalAudio sends src to the remote endpoint in fixed-duration packets.
func (t *PionTransport) AddLocalAudio(src audio.Source) error {
	track, err := webrtc.NewTrackLocalStaticSample(t.codec.Capability(), "audio", "counselsim")
	if err != nil {
		return fmt.Errorf("new local track: %w", err)
	}
	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("add track: %w", err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrStopped
	}
	t.wg.Add(2)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	go func() {
		defer t.wg.Done()
		t.pumpLocal(src, track)
	}()
	return nil
}

func (t *PionTransport) pumpLocal(src audio.Source, track *webrtc.TrackLocalStaticSample) {
	frames, cancel := src.Subscribe(128)
	defer cancel()

	rate := int(t.codec.Capability().ClockRate)
	perPacket := rate * int(packetDuration/time.Millisecond) / 1000
	var pending []int16
	for {
		select {
		case <-t.stop:
			return
		case f, ok := <-frames:
			if !ok {
				return
			}
			pending = append(pending, audio.Resample(f.Samples, f.SampleRate, rate)...)
			for len(pending) >= perPacket {
				sample := media.Sample{Data: t.codec.Encode(pending[:perPacket]), Duration: packetDuration}
				pending = pending[perPacket:]
				if err := track.WriteSample(sample); err != nil {
					if errors.Is(err, io.ErrClosedPipe) {
						return
					}
					t.log.Debug("write local sample failed", zap.Error(err))
				}
			}
		}
	}
}

func (t *PionTransport) CreateControlChannel(label string) (control.Channel, error) {
	dc, err := t.pc.CreateDataChannel(label, nil)
	if err != nil {
		return nil, fmt.Errorf("create data channel: %w", err)
	}
	return dataChannel{dc: dc}, nil
}

// CreateOffer returns the local description once ICE gathering completes.
func (t *PionTransport) CreateOffer(ctx context.Context) (string, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	gathered := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return t.pc.LocalDescription().SDP, nil
}

func (t *PionTransport) ApplyAnswer(sdp string) error {
	return t.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

func (t *PionTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		close(t.stop)
		err = t.pc.Close()
		t.wg.Wait()
	})
	return err
}

type dataChannel struct {
	dc *webrtc.DataChannel
}

func (c dataChannel) Label() string { return c.dc.Label() }

func (c dataChannel) Ready() bool { return c.dc.ReadyState() == webrtc.DataChannelStateOpen }

func (c dataChannel) SendText(text string) error { return c.dc.SendText(text) }

func (c dataChannel) OnOpen(fn func()) { c.dc.OnOpen(fn) }

func (c dataChannel) OnMessage(fn func(raw []byte)) {
	c.dc.OnMessage(func(msg webrtc.DataChannelMessage) { fn(msg.Data) })
}
