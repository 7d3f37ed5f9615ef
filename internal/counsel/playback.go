package counsel

import (
	"encoding/base64"
	"sync"

	"github.com/ent0n29/counselsim/internal/audio"
	"github.com/ent0n29/counselsim/internal/protocol"
)

const playbackFormat = "pcm_s16le"

// wsPlayback plays the persona's voice in the browser by forwarding
// decoded remote frames as assistant_audio_chunk messages.
type wsPlayback struct {
	sessionID string
	send      func(msg any)

	mu     sync.Mutex
	cancel func()
	done   chan struct{}
}

func newWSPlayback(sessionID string, send func(msg any)) *wsPlayback {
	return &wsPlayback{sessionID: sessionID, send: send}
}

func (p *wsPlayback) Attach(src audio.Source) {
	p.Detach()

	frames, cancel := src.Subscribe(128)
	done := make(chan struct{})
	p.mu.Lock()
	p.cancel = cancel
	p.done = done
	p.mu.Unlock()

	go func() {
		defer close(done)
		seq := 0
		for f := range frames {
			if len(f.Samples) == 0 {
				continue
			}
			seq++
			p.send(protocol.AssistantAudioChunk{
				Type:        protocol.TypeAssistantAudio,
				SessionID:   p.sessionID,
				Seq:         seq,
				Format:      playbackFormat,
				SampleRate:  f.SampleRate,
				AudioBase64: base64.StdEncoding.EncodeToString(audio.PCM16Bytes(f.Samples)),
			})
		}
	}()
}

// Detach stops forwarding and waits for the pump to exit.
func (p *wsPlayback) Detach() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel, p.done = nil, nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}
