package control

import (
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ent0n29/counselsim/internal/persona"
	"github.com/ent0n29/counselsim/internal/reliability"
)

// Channel is the ordered, reliable side channel next to the audio session.
type Channel interface {
	Label() string
	Ready() bool
	SendText(text string) error
	OnOpen(fn func())
	OnMessage(fn func(raw []byte))
}

// EventSink receives every decoded persona event in arrival order.
type EventSink interface {
	HandlePersonaEvent(ev PersonaEvent)
}

type Options struct {
	Composer   persona.Composer
	Scenario   persona.Scenario
	Verbosity  persona.Verbosity
	Modalities []Modality
	Sink       EventSink
	Logger     *zap.Logger

	// OnDirective observes every directive actually written to the channel.
	OnDirective func(Directive)
	// OnEvent observes every inbound event before it reaches Sink.
	OnEvent func(PersonaEvent)
}

// Protocol steers the persona over a Channel and forwards persona events.
type Protocol struct {
	ch   Channel
	opts Options
	log  *zap.Logger

	mu        sync.Mutex
	verbosity persona.Verbosity
	emotion   persona.Emotion

	primeOnce sync.Once
}

// New binds a protocol to ch. The role contract and opening cue are sent
// the first time the channel opens.
func New(ch Channel, opts Options) *Protocol {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if len(opts.Modalities) == 0 {
		opts.Modalities = DefaultModalities
	}
	p := &Protocol{
		ch:        ch,
		opts:      opts,
		log:       opts.Logger.With(zap.String("channel", ch.Label())),
		verbosity: opts.Verbosity,
		emotion:   persona.EmotionNeutral,
	}
	ch.OnOpen(p.handleOpen)
	ch.OnMessage(p.handleMessage)
	return p
}

func (p *Protocol) handleOpen() {
	p.primeOnce.Do(func() {
		p.log.Info("control channel open")
		v := p.Verbosity()
		if err := p.Send(p.directive(KindSessionUpdate, p.opts.Composer.RoleContract(p.opts.Scenario, v))); err != nil {
			p.log.Warn("send role contract failed", zap.Error(err))
		}
		if err := p.Send(p.directive(KindResponseCreate, p.opts.Composer.Opening(p.opts.Scenario))); err != nil {
			p.log.Warn("send opening cue failed", zap.Error(err))
		}
	})
}

func (p *Protocol) handleMessage(raw []byte) {
	ev, err := ParsePersonaEvent(raw)
	if err != nil {
		p.log.Warn("drop unparseable persona event", zap.Error(err))
		return
	}
	if ev.Kind == EventError {
		p.log.Warn("remote error event",
			zap.String("code", ev.Code),
			zap.String("detail", ev.Detail),
			zap.Bool("retryable", reliability.IsRetryableRealtimeError(ev.Code)),
		)
	}
	if p.opts.OnEvent != nil {
		p.opts.OnEvent(ev)
	}
	if p.opts.Sink != nil {
		p.opts.Sink.HandlePersonaEvent(ev)
	}
}

func (p *Protocol) directive(kind DirectiveKind, text string) Directive {
	d := Directive{Kind: kind, Instructions: text}
	if kind == KindResponseCreate {
		d.Modalities = append([]Modality(nil), p.opts.Modalities...)
	}
	return d
}

// Send writes d to the channel. Before the channel is ready this logs a
// warning and returns nil.
func (p *Protocol) Send(d Directive) error {
	payload, err := d.Encode()
	if err != nil {
		return err
	}
	if !p.ch.Ready() {
		p.log.Warn("control channel not ready; directive dropped", zap.String("kind", string(d.Kind)))
		return nil
	}
	if err := p.ch.SendText(string(payload)); err != nil {
		return fmt.Errorf("send %s: %w", d.Kind, err)
	}
	if p.opts.OnDirective != nil {
		p.opts.OnDirective(d)
	}
	return nil
}

// SendRaw writes an arbitrary JSON message under the same readiness rule.
func (p *Protocol) SendRaw(msg any) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal control message: %w", err)
	}
	if !p.ch.Ready() {
		p.log.Warn("control channel not ready; message dropped")
		return nil
	}
	return p.ch.SendText(string(payload))
}

// SendEmotion asks for a brief continuation in the named style. Unknown
// names resolve to neutral.
func (p *Protocol) SendEmotion(name string) error {
	e := persona.LookupEmotion(name)
	p.mu.Lock()
	p.emotion = e
	p.mu.Unlock()
	return p.Send(p.directive(KindResponseCreate, p.opts.Composer.EmotionCue(e)))
}

// SetVerbosity stores the preset for subsequently composed directives. It
// sends nothing.
func (p *Protocol) SetVerbosity(name string) persona.Verbosity {
	v := persona.LookupVerbosity(name)
	p.mu.Lock()
	p.verbosity = v
	p.mu.Unlock()
	return v
}

// RemindRole restates the client role as a session update.
func (p *Protocol) RemindRole() error {
	return p.Send(p.directive(KindSessionUpdate, p.opts.Composer.Reminder(p.Verbosity())))
}

func (p *Protocol) Verbosity() persona.Verbosity {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.verbosity
}

func (p *Protocol) Emotion() persona.Emotion {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.emotion
}

func (p *Protocol) Ready() bool { return p.ch.Ready() }
