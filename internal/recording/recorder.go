package recording

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/counselsim/internal/audio"
)

var (
	// ErrNotConnected is returned when recording is requested without live
	// local and remote audio.
	ErrNotConnected = errors.New("not connected: local and remote audio must both be live")
	// ErrAlreadyRecording guards the single active recording per session.
	ErrAlreadyRecording = errors.New("recording already in progress")
)

const DefaultChunkInterval = time.Second

// Artifact is the encoded result of one start/stop cycle.
type Artifact struct {
	ID         string
	MimeType   string
	Data       []byte
	SampleRate int
	Duration   time.Duration
	Chunks     int
	CreatedAt  time.Time
}

type Config struct {
	SampleRate    int
	ChunkInterval time.Duration
	Logger        *zap.Logger
	// Clock defaults to time.Now.
	Clock func() time.Time
}

// Recorder sums local and remote audio into one time-aligned stream and
// captures it in fixed-interval chunks.
type Recorder struct {
	sampleRate int
	interval   time.Duration
	log        *zap.Logger
	now        func() time.Time

	mu  sync.Mutex
	cur *capture
}

type capture struct {
	stop    chan struct{}
	done    chan struct{}
	chunks  [][]int16
	started time.Time
}

func NewRecorder(cfg Config) *Recorder {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = audio.DefaultSampleRate
	}
	if cfg.ChunkInterval <= 0 {
		cfg.ChunkInterval = DefaultChunkInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Recorder{
		sampleRate: cfg.SampleRate,
		interval:   cfg.ChunkInterval,
		log:        cfg.Logger,
		now:        cfg.Clock,
	}
}

// Start begins mixing local and remote into chunked capture.
func (r *Recorder) Start(local, remote audio.Source) error {
	if !audio.Live(local) || !audio.Live(remote) {
		return ErrNotConnected
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur != nil {
		return ErrAlreadyRecording
	}

	localCh, cancelLocal := local.Subscribe(256)
	remoteCh, cancelRemote := remote.Subscribe(256)
	c := &capture{
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		started: r.now(),
	}
	r.cur = c

	go func() {
		defer close(c.done)
		defer cancelLocal()
		defer cancelRemote()
		r.mixLoop(c, localCh, remoteCh)
	}()

	r.log.Info("recording started",
		zap.String("local", local.ID()),
		zap.String("remote", remote.ID()),
		zap.Duration("chunk_interval", r.interval),
	)
	return nil
}

func (r *Recorder) mixLoop(c *capture, localCh, remoteCh <-chan audio.Frame) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	tl := audio.NewTimeline(r.sampleRate, c.started, audio.DefaultAlignSlack)
	write := func(source string, f audio.Frame) {
		at := f.At
		if at.IsZero() {
			at = r.now()
		}
		tl.Write(source, at, audio.Resample(f.Samples, f.SampleRate, r.sampleRate))
	}
	flush := func(end int64) {
		if chunk := tl.Flush(end); len(chunk) > 0 {
			c.chunks = append(c.chunks, chunk)
		}
	}

	for {
		select {
		case f, ok := <-localCh:
			if !ok {
				localCh = nil
				continue
			}
			write("local", f)
		case f, ok := <-remoteCh:
			if !ok {
				remoteCh = nil
				continue
			}
			write("remote", f)
		case <-ticker.C:
			flush(tl.Offset(r.now()))
		case <-c.stop:
			for _, f := range r.drain(localCh) {
				write("local", f)
			}
			for _, f := range r.drain(remoteCh) {
				write("remote", f)
			}
			end := tl.Offset(r.now())
			if e := tl.End(); e > end {
				end = e
			}
			flush(end)
			return
		}
	}
}

// drain returns frames already buffered on ch without blocking.
func (r *Recorder) drain(ch <-chan audio.Frame) []audio.Frame {
	if ch == nil {
		return nil
	}
	var out []audio.Frame
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, f)
		default:
			return out
		}
	}
}

func (r *Recorder) detach() *capture {
	r.mu.Lock()
	c := r.cur
	r.cur = nil
	r.mu.Unlock()
	if c == nil {
		return nil
	}
	close(c.stop)
	<-c.done
	return c
}

// Stop finalizes the last chunk and returns the encoded artifact. It returns
// nil, nil when no recording is active.
func (r *Recorder) Stop() (*Artifact, error) {
	c := r.detach()
	if c == nil {
		return nil, nil
	}

	total := 0
	for _, chunk := range c.chunks {
		total += len(chunk)
	}
	samples := make([]int16, 0, total)
	for _, chunk := range c.chunks {
		samples = append(samples, chunk...)
	}

	data, err := audio.EncodeWAV(audio.PCM16Bytes(samples), r.sampleRate)
	if err != nil {
		return nil, fmt.Errorf("encode recording: %w", err)
	}
	a := &Artifact{
		ID:         uuid.NewString(),
		MimeType:   audio.MimeTypeWAV,
		Data:       data,
		SampleRate: r.sampleRate,
		Duration:   time.Duration(total) * time.Second / time.Duration(r.sampleRate),
		Chunks:     len(c.chunks),
		CreatedAt:  time.Now().UTC(),
	}
	r.log.Info("recording stopped",
		zap.String("artifact_id", a.ID),
		zap.Int("chunks", a.Chunks),
		zap.Duration("duration", a.Duration),
		zap.Duration("elapsed", r.now().Sub(c.started)),
	)
	return a, nil
}

// Halt ends any active recording and discards what was captured.
func (r *Recorder) Halt() {
	if c := r.detach(); c != nil {
		r.log.Info("recording halted", zap.Int("chunks", len(c.chunks)))
	}
}

func (r *Recorder) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cur != nil
}
