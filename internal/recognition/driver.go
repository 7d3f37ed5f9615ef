package recognition

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/counselsim/internal/reliability"
)

// DefaultLanguage is used when the transcript language is "auto" or empty.
const DefaultLanguage = "en-US"

type Result struct {
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

type Options struct {
	Language   string `json:"language"`
	Continuous bool   `json:"continuous"`
	Interim    bool   `json:"interim"`
}

// Run is one recognition pass. Results is closed when the pass terminates,
// after which Err reports why.
type Run interface {
	Results() <-chan Result
	Err() error
	Stop()
}

// Capability is the external speech recognizer.
type Capability interface {
	Available() bool
	Start(ctx context.Context, opts Options) (Run, error)
}

// RecognitionError is a transient recognizer failure. It never leaves the
// driver; it only feeds the restart policy.
type RecognitionError struct {
	Reason string
	Err    error
}

func (e *RecognitionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("recognition %s: %v", e.Reason, e.Err)
	}
	return "recognition " + e.Reason
}

func (e *RecognitionError) Unwrap() error { return e.Err }

type DriverOptions struct {
	Language string

	// OnFinal receives trimmed final results. It runs on the driver
	// goroutine and must not call Stop.
	OnFinal func(text string)
	// OnInterim, when set, receives interim results for display only.
	OnInterim func(text string)
	// OnRestart fires before each automatic restart.
	OnRestart func(attempt int)

	RestartBase time.Duration
	RestartMax  time.Duration
	Logger      *zap.Logger
}

// Driver keeps continuous recognition running while the capability is
// available and the user has it enabled.
type Driver struct {
	cap  Capability
	opts DriverOptions
	log  *zap.Logger

	mu            sync.Mutex
	enabled       bool
	active        bool
	stopRequested bool
	run           Run
	cancel        context.CancelFunc
	done          chan struct{}
}

func NewDriver(capability Capability, opts DriverOptions) *Driver {
	opts.Language = ResolveLanguage(opts.Language)
	if opts.RestartBase <= 0 {
		opts.RestartBase = 250 * time.Millisecond
	}
	if opts.RestartMax < opts.RestartBase {
		opts.RestartMax = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Driver{
		cap:     capability,
		opts:    opts,
		log:     opts.Logger.With(zap.String("language", opts.Language)),
		enabled: true,
	}
}

// ResolveLanguage maps "auto" and empty to DefaultLanguage.
func ResolveLanguage(lang string) string {
	lang = strings.TrimSpace(lang)
	if lang == "" || strings.EqualFold(lang, "auto") {
		return DefaultLanguage
	}
	return lang
}

func (d *Driver) recognitionOptions() Options {
	return Options{Language: d.opts.Language, Continuous: true, Interim: true}
}

// Start begins recognition. It is a no-op when already active, disabled,
// or the capability is unavailable.
func (d *Driver) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active || !d.enabled || d.cap == nil || !d.cap.Available() {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	d.active = true
	d.stopRequested = false
	d.cancel = cancel
	d.done = done

	go func() {
		defer close(done)
		defer cancel()
		d.loop(runCtx)
	}()
}

func (d *Driver) loop(ctx context.Context) {
	failures := 0
	for attempt := 0; ; attempt++ {
		err := d.runOnce(ctx)
		if err != nil {
			failures++
			d.log.Warn("recognition terminated", zap.Error(err), zap.Int("failures", failures))
		} else {
			failures = 0
		}

		if !d.shouldRestart(ctx) {
			d.markInactive()
			return
		}
		if failures > 0 {
			wait := reliability.ExponentialBackoff(failures-1, d.opts.RestartBase, d.opts.RestartMax)
			select {
			case <-ctx.Done():
				d.markInactive()
				return
			case <-time.After(wait):
			}
			if !d.shouldRestart(ctx) {
				d.markInactive()
				return
			}
		}
		d.log.Debug("recognition restarting", zap.Int("attempt", attempt+1))
		if d.opts.OnRestart != nil {
			d.opts.OnRestart(attempt + 1)
		}
	}
}

func (d *Driver) runOnce(ctx context.Context) error {
	run, err := d.cap.Start(ctx, d.recognitionOptions())
	if err != nil {
		return &RecognitionError{Reason: "start", Err: err}
	}
	d.mu.Lock()
	d.run = run
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.run = nil
		d.mu.Unlock()
	}()

	results := run.Results()
	for {
		select {
		case <-ctx.Done():
			run.Stop()
			return nil
		case res, ok := <-results:
			if !ok {
				return run.Err()
			}
			d.commit(res)
		}
	}
}

func (d *Driver) commit(res Result) {
	text := strings.TrimSpace(res.Text)
	if text == "" {
		return
	}
	if res.Final {
		if d.opts.OnFinal != nil {
			d.opts.OnFinal(text)
		}
		return
	}
	if d.opts.OnInterim != nil {
		d.opts.OnInterim(text)
	}
}

func (d *Driver) shouldRestart(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled && !d.stopRequested && d.cap.Available()
}

func (d *Driver) markInactive() {
	d.mu.Lock()
	d.active = false
	d.mu.Unlock()
}

// Stop halts recognition and suppresses the next automatic restart. It
// waits for the driver goroutine to exit and is safe to call repeatedly.
func (d *Driver) Stop() {
	d.mu.Lock()
	d.stopRequested = true
	run, cancel, done := d.run, d.cancel, d.done
	d.mu.Unlock()

	if run != nil {
		run.Stop()
	}
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// SetEnabled records the user toggle. Disabling stops any active pass.
func (d *Driver) SetEnabled(enabled bool) {
	d.mu.Lock()
	d.enabled = enabled
	d.mu.Unlock()
	if !enabled {
		d.Stop()
	}
}

func (d *Driver) Enabled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.enabled
}

func (d *Driver) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}
