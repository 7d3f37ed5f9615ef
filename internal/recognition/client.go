package recognition

import (
	"context"
	"errors"
	"sync"

	"github.com/ent0n29/counselsim/internal/reliability"
)

type CommandAction string

const (
	CommandStart CommandAction = "start"
	CommandStop  CommandAction = "stop"
)

// Command asks the connected browser to start or stop its recognizer.
type Command struct {
	Action  CommandAction `json:"action"`
	Options Options       `json:"options"`
}

var ErrUnavailable = errors.New("speech recognition unavailable")

// ClientCapability relays recognition to the browser over the session's
// websocket. The browser reports results with Deliver and termination
// with End.
type ClientCapability struct {
	send func(Command) error

	mu        sync.Mutex
	available bool
	cur       *clientRun
	dropped   int
}

func NewClientCapability(send func(Command) error) *ClientCapability {
	return &ClientCapability{send: send}
}

func (c *ClientCapability) Available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.available
}

func (c *ClientCapability) SetAvailable(available bool) {
	c.mu.Lock()
	c.available = available
	c.mu.Unlock()
	if !available {
		c.End("unavailable")
	}
}

func (c *ClientCapability) Start(_ context.Context, opts Options) (Run, error) {
	c.mu.Lock()
	if !c.available {
		c.mu.Unlock()
		return nil, ErrUnavailable
	}
	prev := c.cur
	run := &clientRun{owner: c, results: make(chan Result, 64)}
	c.cur = run
	c.mu.Unlock()

	if prev != nil {
		prev.finish(nil)
	}
	if err := c.send(Command{Action: CommandStart, Options: opts}); err != nil {
		c.detach(run)
		run.finish(nil)
		return nil, err
	}
	return run, nil
}

// Deliver forwards a browser result to the active pass. Results that arrive
// with no active pass, or faster than the driver drains them, are dropped.
func (c *ClientCapability) Deliver(res Result) {
	c.mu.Lock()
	run := c.cur
	c.mu.Unlock()
	if run == nil || !run.deliver(res) {
		c.mu.Lock()
		c.dropped++
		c.mu.Unlock()
	}
}

// End terminates the active pass as reported by the browser.
func (c *ClientCapability) End(reason string) {
	c.mu.Lock()
	run := c.cur
	c.cur = nil
	c.mu.Unlock()
	if run == nil {
		return
	}
	var err error
	if !reliability.IsBenignRecognitionEnd(reason) {
		err = &RecognitionError{Reason: reason}
	}
	run.finish(err)
}

func (c *ClientCapability) Dropped() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

func (c *ClientCapability) detach(run *clientRun) {
	c.mu.Lock()
	if c.cur == run {
		c.cur = nil
	}
	c.mu.Unlock()
}

type clientRun struct {
	owner   *ClientCapability
	results chan Result

	mu     sync.Mutex
	closed bool
	err    error
}

func (r *clientRun) Results() <-chan Result { return r.results }

func (r *clientRun) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *clientRun) Stop() {
	r.owner.detach(r)
	if r.finish(nil) {
		_ = r.owner.send(Command{Action: CommandStop})
	}
}

func (r *clientRun) deliver(res Result) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	select {
	case r.results <- res:
		return true
	default:
		return false
	}
}

func (r *clientRun) finish(err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.closed = true
	r.err = err
	close(r.results)
	return true
}
