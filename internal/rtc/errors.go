package rtc

import (
	"errors"
	"fmt"

	"github.com/ent0n29/counselsim/internal/recording"
)

var (
	// ErrNotConnected is returned by recording calls made without live
	// local and remote audio.
	ErrNotConnected   = recording.ErrNotConnected
	ErrAlreadyStarted = errors.New("session already started")
	ErrStopped        = errors.New("session stopped")
)

// MediaAccessError reports that local audio capture was denied or is
// unavailable.
type MediaAccessError struct {
	Cause error
}

func (e *MediaAccessError) Error() string {
	if e.Cause == nil {
		return "media access denied"
	}
	return "media access denied: " + e.Cause.Error()
}

func (e *MediaAccessError) Unwrap() error { return e.Cause }

// NegotiationError reports that the remote endpoint rejected the session.
// Message carries the remote error text verbatim.
type NegotiationError struct {
	Status  int
	Message string
	Err     error
}

func (e *NegotiationError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("negotiation failed (%d): %s", e.Status, e.Message)
	}
	return "negotiation failed: " + e.Message
}

func (e *NegotiationError) Unwrap() error { return e.Err }

func asMediaAccessError(err error) error {
	var mae *MediaAccessError
	if errors.As(err, &mae) {
		return err
	}
	return &MediaAccessError{Cause: err}
}

func asNegotiationError(err error) error {
	var ne *NegotiationError
	if errors.As(err, &ne) {
		return err
	}
	return &NegotiationError{Message: err.Error(), Err: err}
}
