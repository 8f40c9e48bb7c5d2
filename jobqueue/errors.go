package jobqueue

import (
	"errors"
	"fmt"
)

var (
	ErrClosed                 = errors.New("jobqueue: service closed")
	ErrEmptyQueueName         = errors.New("jobqueue: queue name required")
	ErrEmptyJobType           = errors.New("jobqueue: job type required")
	ErrJobNotFound            = errors.New("jobqueue: job not found")
	ErrInvalidOptions         = errors.New("jobqueue: invalid job options")
	ErrInvalidState           = errors.New("jobqueue: state must be completed or failed")
	ErrObliterateNotConfirmed = errors.New("jobqueue: obliterate requires the queue name as confirmation")
	ErrQueueActive            = errors.New("jobqueue: queue has active jobs")
	ErrJobNotActive           = errors.New("jobqueue: job is not being processed")
)

type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }

func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as non-retryable: the job fails terminally on the
// current attempt regardless of its remaining attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Permanentf is shorthand for Permanent(fmt.Errorf(...)).
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}
