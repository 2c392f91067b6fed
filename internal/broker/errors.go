package broker

import "errors"

// Link errors.
var (
	ErrNotConnected     = errors.New("broker link not connected")
	ErrShuttingDown     = errors.New("broker link is shutting down")
	ErrExhausted        = errors.New("broker link exhausted reconnect attempts")
	ErrInvalidQueueName = errors.New("queue name cannot be empty")
	ErrInvalidExchange  = errors.New("exchange name cannot be empty")
	ErrNilHandler       = errors.New("handler cannot be nil")
	ErrNoConsumer       = errors.New("no matching consumer")
	ErrMalformed        = errors.New("malformed message body")
)

// permanentError marks a handler failure that redelivery cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so that the delivery is rejected without requeue.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err, or anything it wraps, was marked with
// Permanent or is ErrMalformed.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe) || errors.Is(err, ErrMalformed)
}
