package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrConfigRequired    = sterrors.New("blockflow: configuration is required")
	ErrLoggerRequired    = sterrors.New("blockflow: logger is required")
	ErrStoreRequired     = sterrors.New("blockflow: store is required")
	ErrPublisherRequired = sterrors.New("blockflow: publisher is required")
	ErrProcessorRequired = sterrors.New("blockflow: block processor is required")
	ErrTopicRequired     = sterrors.New("blockflow: topic is required")
	ErrUnknownSubtype    = sterrors.New("blockflow: unknown event subtype")
	ErrBlockTimeout      = sterrors.New("blockflow: block processing deadline exceeded")
	ErrTxDone            = sterrors.New("blockflow: transaction already committed or rolled back")
)

// ConfigValidationError wraps configuration validation failures.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "blockflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}

// ParseMessageError reports an event that failed structural validation. The
// message is reported verbatim so operators can grep for it.
type ParseMessageError struct {
	Message string
}

func (e *ParseMessageError) Error() string { return e.Message }

// NewParseMessageError builds a ParseMessageError from a format string.
func NewParseMessageError(format string, args ...any) *ParseMessageError {
	if len(args) == 0 {
		return &ParseMessageError{Message: format}
	}
	return &ParseMessageError{Message: fmt.Sprintf(format, args...)}
}

// DecodeError reports bytes that could not be decoded into a block or payload.
// Envelope errors are never going to succeed on redelivery.
type DecodeError struct {
	What     string
	Envelope bool
	Err      error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("blockflow: decode %s: %v", e.What, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// PersistenceError wraps a store failure together with its retry classification.
type PersistenceError struct {
	Op        string
	Transient bool
	Err       error
}

func (e *PersistenceError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("blockflow: store %s (%s): %v", e.Op, kind, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// InvariantError marks a defect in the pipeline itself. It is fatal to the
// process rather than to the block.
type InvariantError struct {
	Reason string
}

func (e *InvariantError) Error() string {
	return "blockflow: invariant violated: " + e.Reason
}

// PublishError reports an outbound batch the bus did not accept.
type PublishError struct {
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("blockflow: publish to %s: %v", e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// IsTransient reports whether retrying the same block can succeed without
// operator intervention.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if sterrors.Is(err, ErrBlockTimeout) {
		return true
	}
	var perr *PersistenceError
	if sterrors.As(err, &perr) {
		return perr.Transient
	}
	var pubErr *PublishError
	return sterrors.As(err, &pubErr)
}

// IsPermanent reports whether err will fail again on every redelivery.
func IsPermanent(err error) bool {
	if err == nil || sterrors.Is(err, ErrBlockTimeout) {
		return false
	}
	var parseErr *ParseMessageError
	if sterrors.As(err, &parseErr) {
		return true
	}
	var decodeErr *DecodeError
	if sterrors.As(err, &decodeErr) {
		return true
	}
	var perr *PersistenceError
	if sterrors.As(err, &perr) {
		return !perr.Transient
	}
	return false
}

// Kind names the class of err for logs and metric labels.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	if sterrors.Is(err, ErrBlockTimeout) {
		return "timeout"
	}
	var (
		parseErr   *ParseMessageError
		decodeErr  *DecodeError
		perr       *PersistenceError
		invariant  *InvariantError
		publishErr *PublishError
	)
	switch {
	case sterrors.As(err, &parseErr):
		return "parse"
	case sterrors.As(err, &decodeErr):
		return "decode"
	case sterrors.As(err, &perr):
		return "persistence"
	case sterrors.As(err, &invariant):
		return "invariant"
	case sterrors.As(err, &publishErr):
		return "publish"
	}
	return "unknown"
}

// IsFatal reports whether err must stop the whole process.
func IsFatal(err error) bool {
	var inv *InvariantError
	return sterrors.As(err, &inv)
}
