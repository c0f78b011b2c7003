package jobs

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/cenkalti/backoff/v4"

	"github.com/onexay/devpulse/internal/storage"
)

// ErrUnknownJobType is returned for job types without a handler.
var ErrUnknownJobType = errors.New("unknown job type")

// PayloadError reports a job payload that cannot be decoded.
type PayloadError struct {
	Type Type
	Err  error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("malformed %s payload: %v", e.Type, e.Err)
}

func (e *PayloadError) Unwrap() error { return e.Err }

// Class is the retry classification of a job error.
type Class int

const (
	Transient Class = iota + 1
	Unrecoverable
)

func (c Class) String() string {
	switch c {
	case Transient:
		return "transient"
	case Unrecoverable:
		return "unrecoverable"
	}
	return "unknown"
}

type httpStatuser interface {
	HTTPStatus() int
}

// Classify decides whether err is worth retrying.
func Classify(err error) Class {
	if err == nil {
		return Transient
	}

	var (
		permanent  *backoff.PermanentError
		payload    *PayloadError
		validation *storage.ValidationError
		corrupted  *storage.CorruptedRecordError
		conflict   *storage.ConflictError
		notFound   *storage.NotFoundError
		status     httpStatuser
	)
	switch {
	case errors.As(err, &permanent),
		errors.Is(err, ErrUnknownJobType),
		errors.As(err, &payload),
		errors.As(err, &validation),
		errors.As(err, &corrupted),
		errors.As(err, &conflict),
		errors.As(err, &notFound):
		return Unrecoverable
	case errors.As(err, &status):
		code := status.HTTPStatus()
		if code == http.StatusTooManyRequests || code >= 500 {
			return Transient
		}
		if code >= 400 {
			return Unrecoverable
		}
	}
	return Transient
}

// unrecoverable marks err so the runner does not retry it.
func unrecoverable(err error) error {
	return backoff.Permanent(err)
}
