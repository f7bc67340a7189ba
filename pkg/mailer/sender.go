package mailer

import (
	"context"
	"errors"
)

//go:generate mockgen -destination=mock_mailer/mock_sender.go -package=mock_mailer . Sender

type Message struct {
	To       string
	Subject  string
	HTMLBody string
}

// Sender delivers one rendered message. Implementations must be safe for concurrent use.
type Sender interface {
	Send(ctx context.Context, m Message) error
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether a send failure will fail again on retry:
// errors marked with Permanent, and SMTP replies the server flagged as non-temporary.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var pe *permanentError
	if errors.As(err, &pe) {
		return true
	}
	return isPermanentSMTP(err)
}
