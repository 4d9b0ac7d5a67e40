package relay

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownDestination = errors.New("unknown destination")
	ErrNoMessages         = errors.New("no message bodies")
	ErrInvalidDelay       = errors.New("invalid delay")
)

const (
	DefaultFailureBackoff = 30 * time.Second
	DefaultMinDelay       = time.Second
	DefaultRatePerSec     = 5
	DefaultUserAgent      = "Mozilla/5.0 (compatible; loopcast/1.0)"
)

// Destination is a resolved, operator-owned target. Token is never logged.
type Destination struct {
	ID    string
	URL   string
	Token string
}

// Job describes one worker.
type Job struct {
	// Credential identifies who started the worker (an operator key fingerprint).
	Credential  string
	Destination Destination
	Prefix      string
	Delay       time.Duration
	Messages    []string
}

// Sender posts one composed message to a destination.
type Sender interface {
	Send(ctx context.Context, d Destination, text string) error
}

// StatusError is returned for any non-200 response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.Code)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
}

// Stats is a point-in-time view of a worker's progress.
type Stats struct {
	Sent      uint64
	Failed    uint64
	LastErr   string
	LastErrAt time.Time
	LastSent  time.Time
}

// Compose builds the posted text: "<prefix> <body>", or body alone when prefix is empty.
func Compose(prefix, body string) string {
	if prefix == "" {
		return body
	}
	return prefix + " " + body
}
