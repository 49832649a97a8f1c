// Package analyzer abstracts the remote visual-inspection service. The
// dispatch pipeline depends only on the Analyzer interface; concrete
// clients (REST, managed child process) are chosen at construction time.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

const (
	ModeRest    = "rest"
	ModeManaged = "managed"

	ResponseTypeContext   = "context"
	ResponseTypeAnnotated = "annotated_image"

	APIKeyInQuery  = "query"
	APIKeyInHeader = "header"
)

type Request struct {
	// Exactly one of ImagePath / ImageBytes is set.
	ImagePath  string
	ImageBytes []byte

	// Data is the dispatch label sent alongside the image.
	Data string

	Timeout       time.Duration
	ResponseType  string
	ContextInBody bool
}

type Response struct {
	// Context is the structured evaluation returned by the service,
	// nil when the service returned none.
	Context map[string]any

	// ImageBytes holds the annotated image when ResponseType requests it.
	ImageBytes []byte
}

type Analyzer interface {
	Ping(ctx context.Context) bool
	Stop(ctx context.Context)
	Analyze(ctx context.Context, req Request) (Response, error)
}

// TransientError marks failures worth retrying: timeouts, refused or reset
// connections, HTTP 5xx, or responses with no status at all.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient analyzer error: %v", e.Err)
}

func (e *TransientError) Unwrap() error {
	return e.Err
}

func Transientf(format string, args ...any) error {
	return &TransientError{Err: fmt.Errorf(format, args...)}
}

func IsTransient(err error) bool {
	var transient *TransientError
	if errors.As(err, &transient) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded)
}
