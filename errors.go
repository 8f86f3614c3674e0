package frontdoor

import (
	"fmt"
	"net"

	"github.com/pkg/errors"
)

// ErrServerClosed is returned by Server.Serve after Close or Shutdown.
var ErrServerClosed = errors.New("frontdoor: server closed")

// ErrFlooded is returned by the frame engine when the peer queues more
// control frames than it reads acknowledgements for.
type ErrFlooded struct{}

func (ErrFlooded) Error() string { return "flooded" }

// ErrCallbackFailure is returned by the frame engine when a callback failed.
type ErrCallbackFailure struct{}

func (ErrCallbackFailure) Error() string { return "callback failure" }

// ErrStreamClosed is returned when submitting to a stream that is closed or unknown.
type ErrStreamClosed struct{}

func (ErrStreamClosed) Error() string { return "stream closed" }

// ErrInvalidArgument is returned by the frame engine on misuse.
type ErrInvalidArgument struct{}

func (ErrInvalidArgument) Error() string { return "invalid argument" }

// ErrEngineClosed is returned by the frame engine after it has been released.
type ErrEngineClosed struct{}

func (ErrEngineClosed) Error() string { return "engine closed" }

// ErrHeaderListTooLarge is reported when an encoded header block exceeds the peer's limit.
type ErrHeaderListTooLarge struct{}

func (ErrHeaderListTooLarge) Error() string { return "header list too large" }

// ErrRequestCanceled is delivered to a Pipeline when its exchange dies before completion.
type ErrRequestCanceled struct{}

func (ErrRequestCanceled) Error() string { return "request canceled" }

// FatalError signals an invariant violation in the frame engine integration.
// It is raised with panic and never recovered by a Loop.
type FatalError struct {
	Op  string
	Err error
}

func (e FatalError) Error() string {
	return fmt.Sprintf("fatal: %s: %v", e.Op, e.Err)
}

func fatal(op string, err error) {
	panic(FatalError{Op: op, Err: errors.WithStack(err)})
}

func isClosedError(err error) bool {
	switch errors.Cause(err) {
	case ErrServerClosed, net.ErrClosed:
		return true
	}
	return errors.Is(err, net.ErrClosed)
}
