// Package relayerr defines the error taxonomy shared by every handler and
// the central classification helper that turns an error into an HTTP
// response for the *other* side of an Interaction.
package relayerr

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrMalformedRequest marks a missing or garbled X-IWP-* header set.
	ErrMalformedRequest = errors.New("malformed request")
	// ErrStreamClosed marks a peer that dropped mid-stream, or a write
	// attempted on an already-closed stream; both cases are handled
	// identically here.
	ErrStreamClosed = errors.New("stream closed")
	// ErrRangeFile marks a corrupt or inaccessible range file; fatal at
	// startup, logged and surfaced otherwise.
	ErrRangeFile = errors.New("range file error")
	// ErrPeer marks a failed outbound HTTP call to a peer instance.
	ErrPeer = errors.New("peer error")
	// ErrValidation marks a RequestID whose stored ProductID does not
	// match the caller's claim.
	ErrValidation = errors.New("validation error")
	// ErrNoReply fires when an agent's timeout_no_reply timer expires.
	ErrNoReply = errors.New("no reply from agent")
	// ErrAlreadyReplying marks a duplicate /agentreply for one RequestID.
	ErrAlreadyReplying = errors.New("already replying")
	// ErrNoInteraction marks a missing or torn-down Interaction.
	ErrNoInteraction = errors.New("no interaction")
)

// Classify maps an error from the taxonomy above to an HTTP status code and
// a short X-IWP-Reason string. Anything not in the taxonomy is Internal.
func Classify(err error) (status int, reason string) {
	switch {
	case err == nil:
		return http.StatusOK, ""
	case errors.Is(err, ErrValidation):
		return http.StatusNotImplemented, "validation"
	case errors.Is(err, ErrAlreadyReplying):
		return http.StatusNotImplemented, "already-replying"
	case errors.Is(err, ErrNoInteraction):
		return http.StatusBadGateway, "no-interaction"
	case errors.Is(err, ErrStreamClosed):
		return http.StatusServiceUnavailable, "stream-closed"
	case errors.Is(err, ErrNoReply):
		return http.StatusGatewayTimeout, "no-reply"
	case errors.Is(err, ErrMalformedRequest):
		return http.StatusBadRequest, "malformed-request"
	case errors.Is(err, ErrPeer):
		return http.StatusBadGateway, "peer-error"
	case errors.Is(err, ErrRangeFile):
		return http.StatusInternalServerError, "range-file"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

// Wrap attaches context to a sentinel error while keeping it matchable with
// errors.Is.
func Wrap(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), sentinel)
}
