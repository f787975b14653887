// Package engine is the per-session runtime: it coalesces inbound
// messages into batches, processes each batch through the router or the
// direct chat loop, and owns retries, stuck recovery, and history.
package engine

import (
	"errors"

	"github.com/nextlevelbuilder/chatrelay/internal/providers"
	"github.com/nextlevelbuilder/chatrelay/internal/router"
	"github.com/nextlevelbuilder/chatrelay/internal/transport"
)

// ErrStuck marks a batch reclaimed after its heartbeat went silent.
var ErrStuck = errors.New("engine: batch stuck")

// ErrValidation marks rejected input (empty text, malformed key).
var ErrValidation = errors.New("engine: invalid input")

// ErrorKind is the coarse failure classification surfaced at the API
// boundary and recorded on event rows.
type ErrorKind string

const (
	KindNone               ErrorKind = ""
	KindTransientTransport ErrorKind = "transient_transport"
	KindPermanentTransport ErrorKind = "permanent_transport"
	KindLLMUnavailable     ErrorKind = "llm_unavailable"
	KindLLMBadResponse     ErrorKind = "llm_bad_response"
	KindToolError          ErrorKind = "tool_error"
	KindWorkerUnavailable  ErrorKind = "worker_unavailable"
	KindValidation         ErrorKind = "validation"
	KindStuck              ErrorKind = "stuck"
)

// KindOf classifies an error chain into its kind.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrStuck):
		return KindStuck
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, router.ErrWorkerUnavailable):
		return KindWorkerUnavailable
	case errors.Is(err, providers.ErrUnavailable):
		return KindLLMUnavailable
	case errors.Is(err, providers.ErrBadResponse):
		return KindLLMBadResponse
	case errors.Is(err, transport.ErrTransient):
		return KindTransientTransport
	case errors.Is(err, transport.ErrPermanent):
		return KindPermanentTransport
	default:
		return KindToolError
	}
}

// Retryable reports whether a batch that failed with this kind should
// re-enter the retry schedule. Permanent failures notify immediately.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindLLMUnavailable, KindTransientTransport, KindStuck:
		return true
	default:
		return false
	}
}
