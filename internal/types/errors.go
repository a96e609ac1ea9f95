package types

import "errors"

// Closed error taxonomy at the runtime boundary. Subsystems wrap these
// sentinels with fmt.Errorf("%w: ...") so callers can branch with
// errors.Is regardless of which backend or component produced the error.

// Persistence.
var (
	ErrNotFound      = errors.New("not found")
	ErrConstraint    = errors.New("constraint violation")
	ErrPool          = errors.New("connection pool error")
	ErrQuery         = errors.New("query failed")
	ErrMigration     = errors.New("migration failed")
	ErrSerialization = errors.New("serialization failed")
)

// Authorization. Ownership-check misses are rendered as ErrNotAuthorized,
// never ErrNotFound, so the API is not an existence oracle.
var ErrNotAuthorized = errors.New("not authorized")

// Jobs.
var (
	ErrInvalidTransition = errors.New("invalid job transition")
	ErrJobStuck          = errors.New("job stuck")
	ErrMaxExceeded       = errors.New("maximum attempts exceeded")
)

// Tools.
var (
	ErrToolNotFound      = errors.New("tool not found")
	ErrToolTimeout       = errors.New("tool execution timed out")
	ErrInvalidParams     = errors.New("invalid tool parameters")
	ErrToolRateLimited   = errors.New("tool rate limited")
	ErrExternalService   = errors.New("external service error")
	ErrSandbox           = errors.New("sandbox error")
)

// Safety.
var (
	ErrInjectionDetected = errors.New("prompt injection detected")
	ErrOutputTooLarge    = errors.New("output exceeds size limit")
	ErrBlockedContent    = errors.New("content blocked by policy")
	ErrLeakDetected      = errors.New("credential leak detected")
	ErrValidation        = errors.New("content validation failed")
)

// LLM.
var (
	ErrLlmRequest       = errors.New("llm request failed")
	ErrLlmRateLimited   = errors.New("llm rate limited")
	ErrContextLength    = errors.New("context length exceeded")
	ErrLlmAuth          = errors.New("llm authentication failed")
	ErrModelUnavailable = errors.New("model unavailable")
	ErrAllProvidersDown = errors.New("all llm providers exhausted")
)

// Workspace.
var (
	ErrInvalidPath   = errors.New("invalid workspace path")
	ErrProtectedPath = errors.New("path is protected")
	ErrEmbedding     = errors.New("embedding failed")
	ErrChunking      = errors.New("chunking failed")
)

// Channels.
var (
	ErrChannelStartup = errors.New("channel startup failed")
	ErrChannelSend    = errors.New("channel send failed")
	ErrChannelClosed  = errors.New("channel closed")
)

// Orchestrator / worker.
var (
	ErrContainerFailure = errors.New("container failure")
	ErrMissingToken     = errors.New("missing worker token")
	ErrTokenExpired     = errors.New("worker token expired")
)

// Configuration.
var ErrConfig = errors.New("configuration error")
