package values

// Response status strings shared by the relay handlers.
const (
	Success        = "success"
	Created        = "created"
	Failed         = "failed"
	Error          = "error"
	BadRequestBody = "bad-request-body"
	Unprocessable  = "unprocessable"
	NotAllowed     = "not-allowed"
	NotFound       = "not-found"
	NotAuthorised  = "not-authorised"
	TokenExpired   = "token-expired"
	Conflict       = "conflict"
)

// Header names.
const (
	HeaderRequestID     = "X-Request-Id"
	HeaderRequestSource = "X-Request-Source"
)

type contextKey string

// ContextTracingKey carries the tracing context through a request.
const ContextTracingKey = contextKey("tracing-context")

// ContextUserIDKey carries the authenticated user id through a request.
const ContextUserIDKey = contextKey("user-id")
