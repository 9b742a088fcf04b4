package session

// ErrorCode is a user-facing error code surfaced to the chat layer.
type ErrorCode string

// User-facing error taxonomy.
const (
	CodeProjectNotFound   ErrorCode = "E001"
	CodeProjectDisabled   ErrorCode = "E002"
	CodeSessionActive     ErrorCode = "E003"
	CodeQueueFull         ErrorCode = "E004"
	CodeGitHubUnavailable ErrorCode = "E005"
	CodeCloneFailed       ErrorCode = "E006"
	CodeBreakerTripped    ErrorCode = "E007" // informational, not a failure
	CodeSessionTimeout    ErrorCode = "E008"
)

// Description returns the canonical short description for a code.
func (c ErrorCode) Description() string {
	switch c {
	case CodeProjectNotFound:
		return "project not found"
	case CodeProjectDisabled:
		return "project disabled"
	case CodeSessionActive:
		return "session already active for this project"
	case CodeQueueFull:
		return "queue full"
	case CodeGitHubUnavailable:
		return "GitHub installation not available"
	case CodeCloneFailed:
		return "clone/checkout failed"
	case CodeBreakerTripped:
		return "circuit breaker tripped"
	case CodeSessionTimeout:
		return "session timeout exceeded"
	default:
		return "unknown error"
	}
}
