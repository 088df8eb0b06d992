package apperror

// Code represents a unique error code for the application
type Code string

// General error codes
const (
	CodeInvalidInput       Code = "INVALID_INPUT"
	CodeConfigurationError Code = "CONFIGURATION_ERROR"
	CodeServiceTimeout     Code = "SERVICE_TIMEOUT"
	CodeRateLimitExceeded  Code = "RATE_LIMIT_EXCEEDED"
	CodeInternalError      Code = "INTERNAL_ERROR"
	CodeUnknownError       Code = "UNKNOWN_ERROR"
)

// Connection management error codes
const (
	// No candidate endpoint for a network passed verification
	CodeConnectionFailed Code = "CONNECTION_FAILED"
	// A single candidate failed one of the verification steps
	CodeVerificationFailed Code = "VERIFICATION_FAILED"
	CodeCircuitOpen        Code = "CIRCUIT_OPEN"
	CodeEthereumRPCError   Code = "ETHEREUM_RPC_ERROR"
	CodeNotConnected       Code = "NOT_CONNECTED"

	// Returned to collaborators (balance lookups) regardless of the root cause
	CodeTradingError Code = "TRADING_ERROR"
)
