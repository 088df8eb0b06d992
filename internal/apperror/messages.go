package apperror

// messages maps error codes to human-readable messages
var messages = map[Code]string{
	CodeInvalidInput:       "Invalid input provided",
	CodeConfigurationError: "Configuration error",
	CodeServiceTimeout:     "Service request timeout",
	CodeRateLimitExceeded:  "Rate limit exceeded",
	CodeInternalError:      "Internal error",
	CodeUnknownError:       "An unknown error occurred",

	CodeConnectionFailed:   "Failed to connect to any RPC endpoint",
	CodeVerificationFailed: "RPC endpoint verification failed",
	CodeCircuitOpen:        "Circuit breaker is open",
	CodeEthereumRPCError:   "Ethereum RPC call failed",
	CodeNotConnected:       "Network is not connected",
	CodeTradingError:       "Blockchain operation failed",
}
