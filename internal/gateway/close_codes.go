package gateway

// WebSocket close codes in the application range.
const (
	CloseUnknownError  = 4000
	CloseDecodeError   = 4001
	CloseAuthFailed    = 4003
	CloseAuthTimeout   = 4004
	CloseRateLimited   = 4008
	CloseServerRestart = 4012
)
