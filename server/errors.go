package server

// Protocol error codes sent in control/error envelopes.
const (
	CodeAuthenticationFailed    = "authentication_failed"
	CodeAuthorizationDenied     = "authorization_denied"
	CodeConnectionLimitExceeded = "connection_limit_exceeded"
	CodeRateLimitExceeded       = "rate_limit_exceeded"
	CodeRoomCapacityExceeded    = "room_capacity_exceeded"
	CodeMalformedRequest        = "malformed_request"
)

// Connection limit dimensions.
const (
	DimensionIP   = "ip"
	DimensionUser = "user"
)

// LimitError reports which connection-limit dimension was exceeded and its
// configured value.
type LimitError struct {
	Dimension string
	Limit     int
}

func (e *LimitError) Error() string {
	return "connection limit exceeded for " + e.Dimension
}
