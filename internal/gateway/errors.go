package gateway

import "errors"

var (
	// ErrCapacity is returned by Accept when the connection ceiling is reached.
	ErrCapacity = errors.New("server capacity reached")
	// ErrAuthentication is returned by Accept when the credential is rejected.
	ErrAuthentication = errors.New("authentication required")
	// ErrServerFault is returned by Accept when verification fails for a
	// reason other than a bad credential.
	ErrServerFault = errors.New("server error")
	// ErrAccessDenied is returned by Join when the policy refuses the room.
	ErrAccessDenied = errors.New("access denied")
	// ErrNotMember is returned when a connection acts on a room it has not joined.
	ErrNotMember = errors.New("not a member of room")
	// ErrConnectionClosed is returned when joining on a removed connection.
	ErrConnectionClosed = errors.New("connection closed")
)

// Error codes carried by outbound error frames.
const (
	CodeAccessDenied = "access_denied"
	CodeNotMember    = "not_member"
	CodeUnknownType  = "unknown_type"
	CodeInvalidFrame = "invalid_frame"
	CodeRateLimited  = "rate_limited"
	CodeServerError  = "server_error"
)

// ProtocolError is a client-visible failure to handle an inbound frame. The
// connection stays open.
type ProtocolError struct {
	Code    string
	Message string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return e.Code + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Code + ": " + e.Message
}

func (e *ProtocolError) Unwrap() error { return e.Err }

func protocolError(code, message string, err error) *ProtocolError {
	return &ProtocolError{Code: code, Message: message, Err: err}
}
