package session

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotReady      = errors.New("session: not ready")
	ErrTimeout       = errors.New("session: request timed out")
	ErrCancelled     = errors.New("session: request cancelled")
	ErrTransportLost = errors.New("session: transport lost")
	ErrAuthFailed    = errors.New("session: authentication failed")
	ErrClosed        = errors.New("session: closed")
	ErrStreamClosed  = errors.New("session: stream closed")
)

// RemoteError carries the server's generic error message for one request.
// It never tears the connection.
type RemoteError struct {
	Code           string
	Description    string
	MaintenanceEnd time.Time
}

func (e *RemoteError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("session: remote error %s", e.Code)
	}
	return fmt.Sprintf("session: remote error %s: %s", e.Code, e.Description)
}

// Non-retriable authentication error codes. Anything else seen during auth is
// treated as transient and absorbed by the reconnect supervisor.
var nonRetriableAuthCodes = map[string]struct{}{
	"CH_CLIENT_AUTH_FAILURE": {},
	"INVALID_CLIENT":         {},
	"INVALID_CREDENTIALS":    {},
	"ACCESS_DENIED":          {},
	"ACCOUNT_NOT_AUTHORIZED": {},
	"TOKEN_REVOKED":          {},
}

func isRetriableAuthError(err error) bool {
	var remote *RemoteError
	if errors.As(err, &remote) {
		_, fatal := nonRetriableAuthCodes[remote.Code]
		return !fatal
	}
	return true
}
