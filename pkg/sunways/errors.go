package sunways

import (
	"errors"
	"fmt"
)

// RequestFailed is a rejection of a request by the API. Code is either the
// application error code, the HTTP status code or one of the synthetic codes
// "0" (unusable response body) and "-1" (unexpected response shape).
type RequestFailed struct {
	Code    string
	Message string
}

func (e *RequestFailed) Error() string {
	return fmt.Sprintf("sunways api responded '%s' (%s)", e.Message, e.Code)
}

// LoginFailed is returned when the username/password was rejected or the
// token is not valid any more. It is also a *RequestFailed for errors.As.
type LoginFailed struct {
	RequestFailed
}

func (e *LoginFailed) Error() string {
	return "login failed: " + e.RequestFailed.Error()
}

// As lets errors.As(err, **RequestFailed) match a LoginFailed.
func (e *LoginFailed) As(target any) bool {
	if t, ok := target.(**RequestFailed); ok {
		*t = &e.RequestFailed
		return true
	}
	return false
}

// ErrSessionExpired is wrapped around the LoginFailed of a request that
// carried a token. The token has been dropped and the next request logs in
// again, the credentials themselves were not rejected.
var ErrSessionExpired = errors.New("sunways session expired")

// ConnectionFailed is returned when the API could not be reached.
type ConnectionFailed struct {
	Err error
}

func (e *ConnectionFailed) Error() string {
	return fmt.Sprintf("connection to sunways api failed: %v", e.Err)
}

func (e *ConnectionFailed) Unwrap() error {
	return e.Err
}

// IsClientError reports whether err originated from this package's client.
func IsClientError(err error) bool {
	var rf *RequestFailed
	var cf *ConnectionFailed
	return errors.As(err, &rf) || errors.As(err, &cf)
}

// IsCredentialsRejected reports whether err is a LoginFailed caused by the
// login itself, as opposed to an expired session.
func IsCredentialsRejected(err error) bool {
	return IsLoginFailed(err) && !errors.Is(err, ErrSessionExpired)
}

// IsLoginFailed reports whether err is or wraps a *LoginFailed.
func IsLoginFailed(err error) bool {
	var lf *LoginFailed
	return errors.As(err, &lf)
}
