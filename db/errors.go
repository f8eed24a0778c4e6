package db

import (
	"errors"
	"fmt"
	"strings"
)

// ServerError is a FAILURE response from the server. Codes look like
// "Neo.ClientError.Statement.SyntaxError"; the second token classifies the
// error family.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error [%s]: %s", e.Code, e.Message)
}

// Classification returns the second token of the code, e.g. "ClientError".
func (e *ServerError) Classification() string {
	var parts = strings.SplitN(e.Code, ".", 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}

func (e *ServerError) IsClient() bool    { return e.Classification() == "ClientError" }
func (e *ServerError) IsTransient() bool { return e.Classification() == "TransientError" }
func (e *ServerError) IsDatabase() bool  { return e.Classification() == "DatabaseError" }

func (e *ServerError) IsAuthentication() bool {
	return e.Code == "Neo.ClientError.Security.Unauthorized"
}

func (e *ServerError) IsSecurity() bool {
	return strings.HasPrefix(e.Code, "Neo.ClientError.Security.")
}

// IsRetryableTransient reports whether the server considers the failure
// temporary. Terminated and LockClientStopped carry the transient
// classification on the wire but mean the client gave up, so they are final.
func (e *ServerError) IsRetryableTransient() bool {
	if !e.IsTransient() {
		return false
	}
	switch e.Code {
	case "Neo.TransientError.Transaction.Terminated",
		"Neo.TransientError.Transaction.LockClientStopped":
		return false
	}
	return true
}

// IsDatabaseUnavailable additionally requires the routing layer to forget
// the address that produced it.
func (e *ServerError) IsDatabaseUnavailable() bool {
	return e.Code == "Neo.TransientError.General.DatabaseUnavailable"
}

// IsClusterWriteFailure reports that the member no longer accepts writes
// (leader stepped down, or the query hit a read replica).
func (e *ServerError) IsClusterWriteFailure() bool {
	switch e.Code {
	case "Neo.ClientError.Cluster.NotALeader",
		"Neo.ClientError.General.ForbiddenOnReadOnlyDatabase":
		return true
	}
	return false
}

// ServiceUnavailable is a connection-level transport failure: the channel
// closed, a connect or handshake timed out, or discovery found no live
// router. It always closes the offending connection.
type ServiceUnavailable struct {
	Message string
	Cause   error
}

func (e *ServiceUnavailable) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("service unavailable: %s: %s", e.Message, e.Cause)
	}
	return fmt.Sprintf("service unavailable: %s", e.Message)
}

func (e *ServiceUnavailable) Unwrap() error { return e.Cause }

// SessionExpired means the member a session was bound to can no longer serve
// the requested access mode.
type SessionExpired struct {
	Message string
}

func (e *SessionExpired) Error() string {
	return fmt.Sprintf("session expired: %s", e.Message)
}

// UsageError is an invalid use of the driver API: running on a closed
// session, a second concurrent transaction, a malformed URI. Never retried.
type UsageError struct {
	Message string
}

func (e *UsageError) Error() string { return e.Message }

// SecurityError is a TLS or handshake trust failure.
type SecurityError struct {
	Message string
	Cause   error
}

func (e *SecurityError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("security error: %s: %s", e.Message, e.Cause)
	}
	return fmt.Sprintf("security error: %s", e.Message)
}

func (e *SecurityError) Unwrap() error { return e.Cause }

// NoSuchRecordError is returned by Result.Single when the stream holds zero
// or more than one record.
type NoSuchRecordError struct {
	Empty bool
}

func (e *NoSuchRecordError) Error() string {
	if e.Empty {
		return "cannot retrieve a single record, because this result is empty"
	}
	return "expected a result with a single record, but this result contains at least one more"
}

// IsRetryable classifies an error for the retry coordinator: transport
// failures and routing expiry are worth another attempt against a different
// member, as are server-declared transient conditions. Everything else is
// final.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var unavailable *ServiceUnavailable
	if errors.As(err, &unavailable) {
		return true
	}
	var expired *SessionExpired
	if errors.As(err, &expired) {
		return true
	}
	var server *ServerError
	if errors.As(err, &server) {
		return server.IsRetryableTransient()
	}
	return false
}
