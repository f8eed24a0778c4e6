package arcgraph

import (
	"errors"

	"github.com/arcgraph/arcgraph-go/db"
)

// The concrete error types live in the db package; these helpers classify
// an error chain the way application code usually needs to.

// IsServiceUnavailable reports a connection-level transport failure.
func IsServiceUnavailable(err error) bool {
	var e *db.ServiceUnavailable
	return errors.As(err, &e)
}

// IsSessionExpired reports that the session's member stopped serving its
// access mode.
func IsSessionExpired(err error) bool {
	var e *db.SessionExpired
	return errors.As(err, &e)
}

// IsSecurityError reports a TLS or trust failure.
func IsSecurityError(err error) bool {
	var e *db.SecurityError
	return errors.As(err, &e)
}

// IsNoSuchRecord reports a Single call on an empty or plural result.
func IsNoSuchRecord(err error) bool {
	var e *db.NoSuchRecordError
	return errors.As(err, &e)
}

// IsClientError reports an error the caller must fix: invalid API use, or a
// server-rejected statement such as a syntax error.
func IsClientError(err error) bool {
	var usage *db.UsageError
	if errors.As(err, &usage) {
		return true
	}
	var server *db.ServerError
	return errors.As(err, &server) && server.IsClient()
}

// IsTransientError reports a server-declared temporary condition.
func IsTransientError(err error) bool {
	var server *db.ServerError
	return errors.As(err, &server) && server.IsTransient()
}

// IsAuthenticationError reports rejected credentials.
func IsAuthenticationError(err error) bool {
	var server *db.ServerError
	return errors.As(err, &server) && server.IsAuthentication()
}

// IsRetryable reports whether a transaction function failing with this
// error would be retried.
func IsRetryable(err error) bool {
	return db.IsRetryable(err)
}

// ServerCode extracts the server error code, or "" for driver-side errors.
func ServerCode(err error) string {
	var server *db.ServerError
	if errors.As(err, &server) {
		return server.Code
	}
	return ""
}
