package dmcrm

import "errors"

var (
	// ErrAuthFailed indicates the account token was rejected by Discord.
	// Fatal for the session - it never reaches Ready, and is not retried.
	ErrAuthFailed = errors.New("authentication failed")

	// ErrRateLimited indicates Discord responded with a rate-limit error.
	// Callers should back off before retrying.
	ErrRateLimited = errors.New("rate limited")

	// ErrTransientSend indicates a send failed for a reason that may
	// succeed on retry. The core never retries internally.
	ErrTransientSend = errors.New("transient send failure")

	// ErrNotFound indicates an operation referenced an account ID with
	// no registered session.
	ErrNotFound = errors.New("no session for account")

	// ErrSessionExists is returned by Session.Start when the underlying
	// connection is already open.
	ErrSessionExists = errors.New("session already started")
)
