package chat

import "errors"

var (
	// ErrUserRequired is returned when a request carries no user identifier.
	ErrUserRequired = errors.New("user id is required")
	// ErrEmptyMessage is returned for blank inbound messages.
	ErrEmptyMessage = errors.New("message is required")
	// ErrSessionNotFound is returned when no session exists for a user.
	ErrSessionNotFound = errors.New("session not found")

	// ErrRegistration means the long-term store could not create or fetch the
	// user. No local session exists afterwards; the caller retries the submit.
	ErrRegistration = errors.New("failed to initialize user")
	// ErrCompletion means the language model failed or returned nothing. The
	// user message stays buffered and the turn counter is unchanged.
	ErrCompletion = errors.New("chat completion failed")
	// ErrFlush means the long-term store rejected a flush. Local state is kept.
	ErrFlush = errors.New("failed to flush memory")
	// ErrMemory means long-term memory could not be read.
	ErrMemory = errors.New("failed to retrieve memory")
)
