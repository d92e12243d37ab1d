package lifecycle

import "errors"

var (
	// ErrBadRequest means the job spec or request body failed validation.
	ErrBadRequest = errors.New("bad request")

	// ErrUnauthorized means the credential resolved to no agent.
	ErrUnauthorized = errors.New("unauthorized")
)
