package issues

import "errors"

var (
	// ErrPartialTextUpdate rejects an update that changes only one of title
	// and description. The two are indexed together and must be updated
	// together.
	ErrPartialTextUpdate = errors.New("title and description must be updated together")

	// ErrInvalidInput rejects malformed requests before any side effect.
	ErrInvalidInput = errors.New("invalid input")
)
