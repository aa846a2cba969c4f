package rate

import "errors"

var (
	// ErrRateLimited is returned once a key has used its budget for the window.
	ErrRateLimited = errors.New("rate limited")
	// ErrUnavailable wraps counter backend failures.
	ErrUnavailable = errors.New("rate counter unavailable")
)
