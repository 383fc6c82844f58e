package errors

import "errors"

// Engine lifecycle errors.
var (
	ErrDestroyed        = errors.New("connection destroyed")
	ErrAlreadyConnected = errors.New("transport already connected")
)

// Request errors.
var (
	ErrRequestTimeout = errors.New("request timed out")
	ErrRequestFailed  = errors.New("request failed")
)

// Cipher errors.
var (
	ErrDecrypt       = errors.New("decryption failed")
	ErrInvalidSecret = errors.New("invalid session secret")
)

// HTTP API errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
