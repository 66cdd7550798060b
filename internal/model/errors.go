package model

import "errors"

var (
	// ErrNotFound is returned when a referenced conversation is not known.
	// In the inbound sync path it signals a broken stream contract.
	ErrNotFound = errors.New("conversation not found")

	// ErrPickCancelled means the user declined to choose a file.
	ErrPickCancelled = errors.New("file selection cancelled")
)
