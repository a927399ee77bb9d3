package grounded

import "errors"

var (
	// ErrSourceNotFound is returned when a source ID does not exist.
	ErrSourceNotFound = errors.New("grounded: source not found")

	// ErrAnswerNotFound is returned when an answer ID does not exist.
	ErrAnswerNotFound = errors.New("grounded: answer not found")

	// ErrValidation is returned for invalid client input.
	ErrValidation = errors.New("grounded: invalid input")

	// ErrTooLarge is returned when an upload or fetch exceeds a size cap.
	ErrTooLarge = errors.New("grounded: payload too large")

	// ErrUnsupportedFormat is returned for unrecognized source types.
	ErrUnsupportedFormat = errors.New("grounded: unsupported source type")

	// ErrURLBlocked is returned when a URL fails the host guard.
	ErrURLBlocked = errors.New("grounded: url not allowed")

	// ErrProvider is returned when the LLM or embedding provider fails
	// after exhausting retries.
	ErrProvider = errors.New("grounded: provider request failed")

	// ErrCitation is returned in debug mode when the model cites an
	// unknown chunk id. Outside debug mode unknown ids are dropped.
	ErrCitation = errors.New("grounded: citation references unknown chunk")

	// ErrStore is returned for storage failures.
	ErrStore = errors.New("grounded: store operation failed")

	// ErrStoreClosed is returned when operating on a closed store.
	ErrStoreClosed = errors.New("grounded: store is closed")

	// ErrNoReadySources is returned when a query names no READY source.
	ErrNoReadySources = errors.New("grounded: no ready sources for query")

	// ErrIngestConflict is returned when an ingest task finds the source
	// in a state it does not own.
	ErrIngestConflict = errors.New("grounded: source not in an ingestable state")

	// ErrInvalidConfig is returned for invalid configuration values.
	ErrInvalidConfig = errors.New("grounded: invalid configuration")
)
