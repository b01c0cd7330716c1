package errors

import (
	"fmt"
	"time"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeParse represents corrupt snapshots, files and payloads
	ErrorTypeParse ErrorType = "parse"
	// ErrorTypeStorage represents durable storage failures
	ErrorTypeStorage ErrorType = "storage"
	// ErrorTypeSubscription represents event delivery problems
	ErrorTypeSubscription ErrorType = "subscription"
	// ErrorTypeGraph represents trust graph errors
	ErrorTypeGraph ErrorType = "graph"
	// ErrorTypeValidation represents rejected caller input
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeConfig represents configuration errors
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeContext represents context cancellation/timeout errors
	ErrorTypeContext ErrorType = "context"
)

// BaseError is the base error type with common fields
type BaseError struct {
	Type      ErrorType
	Message   string
	Timestamp time.Time
	Err       error // Wrapped error
}

// Error implements the error interface
func (e *BaseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap returns the wrapped error for error unwrapping
func (e *BaseError) Unwrap() error {
	return e.Err
}

// ErrorType returns the category, letting embedding types satisfy typed
func (e *BaseError) ErrorType() ErrorType {
	return e.Type
}

// NewBaseError creates a new base error
func NewBaseError(errType ErrorType, message string, err error) *BaseError {
	return &BaseError{
		Type:      errType,
		Message:   message,
		Timestamp: time.Now(),
		Err:       err,
	}
}

// Parse Errors

// ErrSnapshotParse is returned when a graph snapshot or import file cannot be decoded
type ErrSnapshotParse struct {
	*BaseError
	Source string
}

func NewSnapshotParse(source string, err error) *ErrSnapshotParse {
	return &ErrSnapshotParse{
		BaseError: NewBaseError(ErrorTypeParse, fmt.Sprintf("invalid snapshot from %s", source), err),
		Source:    source,
	}
}

// Storage Errors

// ErrStorageRead is returned when a key cannot be read from durable storage
type ErrStorageRead struct {
	*BaseError
	Key string
}

func NewStorageRead(key string, err error) *ErrStorageRead {
	return &ErrStorageRead{
		BaseError: NewBaseError(ErrorTypeStorage, fmt.Sprintf("failed to read %s", key), err),
		Key:       key,
	}
}

// ErrStorageWrite is returned when a key cannot be written to durable storage
type ErrStorageWrite struct {
	*BaseError
	Key string
}

func NewStorageWrite(key string, err error) *ErrStorageWrite {
	return &ErrStorageWrite{
		BaseError: NewBaseError(ErrorTypeStorage, fmt.Sprintf("failed to write %s", key), err),
		Key:       key,
	}
}

// Subscription Errors

// ErrMalformedEvent is returned when a delivered event fails validation
type ErrMalformedEvent struct {
	*BaseError
	EventID string
	Reason  string
}

func NewMalformedEvent(eventID, reason string) *ErrMalformedEvent {
	return &ErrMalformedEvent{
		BaseError: NewBaseError(ErrorTypeSubscription, fmt.Sprintf("malformed event %s: %s", eventID, reason), nil),
		EventID:   eventID,
		Reason:    reason,
	}
}

// ErrEmptyQuery marks an author-filtered query with no authors. Callers treat it as
// an empty result, never as a failure.
var ErrEmptyQuery = NewBaseError(ErrorTypeSubscription, "query has no authors", nil)

// ErrRelayConnectFailed is returned when no relay could be reached
type ErrRelayConnectFailed struct {
	*BaseError
	URL string
}

func NewRelayConnectFailed(url string, err error) *ErrRelayConnectFailed {
	return &ErrRelayConnectFailed{
		BaseError: NewBaseError(ErrorTypeSubscription, fmt.Sprintf("failed to connect to relay: %s", url), err),
		URL:       url,
	}
}

// ErrBlankQuery is returned when a profile search has nothing to match
var ErrBlankQuery = NewBaseError(ErrorTypeValidation, "search query is blank", nil)

// Graph Errors

// ErrInvalidPubkey is returned when an actor identifier is not 64 hex characters
type ErrInvalidPubkey struct {
	*BaseError
	Pubkey string
}

func NewInvalidPubkey(pubkey string) *ErrInvalidPubkey {
	return &ErrInvalidPubkey{
		BaseError: NewBaseError(ErrorTypeGraph, fmt.Sprintf("invalid pubkey: %q", pubkey), nil),
		Pubkey:    pubkey,
	}
}

// ErrMirrorQueryFailed is returned when a Neo4j mirror query fails
type ErrMirrorQueryFailed struct {
	*BaseError
	Query string
}

func NewMirrorQueryFailed(query string, err error) *ErrMirrorQueryFailed {
	return &ErrMirrorQueryFailed{
		BaseError: NewBaseError(ErrorTypeGraph, fmt.Sprintf("mirror query failed: %s", query), err),
		Query:     query,
	}
}

// Context Errors

// ErrContextCancelled is returned when context is cancelled
type ErrContextCancelled struct {
	*BaseError
	Operation string
}

func NewContextCancelled(operation string, err error) *ErrContextCancelled {
	return &ErrContextCancelled{
		BaseError: NewBaseError(ErrorTypeContext, fmt.Sprintf("context cancelled: %s", operation), err),
		Operation: operation,
	}
}

// Config Errors

// ErrConfigValidationFailed is returned when configuration validation fails
type ErrConfigValidationFailed struct {
	*BaseError
	Field  string
	Reason string
}

func NewConfigValidationFailed(field, reason string) *ErrConfigValidationFailed {
	return &ErrConfigValidationFailed{
		BaseError: NewBaseError(ErrorTypeConfig, fmt.Sprintf("config validation failed: %s - %s", field, reason), nil),
		Field:     field,
		Reason:    reason,
	}
}

// ErrConfigMissingRequired is returned when a required config value is missing
type ErrConfigMissingRequired struct {
	*BaseError
	Field string
}

func NewConfigMissingRequired(field string) *ErrConfigMissingRequired {
	return &ErrConfigMissingRequired{
		BaseError: NewBaseError(ErrorTypeConfig, fmt.Sprintf("missing required config: %s", field), nil),
		Field:     field,
	}
}

// Helper functions

type typed interface {
	ErrorType() ErrorType
}

// IsErrorType checks if an error, or any error it wraps, is of a specific type
func IsErrorType(err error, errType ErrorType) bool {
	if err == nil {
		return false
	}
	if t, ok := err.(typed); ok && t.ErrorType() == errType {
		return true
	}
	switch u := err.(type) {
	case interface{ Unwrap() []error }:
		for _, e := range u.Unwrap() {
			if IsErrorType(e, errType) {
				return true
			}
		}
	case interface{ Unwrap() error }:
		return IsErrorType(u.Unwrap(), errType)
	}
	return false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	// Context errors are not retryable
	if IsErrorType(err, ErrorTypeContext) {
		return false
	}
	// A corrupt payload stays corrupt
	if IsErrorType(err, ErrorTypeParse) {
		return false
	}
	// Storage and relay hiccups usually clear up on the next tick
	if IsErrorType(err, ErrorTypeStorage) || IsErrorType(err, ErrorTypeSubscription) {
		return true
	}
	return false
}
