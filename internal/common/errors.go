package common

import "fmt"

// NotFoundError indicates a resource was not found.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with id '%s' not found", e.Resource, e.ID)
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resource, id string) *NotFoundError {
	return &NotFoundError{Resource: resource, ID: id}
}

// ValidationError indicates invalid input data.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{Message: message}
}

// UnauthorizedError indicates missing or invalid authentication.
type UnauthorizedError struct {
	Message string
}

func (e *UnauthorizedError) Error() string {
	if e.Message == "" {
		return "unauthorized"
	}
	return e.Message
}

// NewUnauthorizedError creates a new UnauthorizedError.
func NewUnauthorizedError(message string) *UnauthorizedError {
	return &UnauthorizedError{Message: message}
}

// RateLimitError indicates the caller exceeded an allowance.
type RateLimitError struct {
	Message string
}

func (e *RateLimitError) Error() string {
	return e.Message
}

// NewRateLimitError creates a new RateLimitError.
func NewRateLimitError(message string) *RateLimitError {
	return &RateLimitError{Message: message}
}

// DeliveryError indicates an outbound message could not be delivered.
// Callers retry it according to their own policy.
type DeliveryError struct {
	Provider string
	Message  string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s delivery failed: %s", e.Provider, e.Message)
}

// NewDeliveryError creates a new DeliveryError.
func NewDeliveryError(provider, message string) *DeliveryError {
	return &DeliveryError{Provider: provider, Message: message}
}

// StoreError indicates a persistence call failed.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// NewStoreError wraps err as a StoreError for the named operation.
func NewStoreError(op string, err error) *StoreError {
	return &StoreError{Op: op, Err: err}
}

// ConfigError indicates a malformed subscription or job payload. It is
// terminal: retrying the same input cannot succeed.
type ConfigError struct {
	Subject string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Subject, e.Message)
}

// NewConfigError creates a new ConfigError.
func NewConfigError(subject, message string) *ConfigError {
	return &ConfigError{Subject: subject, Message: message}
}
