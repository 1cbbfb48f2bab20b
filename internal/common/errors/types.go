package errors

import (
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorType represents the type of error
type ErrorType string

const (
	// ErrTypeConfig represents route or destination configuration errors
	ErrTypeConfig ErrorType = "config"
	// ErrTypeCondition represents malformed or unevaluable condition expressions
	ErrTypeCondition ErrorType = "condition"
	// ErrTypeTransformation represents record-scoped transformation failures
	ErrTypeTransformation ErrorType = "transformation"
	// ErrTypeDelivery represents destination delivery failures
	ErrTypeDelivery ErrorType = "delivery"
	// ErrTypeCancellation represents externally requested stops
	ErrTypeCancellation ErrorType = "cancellation"
	// ErrTypeValidation represents validation errors
	ErrTypeValidation ErrorType = "validation"
	// ErrTypeNotFound represents resource not found errors
	ErrTypeNotFound ErrorType = "not_found"
	// ErrTypeInternal represents internal system errors
	ErrTypeInternal ErrorType = "internal"
)

// AppError represents a structured application error
type AppError struct {
	Type    ErrorType              `json:"type"`
	Message string                 `json:"message"`
	Code    string                 `json:"code,omitempty"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	parts := []string{string(e.Type), e.Message}

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}

	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("cause=%v", e.Cause))
	}

	if len(e.Context) > 0 {
		keys := make([]string, 0, len(e.Context))
		for k := range e.Context {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		contextParts := make([]string, 0, len(keys))
		for _, k := range keys {
			contextParts = append(contextParts, fmt.Sprintf("%s=%v", k, e.Context[k]))
		}
		parts = append(parts, fmt.Sprintf("context={%s}", strings.Join(contextParts, ", ")))
	}

	return strings.Join(parts, ": ")
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithCode adds an error code
func (e *AppError) WithCode(code string) *AppError {
	e.Code = code
	return e
}

// ConfigError creates a new configuration error
func ConfigError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeConfig,
		Message: msg,
		Cause:   cause,
	}
}

// ConditionError creates a new condition error
func ConditionError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeCondition,
		Message: msg,
		Cause:   cause,
	}
}

// TransformationError creates a new record-scoped transformation error
func TransformationError(step string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeTransformation,
		Message: fmt.Sprintf("%s step failed", step),
		Cause:   cause,
		Context: map[string]interface{}{"step": step},
	}
}

// CancellationError creates a new cancellation error
func CancellationError(operation string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeCancellation,
		Message: fmt.Sprintf("%s cancelled", operation),
		Cause:   cause,
	}
}

// ValidationError creates a new validation error
func ValidationError(msg string) *AppError {
	return &AppError{
		Type:    ErrTypeValidation,
		Message: msg,
	}
}

// NotFoundError creates a new not found error
func NotFoundError(resource string) *AppError {
	return &AppError{
		Type:    ErrTypeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
	}
}

// InternalError creates a new internal error
func InternalError(msg string, cause error) *AppError {
	return &AppError{
		Type:    ErrTypeInternal,
		Message: msg,
		Cause:   cause,
	}
}

// IsType checks if any error in the chain is an AppError of a specific type
func IsType(err error, errType ErrorType) bool {
	if err == nil {
		return false
	}

	var appErr *AppError
	for stderrors.As(err, &appErr) {
		if appErr.Type == errType {
			return true
		}
		if appErr.Cause == nil {
			return false
		}
		err = appErr.Cause
	}

	return false
}

// GetType returns the type of the outermost AppError, otherwise ErrTypeInternal
func GetType(err error) ErrorType {
	if err == nil {
		return ""
	}

	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return ErrTypeInternal
	}

	return appErr.Type
}
