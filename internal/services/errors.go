package services

import (
	"errors"
	"fmt"
)

// Stable error codes surfaced to API clients
const (
	CodeNotFound                  = "not_found"
	CodeAlreadyClaimed            = "already_claimed"
	CodeAccountAlreadyMember      = "account_already_member"
	CodeCodeGenerationExhausted   = "code_generation_exhausted"
	CodeQuotaExceeded             = "quota_exceeded"
	CodeCustomPlanRequiresContact = "custom_plan_requires_contact"
	CodeCommunityNotFound         = "community_not_found"
	CodePlanNotFound              = "plan_not_found"
	CodeMembershipNotFound        = "membership_not_found"
	CodeMemberIDTaken             = "member_id_taken"
	CodeValidation                = "validation_error"
	CodeForbidden                 = "forbidden"
	CodeRateLimited               = "rate_limited"
)

// ServiceError is a business rule failure with a stable code and optional details
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any ServiceError carrying the same code
func (e *ServiceError) Is(target error) bool {
	var other *ServiceError
	if errors.As(target, &other) {
		return other.Code == e.Code
	}
	return false
}

// Sentinels for errors.Is comparisons
var (
	ErrNotFound                  = &ServiceError{Code: CodeNotFound, Message: "claim code not found"}
	ErrAlreadyClaimed            = &ServiceError{Code: CodeAlreadyClaimed, Message: "claim code has already been used"}
	ErrAccountAlreadyMember      = &ServiceError{Code: CodeAccountAlreadyMember, Message: "account already holds an active membership in this community"}
	ErrCodeGenerationExhausted   = &ServiceError{Code: CodeCodeGenerationExhausted, Message: "could not generate a unique claim code"}
	ErrQuotaExceeded             = &ServiceError{Code: CodeQuotaExceeded, Message: "member quota exceeded"}
	ErrCustomPlanRequiresContact = &ServiceError{Code: CodeCustomPlanRequiresContact, Message: "this plan requires contacting sales"}
	ErrCommunityNotFound         = &ServiceError{Code: CodeCommunityNotFound, Message: "community not found"}
	ErrPlanNotFound              = &ServiceError{Code: CodePlanNotFound, Message: "plan not found"}
	ErrMembershipNotFound        = &ServiceError{Code: CodeMembershipNotFound, Message: "membership not found"}
	ErrMemberIDTaken             = &ServiceError{Code: CodeMemberIDTaken, Message: "member id already used in this community"}
	ErrForbidden                 = &ServiceError{Code: CodeForbidden, Message: "actor is not allowed to perform this action"}
)

// NewQuotaExceededError reports the count and ceiling that blocked the operation
func NewQuotaExceededError(current int64, max int) *ServiceError {
	return &ServiceError{
		Code:    CodeQuotaExceeded,
		Message: fmt.Sprintf("community has %d billable members, plan allows %d", current, max),
		Details: map[string]interface{}{
			"current": current,
			"max":     max,
		},
	}
}

// IsServiceError checks if an error is a ServiceError
func IsServiceError(err error) (*ServiceError, bool) {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr, true
	}
	return nil, false
}

// ValidationError represents a validation failure with suggestions
type ValidationError struct {
	Field       string   `json:"field"`
	Message     string   `json:"message"`
	Suggestions []string `json:"suggestions,omitempty"`
}

func (e *ValidationError) Error() string {
	if len(e.Suggestions) > 0 {
		return fmt.Sprintf("%s: %s. Suggestions: %v", e.Field, e.Message, e.Suggestions)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError creates a new validation error
func NewValidationError(field, message string, suggestions []string) *ValidationError {
	return &ValidationError{
		Field:       field,
		Message:     message,
		Suggestions: suggestions,
	}
}

// IsValidationError checks if an error is a ValidationError
func IsValidationError(err error) (*ValidationError, bool) {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return validationErr, true
	}
	return nil, false
}
