package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/StudioEly/koomy-saas2-sub001/internal/middleware"
	"github.com/StudioEly/koomy-saas2-sub001/internal/services"
)

// ServiceErrorResponse maps a service error onto its HTTP status and stable code.
// Anything that is not a known business error becomes a 500.
func ServiceErrorResponse(c *gin.Context, err error) {
	if serviceErr, ok := services.IsServiceError(err); ok {
		errorResponse(c, statusForCode(serviceErr.Code), serviceErr.Code, serviceErr.Message, serviceErr.Details, nil)
		return
	}
	if validationErr, ok := services.IsValidationError(err); ok {
		errorResponse(c, http.StatusBadRequest, services.CodeValidation, validationErr.Error(), gin.H{"field": validationErr.Field}, nil)
		return
	}
	errorResponse(c, http.StatusInternalServerError, "internal_error", "Internal server error", nil, err)
}

// SuccessResponse sends a standardized success response
func SuccessResponse(c *gin.Context, statusCode int, message string, data interface{}) {
	response := gin.H{
		"success":    true,
		"message":    message,
		"request_id": getRequestID(c),
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}

	if data != nil {
		response["data"] = data
	}

	c.JSON(statusCode, response)
}

func errorResponse(c *gin.Context, statusCode int, code, message string, details interface{}, err error) {
	requestID := getRequestID(c)

	if err != nil {
		logrus.WithFields(logrus.Fields{
			"request_id": requestID,
			"status":     statusCode,
		}).WithError(err).Error(message)
	}

	response := gin.H{
		"success":    false,
		"message":    message,
		"request_id": requestID,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	}
	if code != "" {
		response["code"] = code
	}
	if details != nil {
		response["details"] = details
	}

	// Only include error details in development mode
	if gin.Mode() == gin.DebugMode && err != nil {
		response["error_details"] = err.Error()
	}

	c.JSON(statusCode, response)
}

func statusForCode(code string) int {
	switch code {
	case services.CodeNotFound, services.CodeCommunityNotFound, services.CodePlanNotFound, services.CodeMembershipNotFound:
		return http.StatusNotFound
	case services.CodeAlreadyClaimed, services.CodeAccountAlreadyMember, services.CodeMemberIDTaken:
		return http.StatusConflict
	case services.CodeQuotaExceeded:
		return http.StatusUnprocessableEntity
	case services.CodeCustomPlanRequiresContact, services.CodeForbidden:
		return http.StatusForbidden
	case services.CodeValidation:
		return http.StatusBadRequest
	case services.CodeRateLimited:
		return http.StatusTooManyRequests
	case services.CodeCodeGenerationExhausted:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// getRequestID retrieves or generates a request ID
func getRequestID(c *gin.Context) string {
	if requestID, exists := c.Get(middleware.RequestIDKey); exists {
		if id, ok := requestID.(string); ok {
			return id
		}
	}
	if requestID := c.GetHeader("X-Request-ID"); requestID != "" {
		return requestID
	}
	return time.Now().Format("20060102150405")
}
