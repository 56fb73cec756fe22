package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"locpipe/internal/application/common/slogger"
	"locpipe/internal/port/outbound"
)

// HandleHTTPError converts a non-2xx HTTP response into a TranslationError
// with enough context for the gateway to classify the failure.
func (c *Client) HandleHTTPError(
	ctx context.Context,
	response *http.Response,
	requestID string,
) *outbound.TranslationError {
	body, readErr := io.ReadAll(response.Body)
	defer func() {
		if closeErr := response.Body.Close(); closeErr != nil {
			slogger.Error(ctx, "Failed to close response body", slogger.Fields{
				"error": closeErr.Error(),
			})
		}
	}()

	var errorResp ErrorResponse
	var apiErrorMessage string

	// Try to parse the API error response for more context
	if readErr == nil && len(body) > 0 {
		if unmarshalErr := json.Unmarshal(body, &errorResp); unmarshalErr == nil {
			if errorResp.Error.Message != "" {
				apiErrorMessage = errorResp.Error.Message
			}
		}
	}

	slogger.Error(ctx, "HTTP error received from model API", slogger.Fields{
		"status_code":     response.StatusCode,
		"status":          response.Status,
		"response_length": len(body),
		"api_message":     apiErrorMessage,
		"request_id":      requestID,
	})

	switch response.StatusCode {
	case http.StatusUnauthorized:
		message := fmt.Sprintf("Invalid API key provided (HTTP %d)", response.StatusCode)
		if apiErrorMessage != "" {
			message = fmt.Sprintf("Authentication failed (HTTP %d): %s", response.StatusCode, apiErrorMessage)
		}
		return &outbound.TranslationError{
			Code:      "invalid_api_key",
			Type:      outbound.TranslationErrorTypeAuth,
			Message:   message,
			RequestID: requestID,
			Retryable: false,
		}

	case http.StatusForbidden:
		message := fmt.Sprintf("Access denied (HTTP %d). Check API key permissions", response.StatusCode)
		if apiErrorMessage != "" {
			message = fmt.Sprintf("Access forbidden (HTTP %d): %s", response.StatusCode, apiErrorMessage)
		}
		return &outbound.TranslationError{
			Code:      "access_denied",
			Type:      outbound.TranslationErrorTypeAuth,
			Message:   message,
			RequestID: requestID,
			Retryable: false,
		}

	case http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(response.Header.Get("Retry-After"))
		message := fmt.Sprintf("Rate limit exceeded (HTTP %d)", response.StatusCode)
		if retryAfter > 0 {
			message = fmt.Sprintf("Rate limit exceeded (HTTP %d). Retry after %s", response.StatusCode, retryAfter)
		}
		if apiErrorMessage != "" {
			message = fmt.Sprintf("%s: %s", message, apiErrorMessage)
		}
		return &outbound.TranslationError{
			Code:       "rate_limit_exceeded",
			Type:       outbound.TranslationErrorTypeQuota,
			Message:    message,
			RequestID:  requestID,
			Retryable:  true,
			RetryAfter: retryAfter,
		}

	case http.StatusNotFound:
		message := fmt.Sprintf("Model or endpoint not found (HTTP %d)", response.StatusCode)
		if apiErrorMessage != "" {
			message = fmt.Sprintf("Not found (HTTP %d): %s", response.StatusCode, apiErrorMessage)
		}
		return &outbound.TranslationError{
			Code:      "model_not_found",
			Type:      outbound.TranslationErrorTypeValidation,
			Message:   message,
			RequestID: requestID,
			Retryable: false,
		}

	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		message := fmt.Sprintf("Invalid request parameters (HTTP %d)", response.StatusCode)
		if apiErrorMessage != "" {
			message = fmt.Sprintf("Bad request (HTTP %d): %s", response.StatusCode, apiErrorMessage)
		}
		return &outbound.TranslationError{
			Code:      "invalid_request",
			Type:      outbound.TranslationErrorTypeValidation,
			Message:   message,
			RequestID: requestID,
			Retryable: false,
		}

	case http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		message := fmt.Sprintf("Server error (HTTP %d) occurred. Please retry", response.StatusCode)
		if apiErrorMessage != "" {
			message = fmt.Sprintf("Server error (HTTP %d): %s", response.StatusCode, apiErrorMessage)
		}
		return &outbound.TranslationError{
			Code:      "server_error",
			Type:      outbound.TranslationErrorTypeServer,
			Message:   message,
			RequestID: requestID,
			Retryable: true,
		}

	default:
		message := fmt.Sprintf("HTTP error: %s", response.Status)
		if apiErrorMessage != "" {
			message = fmt.Sprintf("%s - %s", message, apiErrorMessage)
		}
		return &outbound.TranslationError{
			Code:      "http_error",
			Type:      outbound.TranslationErrorTypeServer,
			Message:   message,
			RequestID: requestID,
			Retryable: response.StatusCode >= 500,
		}
	}
}

// HandleNetworkError converts transport-level failures into a TranslationError.
func (c *Client) HandleNetworkError(ctx context.Context, err error, requestID string) *outbound.TranslationError {
	if errors.Is(err, context.Canceled) {
		return &outbound.TranslationError{
			Code:      "request_canceled",
			Type:      outbound.TranslationErrorTypeNetwork,
			Message:   "request was canceled",
			RequestID: requestID,
			Retryable: false,
			Cause:     err,
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &outbound.TranslationError{
			Code:      "attempt_timeout",
			Type:      outbound.TranslationErrorTypeTimeout,
			Message:   "attempt exceeded its time budget",
			RequestID: requestID,
			Retryable: true,
			Cause:     err,
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &outbound.TranslationError{
			Code:      "connection_timeout",
			Type:      outbound.TranslationErrorTypeTimeout,
			Message:   "connection timeout",
			RequestID: requestID,
			Retryable: true,
			Cause:     err,
		}
	}

	if strings.Contains(err.Error(), "connection refused") {
		return &outbound.TranslationError{
			Code:      "connection_refused",
			Type:      outbound.TranslationErrorTypeNetwork,
			Message:   "connection refused",
			RequestID: requestID,
			Retryable: true,
			Cause:     err,
		}
	}

	return &outbound.TranslationError{
		Code:      "network_error",
		Type:      outbound.TranslationErrorTypeNetwork,
		Message:   err.Error(),
		RequestID: requestID,
		Retryable: true,
		Cause:     err,
	}
}

// parseRetryAfter parses a Retry-After header value, either delay seconds or
// an HTTP date. Returns zero when the header is absent or unparseable.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}

	if at, err := http.ParseTime(value); err == nil {
		if wait := time.Until(at); wait > 0 {
			return wait
		}
	}

	return 0
}
