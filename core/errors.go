package core

import (
	"errors"
	"net/http"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

const (
	ServiceErrorBadInput            = "BAD_INPUT"
	ServiceErrorNotFound            = "NOT_FOUND"
	ServiceErrorConflict            = "CONFLICT"
	ServiceErrorNotRetriable        = "NOT_RETRIABLE"
	ServiceErrorSignatureMissing    = "SIGNATURE_MISSING"
	ServiceErrorSignatureInvalid    = "SIGNATURE_INVALID"
	ServiceErrorIntegrationDisabled = "INTEGRATION_DISABLED"
	ServiceErrorSecretMissing       = "SECRET_MISSING"
	ServiceErrorProcessorNotFound   = "PROCESSOR_NOT_FOUND"
	ServiceErrorProviderNotFound    = "PROVIDER_NOT_FOUND"
	ServiceErrorKeyVersionNotFound  = "KEY_VERSION_NOT_FOUND"
	ServiceErrorVaultKeyMissing     = "VAULT_KEY_MISSING"
	ServiceErrorRateLimited         = "RATE_LIMITED"
	ServiceErrorRetriable           = "RETRIABLE"
	ServiceErrorRetriesExhausted    = "RETRIES_EXHAUSTED"
	ServiceErrorStepNotFound        = "STEP_NOT_FOUND"
	ServiceErrorProcessingFailed    = "PROCESSING_FAILED"
	ServiceErrorSendFailed          = "SEND_FAILED"
	ServiceErrorPanic               = "PANIC"
	ServiceErrorLeaseExpired        = "LEASE_EXPIRED"
	ServiceErrorInternal            = "INTERNAL_ERROR"
)

var (
	ErrSignatureMissing    = errors.New("core: signature missing")
	ErrSignatureInvalid    = errors.New("core: signature invalid")
	ErrIntegrationDisabled = errors.New("core: integration disabled")
	ErrIntegrationNotFound = errors.New("core: integration not found")
	ErrSecretMissing       = errors.New("core: secret missing")
	ErrProcessorNotFound   = errors.New("core: processor not found")
	ErrProviderNotFound    = errors.New("core: provider not found")
	ErrKeyVersionNotFound  = errors.New("core: key version not found")
	ErrVaultKeyMissing     = errors.New("core: vault master key missing")
	ErrNotRetriable        = errors.New("core: not retriable")
	ErrConflict            = errors.New("core: conflict")
	ErrNotFound            = errors.New("core: not found")
	ErrEventNotFound       = errors.New("core: inbound event not found")
	ErrJobNotFound         = errors.New("core: outbound job not found")
	ErrRunNotFound         = errors.New("core: job run not found")
	ErrInvalidInput        = errors.New("core: invalid input")
)

// MapError converts any error into a go-errors envelope with a stable text
// code and HTTP status.
func MapError(err error) *goerrors.Error {
	if err == nil {
		return nil
	}

	var richErr *goerrors.Error
	if goerrors.As(err, &richErr) {
		return ensureServiceErrorEnvelope(richErr)
	}

	switch {
	case errors.Is(err, ErrSignatureMissing):
		return newServiceError(err, goerrors.CategoryAuth, http.StatusForbidden, ServiceErrorSignatureMissing)
	case errors.Is(err, ErrSignatureInvalid):
		return newServiceError(err, goerrors.CategoryAuth, http.StatusForbidden, ServiceErrorSignatureInvalid)
	case errors.Is(err, ErrIntegrationDisabled):
		return newServiceError(err, goerrors.CategoryOperation, http.StatusUnprocessableEntity, ServiceErrorIntegrationDisabled)
	case errors.Is(err, ErrSecretMissing):
		return newServiceError(err, goerrors.CategoryNotFound, http.StatusNotFound, ServiceErrorSecretMissing)
	case errors.Is(err, ErrProcessorNotFound):
		return newServiceError(err, goerrors.CategoryNotFound, http.StatusNotFound, ServiceErrorProcessorNotFound)
	case errors.Is(err, ErrProviderNotFound):
		return newServiceError(err, goerrors.CategoryNotFound, http.StatusNotFound, ServiceErrorProviderNotFound)
	case errors.Is(err, ErrKeyVersionNotFound):
		return newServiceError(err, goerrors.CategoryInternal, http.StatusInternalServerError, ServiceErrorKeyVersionNotFound)
	case errors.Is(err, ErrVaultKeyMissing):
		return newServiceError(err, goerrors.CategoryInternal, http.StatusInternalServerError, ServiceErrorVaultKeyMissing)
	case errors.Is(err, ErrNotRetriable):
		return newServiceError(err, goerrors.CategoryConflict, http.StatusConflict, ServiceErrorNotRetriable)
	case errors.Is(err, ErrConflict):
		return newServiceError(err, goerrors.CategoryConflict, http.StatusConflict, ServiceErrorConflict)
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ErrEventNotFound),
		errors.Is(err, ErrJobNotFound),
		errors.Is(err, ErrRunNotFound),
		errors.Is(err, ErrIntegrationNotFound):
		return newServiceError(err, goerrors.CategoryNotFound, http.StatusNotFound, ServiceErrorNotFound)
	case errors.Is(err, ErrInvalidInput):
		return newServiceError(err, goerrors.CategoryBadInput, http.StatusBadRequest, ServiceErrorBadInput)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "throttl"), strings.Contains(msg, "rate limit"):
		return newServiceError(err, goerrors.CategoryRateLimit, http.StatusTooManyRequests, ServiceErrorRateLimited)
	case strings.Contains(msg, "required"), strings.Contains(msg, "invalid"):
		return newServiceError(err, goerrors.CategoryBadInput, http.StatusBadRequest, ServiceErrorBadInput)
	}

	mapped := goerrors.MapToError(err, goerrors.DefaultErrorMappers())
	return ensureServiceErrorEnvelope(mapped)
}

// ErrorCode returns the stable text code recorded on rows for err.
func ErrorCode(err error) string {
	mapped := MapError(err)
	if mapped == nil {
		return ""
	}
	return mapped.TextCode
}

func newServiceError(source error, category goerrors.Category, code int, textCode string) *goerrors.Error {
	return ensureServiceErrorEnvelope(
		goerrors.New(source.Error(), category).
			WithCode(code).
			WithTextCode(textCode),
	)
}

func ensureServiceErrorEnvelope(err *goerrors.Error) *goerrors.Error {
	if err == nil {
		return nil
	}
	if err.Code == 0 {
		err.Code = serviceHTTPStatus(err.Category)
	}
	if strings.TrimSpace(err.TextCode) == "" {
		err.TextCode = defaultServiceTextCode(err.Category)
	}
	if err.Category == goerrors.CategoryInternal && strings.TrimSpace(err.Message) == "" {
		err.Message = "An unexpected error occurred"
	}
	return err
}

func defaultServiceTextCode(category goerrors.Category) string {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return ServiceErrorBadInput
	case goerrors.CategoryNotFound:
		return ServiceErrorNotFound
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return ServiceErrorSignatureInvalid
	case goerrors.CategoryConflict:
		return ServiceErrorConflict
	case goerrors.CategoryRateLimit:
		return ServiceErrorRateLimited
	default:
		return ServiceErrorInternal
	}
}

func serviceHTTPStatus(category goerrors.Category) int {
	switch category {
	case goerrors.CategoryBadInput, goerrors.CategoryValidation:
		return http.StatusBadRequest
	case goerrors.CategoryNotFound:
		return http.StatusNotFound
	case goerrors.CategoryAuth, goerrors.CategoryAuthz:
		return http.StatusForbidden
	case goerrors.CategoryConflict:
		return http.StatusConflict
	case goerrors.CategoryRateLimit:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}
