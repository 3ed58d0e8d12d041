// Package gwerr implements the closed error taxonomy from spec §7 as a
// single wrapper type keyed by Kind, with the HTTP status mapping attached
// at construction time so callers never have to duplicate it.
package gwerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind enumerates the closed sum of error categories.
type Kind string

const (
	// Validation.
	KindInvalidRequest         Kind = "invalid_request"
	KindJSONSchemaValidation   Kind = "json_schema_validation"
	KindInvalidTensorzeroUUID  Kind = "invalid_tensorzero_uuid"
	KindUnknownVariant         Kind = "unknown_variant"
	KindUnknownFunction        Kind = "unknown_function"
	KindToolNotFound           Kind = "tool_not_found"
	KindMissingFunctionTypeKey Kind = "missing_function_type_key"

	// Config.
	KindConfig              Kind = "config"
	KindJSONSchema          Kind = "json_schema"
	KindInvalidProviderConfig Kind = "invalid_provider_config"
	KindLock                Kind = "lock"

	// Provider.
	KindInferenceClient        Kind = "inference_client"
	KindInferenceServer        Kind = "inference_server"
	KindClientError            Kind = "client_error"
	KindCapabilityNotSupported Kind = "capability_not_supported"
	KindStreamDecode           Kind = "stream_decode"
	KindAllProvidersFailed     Kind = "all_providers_failed"

	// Rate/limit.
	KindRateLimited               Kind = "rate_limited"
	KindRateLimitMissingMaxTokens Kind = "rate_limit_missing_max_tokens"

	// Storage.
	KindStoreWrite           Kind = "store_write"
	KindStoreDeserialization Kind = "store_deserialization"
	KindStoreMigration       Kind = "store_migration"
	KindStoreConnection      Kind = "store_connection"

	// Misc.
	KindSerialization Kind = "serialization"
	KindCache         Kind = "cache"
	KindFileWrite     Kind = "file_write"
	KindRouteNotFound Kind = "route_not_found"
)

// defaultStatus maps each Kind to its spec §6 HTTP status.
var defaultStatus = map[Kind]int{
	KindInvalidRequest:         http.StatusBadRequest,
	KindJSONSchemaValidation:   http.StatusBadRequest,
	KindInvalidTensorzeroUUID:  http.StatusBadRequest,
	KindUnknownVariant:         http.StatusBadRequest,
	KindUnknownFunction:        http.StatusNotFound,
	KindToolNotFound:           http.StatusBadRequest,
	KindMissingFunctionTypeKey: http.StatusBadRequest,

	KindConfig:               http.StatusInternalServerError,
	KindJSONSchema:           http.StatusInternalServerError,
	KindInvalidProviderConfig: http.StatusInternalServerError,
	KindLock:                 http.StatusInternalServerError,

	KindInferenceClient:        http.StatusBadGateway,
	KindInferenceServer:        http.StatusBadGateway,
	KindClientError:            http.StatusBadGateway,
	KindCapabilityNotSupported: http.StatusBadRequest,
	KindStreamDecode:           http.StatusBadGateway,
	KindAllProvidersFailed:     http.StatusBadGateway,

	KindRateLimited:               http.StatusTooManyRequests,
	KindRateLimitMissingMaxTokens: http.StatusBadRequest,

	KindStoreWrite:           http.StatusInternalServerError,
	KindStoreDeserialization: http.StatusInternalServerError,
	KindStoreMigration:       http.StatusInternalServerError,
	KindStoreConnection:      http.StatusInternalServerError,

	KindSerialization: http.StatusInternalServerError,
	KindCache:         http.StatusInternalServerError,
	KindFileWrite:     http.StatusInternalServerError,
	KindRouteNotFound: http.StatusNotFound,
}

// Error is the single error type for the closed taxonomy. Fields are kept
// flat (no per-kind struct hierarchy) since Go has no tagged unions; Kind
// plus Fields gives callers enough to reconstruct the sum-type payload
// spec §7 describes (e.g. JsonSchemaValidation{messages,data,schema}).
type Error struct {
	Kind    Kind
	Message string
	Status  int
	Fields  map[string]any
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Cause)
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error, defaulting Status from the Kind's spec §6
// mapping unless overridden.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Status: defaultStatus[kind]}
}

// Wrap attaches a Kind/message to an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	e := New(kind, message)
	e.Cause = cause

	return e
}

// WithField attaches a sum-type payload field (e.g. "retry_after", "status").
func (e *Error) WithField(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = map[string]any{}
	}

	e.Fields[key] = value

	return e
}

// WithStatus overrides the HTTP status for this error instance.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}

// Is allows errors.Is(err, gwerr.New(KindX, "")) to match purely on Kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}

	return t.Kind == e.Kind
}

// Body renders the single-line JSON error body spec §6/§7 require:
// {"error": "<human-readable single line>"}.
func Body(err error) map[string]string {
	return map[string]string{"error": Message(err)}
}

// Message returns a human-readable single-line message for any error,
// extracting the Kind-prefixed message for *Error and falling back to
// err.Error() otherwise.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Error()
	}

	return err.Error()
}

// StatusOf returns the HTTP status for an error, defaulting to 500 for
// errors outside the closed taxonomy.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		if e.Status != 0 {
			return e.Status
		}

		return http.StatusInternalServerError
	}

	return http.StatusInternalServerError
}

// OfKind reports whether err (or any error it wraps) carries the given Kind.
func OfKind(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	return e.Kind == kind
}
