// Package mdoc implements the ISO/IEC 18013-5:2021 device retrieval
// structures used by a holder: parsing DeviceRequest, building and
// signing DeviceResponse, and verifying documents. This file contains
// error handling utilities.
package mdoc

import (
	"errors"
	"fmt"
)

// Error categories for mdoc package
const (
	// ErrCategoryRequest represents errors related to DeviceRequest structure
	ErrCategoryRequest = "request"

	// ErrCategoryDocument represents errors related to document structure and validity
	ErrCategoryDocument = "document"

	// ErrCategoryCertificate represents errors related to certificates
	ErrCategoryCertificate = "certificate"

	// ErrCategoryCOSE represents errors related to COSE structures
	ErrCategoryCOSE = "cose"

	// ErrCategoryDevice represents errors related to device authentication
	ErrCategoryDevice = "device"
)

var (
	// ErrUnsupportedVersion is returned when a DeviceRequest version is
	// missing, malformed, or lower than 1.0.
	ErrUnsupportedVersion = errors.New("unsupported device request version")

	// ErrMalformedRequest is returned when a DeviceRequest violates its
	// structural requirements.
	ErrMalformedRequest = errors.New("malformed device request")

	ErrNamespaceNotFound      = errors.New("no such namespace")
	ErrMissingIssuerAuth      = errors.New("missing issuerAuth")
	ErrMissingPayload         = errors.New("missing payload")
	ErrMissingProtectedHeader = errors.New("missing protected header")
	ErrInvalidTaggedContent   = errors.New("invalid tag 24 content")
	ErrX5ChainIssue           = errors.New("x5chain not usable")
	ErrDeviceKeyNotAvailable  = errors.New("device key not available")
	ErrDeviceSignedNil        = errors.New("device signed is nil")
	ErrDeviceNameSpacesNil    = errors.New("device name spaces bytes is nil")
	ErrEmptySessionTranscript = errors.New("session transcript is empty")

	// ErrDocumentSigning is returned when device authentication of one
	// document in a batch fails. The whole response fails with it.
	ErrDocumentSigning = errors.New("device authentication failed")
)

// formatError formats an error message with an optional category prefix.
func formatError(category, format string, args ...interface{}) string {
	if category == "" {
		return fmt.Sprintf(format, args...)
	}
	return fmt.Sprintf("%s: %s", category, fmt.Sprintf(format, args...))
}

// NewWrappedCategoryError creates a new error that wraps an existing error with a category and additional context.
//
// Parameters:
//   - category: The error category
//   - err: The underlying error to wrap
//   - format: The format string for the additional context
//   - args: Arguments for the format string
//
// Returns:
//   - An error that wraps the original error with a category and additional context
func NewWrappedCategoryError(category string, err error, format string, args ...interface{}) error {
	return fmt.Errorf("%s: %w", formatError(category, format, args...), err)
}

// IsRequestError reports whether err comes from a structurally invalid
// DeviceRequest, as opposed to a signing or verification failure.
func IsRequestError(err error) bool {
	return errors.Is(err, ErrUnsupportedVersion) ||
		errors.Is(err, ErrMalformedRequest) ||
		errors.Is(err, ErrInvalidTaggedContent)
}
