package domainerrors

import "errors"

// Code is the classification a presentation failure is reported under.
// Every error leaving the engine carries exactly one of these.
type Code string

const (
	// CodeMalformedInput: a query or codec input violates structural preconditions.
	CodeMalformedInput Code = "malformed_input"
	// CodeTrustFailure: a certificate chain does not validate.
	CodeTrustFailure Code = "trust_failure"
	// CodeNoMatch: no stored credential satisfies the query.
	CodeNoMatch Code = "no_match"
	// CodeSigningFailure: key unavailable, backend unreachable or attestation expired.
	CodeSigningFailure Code = "signing_failure"
	// CodeUnsupportedRequest: query format or wire format not implemented.
	CodeUnsupportedRequest Code = "unsupported_request"
	CodeUserCancelled      Code = "user_cancelled"
)

var displayMessages = map[Code]string{
	CodeMalformedInput:     "The request could not be read.",
	CodeTrustFailure:       "The requesting party could not be verified.",
	CodeNoMatch:            "No document in your wallet matches this request.",
	CodeSigningFailure:     "Your document could not be signed.",
	CodeUnsupportedRequest: "This kind of request is not supported.",
	CodeUserCancelled:      "The request was cancelled.",
}

// DisplayMessage returns the single user-facing message for a code.
func DisplayMessage(code Code) string {
	if msg, ok := displayMessages[code]; ok {
		return msg
	}
	return "Something went wrong."
}

// Error is a classified failure. Retryable is only ever set when the
// underlying cause is transport related.
type Error struct {
	Code      Code
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches errors by code so callers can write errors.Is(err, domainerrors.New(CodeNoMatch, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// DisplayMessage is the message shown to the user for this error.
func (e *Error) DisplayMessage() string {
	return DisplayMessage(e.Code)
}

func New(code Code, msg string) error {
	return &Error{Code: code, Message: msg}
}

// Wrap classifies err. If err is already classified, its code and
// retryability are kept and only the message changes.
func Wrap(err error, code Code, msg string) error {
	var existing *Error
	if errors.As(err, &existing) {
		return &Error{Code: existing.Code, Message: msg, Retryable: existing.Retryable, Err: err}
	}
	return &Error{Code: code, Message: msg, Err: err}
}

// Transient classifies err as a retryable failure caused by the transport.
func Transient(err error, code Code, msg string) error {
	return &Error{Code: code, Message: msg, Retryable: true, Err: err}
}

func HasCode(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// CodeOf reports the code of a classified error.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}

func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}
