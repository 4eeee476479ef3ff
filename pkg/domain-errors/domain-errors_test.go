package domainerrors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapPreservesClassification(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	inner := Transient(cause, CodeSigningFailure, "remote signer unreachable")

	outer := Wrap(fmt.Errorf("build: %w", inner), CodeMalformedInput, "failed to build response")

	code, ok := CodeOf(outer)
	require.True(t, ok)
	assert.Equal(t, CodeSigningFailure, code)
	assert.True(t, IsRetryable(outer))
	assert.ErrorIs(t, outer, cause)
	assert.Equal(t, "failed to build response", outer.Error())
}

func TestErrorsIsMatchesByCode(t *testing.T) {
	err := Wrap(errors.New("boom"), CodeNoMatch, "no document")

	assert.True(t, errors.Is(err, New(CodeNoMatch, "")))
	assert.False(t, errors.Is(err, New(CodeTrustFailure, "")))
	assert.True(t, HasCode(err, CodeNoMatch))
	assert.False(t, IsRetryable(err))
}

func TestDisplayMessage(t *testing.T) {
	codes := []Code{
		CodeMalformedInput,
		CodeTrustFailure,
		CodeNoMatch,
		CodeSigningFailure,
		CodeUnsupportedRequest,
		CodeUserCancelled,
	}

	seen := map[string]Code{}
	for _, code := range codes {
		msg := DisplayMessage(code)
		require.NotEmpty(t, msg)
		if other, dup := seen[msg]; dup {
			t.Fatalf("codes %s and %s share a display message", code, other)
		}
		seen[msg] = code
	}

	var e *Error
	require.True(t, errors.As(New(CodeUserCancelled, "cancelled"), &e))
	assert.Equal(t, DisplayMessage(CodeUserCancelled), e.DisplayMessage())
}

func TestCodeOfUnclassified(t *testing.T) {
	_, ok := CodeOf(errors.New("raw"))
	assert.False(t, ok)
	assert.False(t, HasCode(nil, CodeNoMatch))
}
