package ccerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_SetsSeverityAndRetryableFromKind(t *testing.T) {
	e := New(KindIO, "read failed")
	assert.Equal(t, KindIO, e.Kind)
	assert.Equal(t, SeverityError, e.Severity)
	assert.True(t, e.Retryable)

	e = New(KindConfig, "bad config")
	assert.Equal(t, SeverityFatal, e.Severity)
	assert.False(t, e.Retryable)

	e = New(KindValidation, "bad field")
	assert.Equal(t, SeverityWarning, e.Severity)
}

func TestError_IncludesDetailOnlyWhenSet(t *testing.T) {
	e := New(KindLoad, "could not parse")
	assert.Equal(t, "load_error: could not parse", e.Error())

	e.WithDetail("unexpected EOF")
	assert.Equal(t, "load_error: could not parse: unexpected EOF", e.Error())
}

func TestWrap_PreservesCauseViaUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	e := Wrap(KindIO, "write chunk", cause)
	assert.Equal(t, cause, errors.Unwrap(e))
	assert.ErrorIs(t, e, cause)
}

func TestIs_MatchesOnKindAlone(t *testing.T) {
	e := Wrap(KindNotFound, "document missing", errors.New("no rows"))
	assert.True(t, errors.Is(e, New(KindNotFound, "")))
	assert.False(t, errors.Is(e, New(KindValidation, "")))
}

func TestIs_NeverMatchesAPlainError(t *testing.T) {
	e := New(KindIO, "boom")
	assert.False(t, e.Is(errors.New("boom")))
}

func TestWithField_SetsFieldForValidationErrors(t *testing.T) {
	e := New(KindValidation, "bad input").WithField("email")
	assert.Equal(t, "email", e.Field)
}

func TestTypeURI_IncludesKind(t *testing.T) {
	e := New(KindEmbed, "embedding failed")
	assert.Equal(t, "https://context-cache.dev/errors/embed_error", e.TypeURI())
}

func TestHTTPStatus_MapsKnownKinds(t *testing.T) {
	assert.Equal(t, 400, HTTPStatus(KindValidation))
	assert.Equal(t, 404, HTTPStatus(KindNotFound))
	assert.Equal(t, 504, HTTPStatus(KindDeadlineExceeded))
	assert.Equal(t, 499, HTTPStatus(KindCancelled))
	assert.Equal(t, 500, HTTPStatus(KindConfig))
	assert.Equal(t, 500, HTTPStatus(KindIndex))
	assert.Equal(t, 500, HTTPStatus(KindIO))
}

func TestExitCode_MapsToFourDocumentedCodes(t *testing.T) {
	assert.Equal(t, 2, ExitCode(KindValidation))
	assert.Equal(t, 3, ExitCode(KindIO))
	assert.Equal(t, 3, ExitCode(KindNotFound))
	assert.Equal(t, 4, ExitCode(KindLoad))
	assert.Equal(t, 4, ExitCode(KindEmbed))
	assert.Equal(t, 4, ExitCode(KindConfig))
}
