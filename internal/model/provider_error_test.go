package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProviderError_PanicsWithoutProvider(t *testing.T) {
	assert.Panics(t, func() {
		NewProviderError("", "stream", 0, ProviderErrorKindAuth, "", "", "", false, nil)
	})
}

func TestNewProviderError_PanicsWithoutKind(t *testing.T) {
	assert.Panics(t, func() {
		NewProviderError("anthropic", "stream", 0, "", "", "", "", false, nil)
	})
}

func TestProviderError_Accessors(t *testing.T) {
	cause := errors.New("network reset")
	pe := NewProviderError("anthropic", "stream", 429, ProviderErrorKindRateLimited, "rate_limit", "too many requests", "req-1", true, cause)

	assert.Equal(t, "anthropic", pe.Provider())
	assert.Equal(t, "stream", pe.Operation())
	assert.Equal(t, 429, pe.HTTPStatus())
	assert.Equal(t, ProviderErrorKindRateLimited, pe.Kind())
	assert.Equal(t, "rate_limit", pe.Code())
	assert.Equal(t, "too many requests", pe.Message())
	assert.Equal(t, "req-1", pe.RequestID())
	assert.True(t, pe.Retryable())
}

func TestProviderError_ErrorFallsBackToCauseWhenMessageEmpty(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	pe := NewProviderError("anthropic", "stream", 0, ProviderErrorKindUnavailable, "", "", "", false, cause)
	assert.Contains(t, pe.Error(), "dial tcp: timeout")
}

func TestProviderError_ErrorHasSaneDefaultWhenNothingElseSet(t *testing.T) {
	pe := NewProviderError("anthropic", "", 0, ProviderErrorKindUnknown, "", "", "", false, nil)
	assert.Contains(t, pe.Error(), "provider error")
	assert.Contains(t, pe.Error(), "request")
}

func TestProviderError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	pe := NewProviderError("anthropic", "stream", 0, ProviderErrorKindUnknown, "", "msg", "", false, cause)
	assert.ErrorIs(t, pe, cause)
}

func TestAsProviderError_FindsWrappedProviderError(t *testing.T) {
	pe := NewProviderError("anthropic", "stream", 500, ProviderErrorKindUnavailable, "", "down", "", true, nil)
	wrapped := errorWrap(pe)

	got, ok := AsProviderError(wrapped)
	require.True(t, ok)
	assert.Equal(t, pe, got)
}

func TestAsProviderError_FalseWhenAbsent(t *testing.T) {
	_, ok := AsProviderError(errors.New("plain error"))
	assert.False(t, ok)
}

func errorWrap(err error) error {
	return &wrappedErr{err}
}

type wrappedErr struct{ inner error }

func (w *wrappedErr) Error() string { return "wrapped: " + w.inner.Error() }
func (w *wrappedErr) Unwrap() error { return w.inner }
