package aierr_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventdesk/assistant/internal/aierr"
)

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		err    *aierr.Error
		status int
	}{
		{aierr.Unauthorized(), http.StatusUnauthorized},
		{aierr.NoTenant(), http.StatusUnprocessableEntity},
		{aierr.TemplateNotFound("email_draft"), http.StatusNotFound},
		{aierr.Validation("bad"), http.StatusBadRequest},
		{aierr.RateLimited(time.Second), http.StatusTooManyRequests},
		{aierr.ProviderUnavailable("openai", errors.New("dial")), http.StatusServiceUnavailable},
		{aierr.Timeout(context.DeadlineExceeded), http.StatusGatewayTimeout},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.status, tc.err.Status(), string(tc.err.Code))
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, aierr.RateLimited(time.Second).Retryable())
	assert.True(t, aierr.ProviderUnavailable("anthropic", nil).Retryable())
	assert.True(t, aierr.Timeout(nil).Retryable())
	assert.False(t, aierr.TemplateNotFound("x").Retryable())
	assert.False(t, aierr.Validation("x").Retryable())
}

func TestAsWrapsUnknownErrors(t *testing.T) {
	got := aierr.As(errors.New("boom"))
	require.NotNil(t, got)
	assert.Equal(t, aierr.CodeStreaming, got.Code)
	assert.NotContains(t, got.Message, "boom")

	inner := aierr.Timeout(context.Canceled)
	wrapped := fmt.Errorf("stream: %w", inner)
	assert.Same(t, inner, aierr.As(wrapped))
	assert.True(t, aierr.IsCode(wrapped, aierr.CodeTimeout))
	assert.True(t, errors.Is(wrapped, context.Canceled))

	assert.Nil(t, aierr.As(nil))
}
