package ratelimit

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlattenErrors(t *testing.T) {
	t.Parallel()

	raw := `{
		"activities": {
			"0": {
				"platform": {"_errors": [{"code": "BASE_TYPE_CHOICES", "message": "Value must be one of {'desktop', 'android', 'ios'}."}]},
				"type": {"_errors": [{"code": "BASE_TYPE_CHOICES", "message": "Value must be one of {0, 1, 2, 3, 4, 5}."}]}
			}
		},
		"_errors": [{"code": "TOP", "message": "top level"}],
		"embed": {"fields": {"12": {"name": {"_errors": [{"code": "REQ", "message": "required"}, {"code": "LEN", "message": "too long"}]}}}}
	}`
	got, err := FlattenErrors([]byte(raw))
	require.NoError(t, err)

	paths := make([]string, len(got))
	for i, de := range got {
		paths[i] = de.Path
	}
	assert.Equal(t, []string{
		"$.activities[0].platform",
		"$.activities[0].type",
		"$",
		"$.embed.fields[12].name",
		"$.embed.fields[12].name",
	}, paths)
	assert.Equal(t, "LEN", got[4].Code)
	assert.Equal(t, "too long", got[4].Message)
}

func TestFlattenErrors_Malformed(t *testing.T) {
	t.Parallel()

	got, err := FlattenErrors([]byte(`{"a":{"_errors":[{"code":"X","message":"x"}]},"b":[1,2]}`))
	require.Error(t, err)
	assert.Len(t, got, 1, "errors before the bad section are kept")
}

func TestParseAPIError_NoFieldErrors(t *testing.T) {
	t.Parallel()

	apiErr, err := parseAPIError(404, []byte(`{"code":10003,"message":"Unknown Channel"}`))
	require.NoError(t, err)
	assert.Equal(t, 10003, apiErr.Code)
	assert.Empty(t, apiErr.Errors)
	assert.Equal(t, "ratelimit: api error 404 Not Found (code 10003): Unknown Channel", apiErr.Error())
}

func TestRateLimitedError_Is(t *testing.T) {
	t.Parallel()

	var err error = &RateLimitedError{Scope: NumericResource(5), Bucket: "b", RetryAfter: time.Second, Attempts: 4}
	wrapped := fmt.Errorf("send: %w", err)
	assert.True(t, errors.Is(wrapped, ErrRateLimited))
	assert.Contains(t, err.Error(), `bucket "b" on numeric:5`)
	assert.Contains(t, err.Error(), "4 attempt(s)")

	global := &RateLimitedError{Global: true}
	assert.Contains(t, global.Error(), "global limit")
}
