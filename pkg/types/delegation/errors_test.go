package delegation

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected ErrorKind
	}{
		{"nil", nil, ""},
		{"unknown service", &UnknownServiceError{ServiceID: "x"}, KindUnknownService},
		{"authentication", &AuthenticationError{ServiceID: "gemini"}, KindAuthentication},
		{"quota", &QuotaExceededError{Dimension: DimensionRequestsPerMinute}, KindQuotaExceeded},
		{"invalid option", &InvalidOptionError{Option: "temperature"}, KindInvalidOption},
		{"process", &ProcessExecutionError{ExitCode: 1}, KindProcessExecution},
		{"timeout", &TimeoutError{Timeout: time.Second}, KindTimeout},
		{"cancelled", &CancelledError{}, KindCancelled},
		{"storage", &StorageError{Op: "append", Err: errors.New("disk full")}, KindStorage},
		{"wrapped", errors.Wrap(&UnknownServiceError{ServiceID: "x"}, "dispatch"), KindUnknownService},
		{"context canceled", context.Canceled, KindCancelled},
		{"deadline", errors.Wrap(context.DeadlineExceeded, "wait"), KindTimeout},
		{"cancelled wrapping canceled", &CancelledError{Cause: context.Canceled}, KindCancelled},
		{"plain", errors.New("boom"), KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, KindOf(tt.err))
		})
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(&ProcessExecutionError{ExitCode: 1}))
	assert.True(t, Retryable(&TimeoutError{}))
	assert.True(t, Retryable(&QuotaExceededError{}))
	assert.False(t, Retryable(&UnknownServiceError{}))
	assert.False(t, Retryable(&InvalidOptionError{}))
	assert.False(t, Retryable(&AuthenticationError{}))
}

func TestErrorMessages(t *testing.T) {
	err := &ProcessExecutionError{ExitCode: 1, Stderr: "auth failed\n"}
	assert.Equal(t, "process exited with code 1: auth failed", err.Error())

	quota := &QuotaExceededError{
		Status: QuotaStatus{
			ServiceID:          "gemini",
			RequestsLastMinute: 2,
			Limits:             QuotaLimits{RequestsPerMinute: 2},
		},
		Dimension:  DimensionRequestsPerMinute,
		RetryAfter: time.Minute,
	}
	assert.Equal(t, "quota exceeded for gemini on requests_per_minute (2/2), retry after 1m0s", quota.Error())

	auth := &AuthenticationError{ServiceID: "gemini", Issues: []string{"GEMINI_API_KEY not set"}}
	assert.Contains(t, auth.Error(), "GEMINI_API_KEY not set")
}

func TestLevelText(t *testing.T) {
	for _, level := range []Level{LevelHealthy, LevelWarning, LevelCritical} {
		text, err := level.MarshalText()
		assert.NoError(t, err)

		var parsed Level
		assert.NoError(t, parsed.UnmarshalText(text))
		assert.Equal(t, level, parsed)
	}

	var l Level
	assert.Error(t, l.UnmarshalText([]byte("bogus")))
	assert.Equal(t, "unknown", Level(42).String())
}

func TestUsageRecordValidate(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	valid := NewUsageRecord("gemini", now)
	assert.NoError(t, valid.Validate())
	assert.NotEmpty(t, valid.ID)
	assert.Equal(t, time.UTC, valid.Timestamp.Location())

	missing := valid
	missing.ServiceID = ""
	assert.Error(t, missing.Validate())

	negative := valid
	negative.EstimatedTokens = -1
	assert.Error(t, negative.Validate())

	negDuration := valid
	negDuration.DurationSeconds = -0.5
	assert.Error(t, negDuration.Validate())
}

func TestCommandDescriptorString(t *testing.T) {
	assert.Equal(t, "gemini", CommandDescriptor{Executable: "gemini"}.String())
	assert.Equal(t, "gemini -p hi", CommandDescriptor{Executable: "gemini", Arguments: []string{"-p", "hi"}}.String())
}

func TestQuotaExceededTokensPerMinute(t *testing.T) {
	err := errors.Wrap(&QuotaExceededError{
		Status: QuotaStatus{
			ServiceID:        "gemini",
			TokensLastMinute: 31000,
			Limits:           QuotaLimits{TokensPerMinute: 32000},
		},
		Dimension:  DimensionTokensPerMinute,
		RetryAfter: 20 * time.Second,
	}, "dispatch")

	assert.Equal(t, KindQuotaExceeded, KindOf(err))
	assert.Contains(t, err.Error(), "quota exceeded for gemini on tokens_per_minute (31000/32000), retry after 20s")
}

func TestDimensionWindows(t *testing.T) {
	tests := []struct {
		dimension Dimension
		tokens    bool
		perMinute bool
	}{
		{DimensionRequestsPerMinute, false, true},
		{DimensionTokensPerMinute, true, true},
		{DimensionRequestsPerDay, false, false},
		{DimensionTokensPerDay, true, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.dimension), func(t *testing.T) {
			assert.Equal(t, tt.tokens, tt.dimension.IsTokens())
			assert.Equal(t, tt.perMinute, tt.dimension.IsPerMinute())
		})
	}
	assert.Len(t, Dimensions, len(tests))
}
