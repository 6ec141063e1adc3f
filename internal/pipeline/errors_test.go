package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   FaultKind
	}{
		{401, FaultAuth},
		{429, FaultRateLimited},
		{500, FaultTransient},
		{503, FaultTransient},
		{403, FaultRemote},
		{404, FaultRemote},
		{400, FaultRemote},
	}
	for _, tt := range tests {
		f := ClassifyStatus("op", tt.status, assert.AnError)
		assert.Equal(t, tt.want, f.Kind, "status %d", tt.status)
	}
}

func TestFaultWrapping(t *testing.T) {
	inner := errors.New("boom")
	f := NewFault(FaultTransient, "upload file", inner)

	assert.ErrorIs(t, f, inner)
	assert.Contains(t, f.Error(), "upload file")
	assert.Contains(t, f.Error(), "transient")

	var got *Fault
	require.ErrorAs(t, error(f), &got)
	assert.Equal(t, FaultTransient, got.Kind)
}

func TestFaultKindOfPlainError(t *testing.T) {
	assert.Equal(t, FaultRemote, faultKind(errors.New("plain")))
}

func TestWithRetrySucceedsOnLaterAttempt(t *testing.T) {
	calls := 0
	attempts, err := withRetry(context.Background(), func() error {
		calls++
		if calls < 2 {
			return NewFault(FaultTransient, "op", assert.AnError)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 2, calls)
}

func TestWithRetryGivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	attempts, err := withRetry(context.Background(), func() error {
		calls++
		return NewFault(FaultTransient, "op", assert.AnError)
	})
	require.Error(t, err)
	assert.Equal(t, maxAttempts, attempts)
	assert.Equal(t, maxAttempts, calls)
}

func TestWithRetryDoesNotRetryRemoteFaults(t *testing.T) {
	calls := 0
	attempts, err := withRetry(context.Background(), func() error {
		calls++
		return NewFault(FaultRemote, "op", assert.AnError)
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
}

func TestWithRetryDoesNotRetryAuthFaults(t *testing.T) {
	calls := 0
	_, err := withRetry(context.Background(), func() error {
		calls++
		return NewFault(FaultAuth, "op", assert.AnError)
	})
	require.Error(t, err)
	assert.Equal(t, FaultAuth, faultKind(err))
	assert.Equal(t, 1, calls)
}

func TestWithRetryHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := withRetry(ctx, func() error {
		return NewFault(FaultRateLimited, "op", assert.AnError)
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
