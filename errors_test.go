package workgraph

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/workgraph/retry"
)

func TestUnitErrorWrapping(t *testing.T) {
	err := NewUnitError(ErrorTypeTimeout, "operation timed out")
	require.Equal(t, "timeout: operation timed out", err.Error())
	require.Nil(t, err.Unwrap())

	originalErr := errors.New("network connection failed")
	wrappedErr := &UnitError{
		Type:    ErrorTypeTimeout,
		Cause:   originalErr.Error(),
		Wrapped: originalErr,
	}
	require.Equal(t, "timeout: network connection failed", wrappedErr.Error())
	require.True(t, errors.Is(wrappedErr, originalErr))

	var uErr *UnitError
	require.True(t, errors.As(fmt.Errorf("outer: %w", wrappedErr), &uErr))
	require.Equal(t, ErrorTypeTimeout, uErr.Type)
}

type netTimeout struct{}

func (netTimeout) Error() string { return "i/o wait exceeded" }
func (netTimeout) Timeout() bool { return true }

func TestErrorClassification(t *testing.T) {
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connect: connection refused")}
	slowDial := &net.OpError{Op: "dial", Net: "tcp", Err: netTimeout{}}

	tests := []struct {
		name      string
		err       error
		want      string
		retryable bool
	}{
		{"deadline", context.DeadlineExceeded, ErrorTypeTimeout, true},
		{"unit timeout", fmt.Errorf("wrap: %w", ErrUnitTimeout), ErrorTypeTimeout, true},
		{"generic", errors.New("something went wrong"), ErrorTypeExecutionFailed, true},
		{"cancelled", fmt.Errorf("stop: %w", ErrCancelled), ErrorTypeCancelled, false},
		{"fatal", NewFatalError(errors.New("bad input")), ErrorTypeFatal, false},
		{"non recoverable", retry.NewNonRecoverableError(errors.New("denied")), ErrorTypeFatal, false},
		{"wrapped non recoverable", fmt.Errorf("call: %w", retry.NewNonRecoverableError(errors.New("gateway timeout"))), ErrorTypeFatal, false},
		{"wrapped deadline", fmt.Errorf("fetch: %w", context.DeadlineExceeded), ErrorTypeTimeout, true},
		{"context canceled", context.Canceled, ErrorTypeCancelled, false},
		{"net op error", refused, ErrorTypeExecutionFailed, true},
		{"net op timeout", slowDial, ErrorTypeTimeout, true},
		{"url error", &url.Error{Op: "Get", URL: "http://svc", Err: refused}, ErrorTypeExecutionFailed, true},
		{"url timeout", &url.Error{Op: "Get", URL: "http://svc", Err: slowDial}, ErrorTypeTimeout, true},
		{"url canceled", &url.Error{Op: "Get", URL: "http://svc", Err: context.Canceled}, ErrorTypeCancelled, false},
		{"timeout message", errors.New("upstream timed out"), ErrorTypeTimeout, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			classified := ClassifyError(tt.err)
			require.Equal(t, tt.want, classified.Type)
			require.Equal(t, tt.retryable, classified.Retryable())
			require.True(t, MatchesErrorType(tt.err, tt.want))
		})
	}

	t.Run("passthrough keeps the same error", func(t *testing.T) {
		original := NewUnitError(ErrorTypeFatal, "custom")
		require.Same(t, original, ClassifyError(original))
	})
}

func TestTypedErrors(t *testing.T) {
	cycle := &CycleError{Path: []string{"a", "b", "a"}}
	require.ErrorIs(t, cycle, ErrCycleDetected)
	require.Contains(t, cycle.Error(), "a -> b -> a")

	dangling := &DanglingDependencyError{UnitID: "b", Reference: "missing"}
	require.ErrorIs(t, dangling, ErrDanglingDependency)
	require.Contains(t, dangling.Error(), `"missing"`)

	cause := errors.New("bad checksum")
	integrity := &IntegrityError{CheckpointID: "ckpt_1", Reason: "checksum mismatch", Err: cause}
	require.ErrorIs(t, integrity, ErrIntegrity)
	require.ErrorIs(t, integrity, cause)
}
