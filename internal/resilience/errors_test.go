package resilience

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsConnectionError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "target closed", err: errors.New("Target closed"), want: true},
		{name: "disconnected", err: errors.New("browser has disconnected"), want: true},
		{name: "refused", err: fmt.Errorf("dial: %w", syscall.ECONNREFUSED), want: true},
		{name: "websocket", err: errors.New("websocket: bad handshake"), want: true},
		{name: "deadline", err: fmt.Errorf("navigate: %w", context.DeadlineExceeded), want: false},
		{name: "selector", err: errors.New("could not find node"), want: false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			require.Equal(t, tc.want, IsConnectionError(tc.err))
		})
	}
}

func TestIsTransient(t *testing.T) {
	t.Parallel()

	require.True(t, IsTransient(StatusError(http.StatusServiceUnavailable, "https://example.com")))
	require.True(t, IsTransient(StatusError(http.StatusTooManyRequests, "https://example.com")))
	require.False(t, IsTransient(StatusError(http.StatusNotFound, "https://example.com")))
	require.True(t, IsTransient(errors.New("read tcp: connection reset by peer")))
	require.False(t, IsTransient(context.Canceled))
	require.False(t, IsTransient(nil))
}
