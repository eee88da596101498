// Package testutil holds small helpers shared by the gateway tests.
package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Polling window for asynchronous gateway state. Worker exits, WAL
// transitions, and reaper sweeps all settle well inside it.
const (
	waitFor = 10 * time.Second
	tick    = 10 * time.Millisecond
)

// RequireEventually polls condition until it holds, failing the test
// once the shared wait window elapses.
func RequireEventually(t *testing.T, condition func() bool, msgAndArgs ...any) {
	t.Helper()
	require.Eventually(t, condition, waitFor, tick, msgAndArgs...)
}
