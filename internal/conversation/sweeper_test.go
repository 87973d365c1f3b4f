// ABOUTME: Tests for the background sweeper schedule
// ABOUTME: Verifies periodic sweeps fire and shutdown is clean

package conversation

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweeper_FiresAndStops(t *testing.T) {
	f := newFixture(t, true)
	f.open(t)

	// Age the thread past its deadline by shrinking the manager's timeouts:
	// reopen with immediate deadlines instead of waiting out the clock.
	f.manager.timeout = -time.Second
	f.manager.followUpTimeout = -time.Second
	f.open(t)

	sweeper := NewSweeper(f.manager, 20*time.Millisecond, slog.New(slog.DiscardHandler))
	require.NoError(t, sweeper.Start(t.Context()))
	defer sweeper.Stop()

	assert.Eventually(t, func() bool {
		return len(f.sender.byType("status_request")) > 0
	}, 2*time.Second, 10*time.Millisecond, "sweeper should send the follow-up")

	sweeper.Stop()
}

func TestSweeper_StopWithoutStart(t *testing.T) {
	f := newFixture(t, true)
	sweeper := NewSweeper(f.manager, time.Second, slog.New(slog.DiscardHandler))
	sweeper.Stop()
}
