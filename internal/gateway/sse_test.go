// ABOUTME: Tests for the SSE stream endpoints against the wired gateway
// ABOUTME: Covers live fan-out, resume via Last-Event-ID, and client disconnect cleanup

package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadops/squadhub/internal/event"
)

// sseClient is a live SSE connection to the test server.
type sseClient struct {
	cancel context.CancelFunc
	resp   *http.Response
	reader *bufio.Reader
}

func openStream(t *testing.T, f *gatewayFixture, path string, lastEventID string) *sseClient {
	t.Helper()

	ctx, cancel := context.WithCancel(t.Context())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+path, nil)
	require.NoError(t, err)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}

	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	c := &sseClient{cancel: cancel, resp: resp, reader: bufio.NewReader(resp.Body)}
	t.Cleanup(c.close)
	return c
}

func (c *sseClient) close() {
	c.cancel()
	_ = c.resp.Body.Close()
}

// next reads one SSE frame and decodes its data payload as an envelope.
func (c *sseClient) next(t *testing.T) *event.Envelope {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	var data string
	for {
		require.True(t, time.Now().Before(deadline), "timed out reading SSE frame")

		line, err := c.reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")

		switch {
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && data != "":
			var env event.Envelope
			require.NoError(t, json.Unmarshal([]byte(data), &env))
			return &env
		}
	}
}

func TestSquadStream_LiveFanOut(t *testing.T) {
	f := newTestGateway(t, nil)
	f.seedSquad(t, "squad-1")

	stream := openStream(t, f, "/api/squads/squad-1/events", "")
	require.Equal(t, event.TypeConnected, stream.next(t).Type)

	exec := startExecution(t, f, "task-1", "squad-1")

	started := stream.next(t)
	assert.Equal(t, event.TypeExecutionStarted, started.Type)
	assert.Equal(t, exec.ID, started.ExecutionID)
	assert.Equal(t, "squad-1", started.SquadID)

	advance(t, f, exec.ID, "analyzing")

	update := stream.next(t)
	assert.Equal(t, event.TypeStatusUpdate, update.Type)
	assert.Greater(t, update.Seq, started.Seq, "squad stream is ordered by sequence")
}

func TestExecutionStream_ScopedToOneExecution(t *testing.T) {
	f := newTestGateway(t, nil)
	f.seedSquad(t, "squad-1")

	target := startExecution(t, f, "task-1", "squad-1")
	stream := openStream(t, f, "/api/executions/"+target.ID+"/events", "")
	require.Equal(t, event.TypeConnected, stream.next(t).Type)

	// Traffic on an unrelated execution must not appear on this stream.
	other := startExecution(t, f, "task-2", "squad-1")
	advance(t, f, other.ID, "analyzing")
	advance(t, f, target.ID, "analyzing")

	env := stream.next(t)
	assert.Equal(t, target.ID, env.ExecutionID)
}

func TestStream_ResumeWithLastEventID(t *testing.T) {
	f := newTestGateway(t, nil)
	f.seedSquad(t, "squad-1")

	exec := startExecution(t, f, "task-1", "squad-1")
	advance(t, f, exec.ID, "analyzing", "planning")

	// Find the ledger so the test can resume from its first entry.
	var envs []*event.Envelope
	require.Equal(t, http.StatusOK,
		f.do(t, http.MethodGet, "/api/executions/"+exec.ID+"/envelopes", "", nil, &envs))
	require.Greater(t, len(envs), 2)

	stream := openStream(t, f, "/api/executions/"+exec.ID+"/events", itoa(envs[0].Seq))
	require.Equal(t, event.TypeConnected, stream.next(t).Type)

	// Everything after the marker replays in order before live traffic.
	for _, want := range envs[1:] {
		got := stream.next(t)
		assert.Equal(t, want.Seq, got.Seq)
	}

	advance(t, f, exec.ID, "delegated")
	live := stream.next(t)
	assert.Greater(t, live.Seq, envs[len(envs)-1].Seq)
}

func TestStream_RejectsBadResumeMarker(t *testing.T) {
	f := newTestGateway(t, nil)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet,
		f.srv.URL+"/api/executions/exec-1/events?after=later", nil)
	require.NoError(t, err)
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStream_DisconnectUnsubscribes(t *testing.T) {
	f := newTestGateway(t, nil)
	f.seedSquad(t, "squad-1")

	stream := openStream(t, f, "/api/squads/squad-1/events", "")
	require.Equal(t, event.TypeConnected, stream.next(t).Type)
	require.Equal(t, 1, f.g.hub.SubscriberCount())

	stream.close()

	assert.Eventually(t, func() bool { return f.g.hub.SubscriberCount() == 0 },
		2*time.Second, 10*time.Millisecond, "handler must unsubscribe on disconnect")
}
