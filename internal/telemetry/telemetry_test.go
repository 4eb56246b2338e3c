package telemetry

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowtestlabs/flowtest/internal/logbus"
)

func startTestServer(t *testing.T, bus *logbus.Bus) int {
	t.Helper()
	port, shutdown, err := Start(bus, nil, 0)
	require.NoError(t, err)
	t.Cleanup(shutdown)
	return port
}

func TestGetRuns(t *testing.T) {
	bus := logbus.New()
	handle := bus.BeginSession("run-1", "smoke", "test", nil)
	handle.End(logbus.SessionComplete, nil)
	port := startTestServer(t, bus)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/api/runs", port))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var sessions []logbus.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sessions))
	require.Len(t, sessions, 1)
	assert.Equal(t, "run-1", sessions[0].ID)
	assert.Equal(t, logbus.SessionComplete, sessions[0].Status)
}

func TestGetEventsFiltered(t *testing.T) {
	bus := logbus.New()
	bus.Publish(logbus.PublishInput{RunID: "run-1", Level: logbus.LevelInfo, Message: "one"})
	bus.Publish(logbus.PublishInput{RunID: "run-2", Level: logbus.LevelError, Message: "two"})
	bus.Publish(logbus.PublishInput{RunID: "run-1", Level: logbus.LevelError, Message: "three"})
	port := startTestServer(t, bus)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/api/events?runId=run-1&levels=error", port))
	require.NoError(t, err)
	defer resp.Body.Close()

	var events []logbus.Event
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&events))
	require.Len(t, events, 1)
	assert.Equal(t, "three", events[0].Message)
}

func TestStreamDeliversBufferedAndLiveEvents(t *testing.T) {
	bus := logbus.New()
	bus.Publish(logbus.PublishInput{RunID: "run-1", Level: logbus.LevelInfo, Message: "buffered"})
	port := startTestServer(t, bus)

	resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d/api/stream?runId=run-1", port))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	type sseEvent struct {
		name string
		data string
	}
	events := make(chan sseEvent, 16)
	go func() {
		scanner := bufio.NewScanner(resp.Body)
		var cur sseEvent
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				cur.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				cur.data = strings.TrimPrefix(line, "data: ")
			case line == "":
				if cur.name != "" {
					events <- cur
				}
				cur = sseEvent{}
			}
		}
	}()

	next := func() sseEvent {
		select {
		case ev := <-events:
			return ev
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for SSE event")
			return sseEvent{}
		}
	}

	first := next()
	assert.Equal(t, "runs", first.name)

	replay := next()
	require.Equal(t, "log", replay.name)
	var ev logbus.Event
	require.NoError(t, json.Unmarshal([]byte(replay.data), &ev))
	assert.Equal(t, "buffered", ev.Message)

	bus.Publish(logbus.PublishInput{RunID: "run-1", Level: logbus.LevelError, Message: "live"})
	live := next()
	require.Equal(t, "log", live.name)
	require.NoError(t, json.Unmarshal([]byte(live.data), &ev))
	assert.Equal(t, "live", ev.Message)

	// Events for other runs never reach a runId-filtered stream.
	bus.Publish(logbus.PublishInput{RunID: "run-2", Level: logbus.LevelError, Message: "foreign"})
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %q delivered through filtered stream", ev.data)
	case <-time.After(150 * time.Millisecond):
	}
}
