package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"zigbee-go-stack/internal/stack"
)

func newTestStream() *eventStream {
	return newEventStream(newTestLogger())
}

func eventType(t *testing.T, msg []byte) string {
	t.Helper()
	var ev struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.Unmarshal(msg, &ev))
	return ev.Type
}

func TestEventStreamSubscribeUnsubscribe(t *testing.T) {
	es := newTestStream()
	sub, ok := es.subscribe(nil, 0, 16)
	require.True(t, ok)
	if got := es.len(); got != 1 {
		t.Errorf("after subscribe: len = %d, want 1", got)
	}

	es.unsubscribe(sub)
	if got := es.len(); got != 0 {
		t.Errorf("after unsubscribe: len = %d, want 0", got)
	}
	_, open := <-sub.queue
	require.False(t, open, "queue closed on unsubscribe")

	// A second unsubscribe must not close the queue twice.
	es.unsubscribe(sub)
}

func TestEventStreamFanOut(t *testing.T) {
	es := newTestStream()
	all, _ := es.subscribe(nil, 0, 16)
	keys, _ := es.subscribe(parseTypeFilter([]string{"key_switched"}), 0, 16)

	es.publish(stack.Event{Type: stack.EventDeviceJoined})
	es.publish(stack.Event{Type: stack.EventKeySwitched, Data: stack.KeySwitchedEvent{Seq: 1}})

	if got := len(all.queue); got != 2 {
		t.Errorf("unfiltered subscriber got %d events, want 2", got)
	}
	if got := len(keys.queue); got != 1 {
		t.Fatalf("filtered subscriber got %d events, want 1", got)
	}
	var ev struct {
		Type string `json:"type"`
		Data struct {
			Seq uint8 `json:"seq"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(<-keys.queue, &ev))
	if ev.Type != stack.EventKeySwitched || ev.Data.Seq != 1 {
		t.Errorf("got %+v, want key_switched seq 1", ev)
	}
}

func TestEventStreamCutsOffLaggingSubscriber(t *testing.T) {
	es := newTestStream()
	slow, _ := es.subscribe(nil, 0, 1)
	fast, _ := es.subscribe(nil, 0, 16)

	es.publish(stack.Event{Type: stack.EventData})
	es.publish(stack.Event{Type: stack.EventData})

	require.Equal(t, 1, es.len())
	require.True(t, slow.lagged)
	require.Len(t, fast.queue, 2)

	<-slow.queue
	_, open := <-slow.queue
	require.False(t, open, "lagging queue closed after its backlog")
}

func TestEventStreamReplaysRecentMatchingEvents(t *testing.T) {
	es := newTestStream()
	for i := range streamHistory + 10 {
		typ := stack.EventData
		if i%2 == 0 {
			typ = stack.EventNetworkStatus
		}
		es.publish(stack.Event{Type: typ, Data: i})
	}

	sub, ok := es.subscribe(parseTypeFilter([]string{"network_status"}), 3, 16)
	require.True(t, ok)
	require.Len(t, sub.queue, 3)
	var last int
	for i := range 3 {
		var ev struct {
			Type string `json:"type"`
			Data int    `json:"data"`
		}
		require.NoError(t, json.Unmarshal(<-sub.queue, &ev))
		require.Equal(t, stack.EventNetworkStatus, ev.Type)
		if i > 0 && ev.Data <= last {
			t.Fatalf("replay out of order: %d after %d", ev.Data, last)
		}
		last = ev.Data
	}
	require.Equal(t, streamHistory+8, last, "newest matching event last")

	bounded, _ := es.subscribe(nil, 100, 4)
	require.Len(t, bounded.queue, 4, "replay limited by the queue")
}

func TestEventStreamCloseEndsSubscriptions(t *testing.T) {
	es := newTestStream()
	sub, _ := es.subscribe(nil, 0, 16)

	es.close()
	es.close()

	_, open := <-sub.queue
	require.False(t, open)
	require.Equal(t, "server shutdown", sub.reason)
	_, ok := es.subscribe(nil, 0, 16)
	require.False(t, ok, "no subscriptions after close")

	// Publishing after close is a no-op.
	es.publish(stack.Event{Type: stack.EventFatal})
}

func TestParseTypeFilter(t *testing.T) {
	if got := parseTypeFilter(nil); got != nil {
		t.Errorf("empty filter = %v, want nil", got)
	}
	got := parseTypeFilter([]string{"data, fatal", "device_left", ""})
	for _, want := range []string{"data", "fatal", "device_left"} {
		if !got[want] {
			t.Errorf("filter missing %q", want)
		}
	}
	if len(got) != 3 {
		t.Errorf("filter size = %d, want 3", len(got))
	}
}

func dialWS(t *testing.T, ts *httptest.Server, query string) (*websocket.Conn, context.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn, ctx
}

func TestWSStreamsFilteredEvents(t *testing.T) {
	srv, backend := setupTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn, ctx := dialWS(t, ts, "?type=device_joined")
	require.Eventually(t, func() bool { return srv.events.len() == 1 }, time.Second, 5*time.Millisecond)

	backend.events.Emit(stack.Event{Type: stack.EventData})
	backend.events.Emit(stack.Event{Type: stack.EventDeviceJoined, Data: stack.DeviceEvent{ExtAddr: "0000000000000002", ShortAddr: "0x1234"}})

	_, msg, err := conn.Read(ctx)
	require.NoError(t, err)
	var ev struct {
		Type string            `json:"type"`
		Data stack.DeviceEvent `json:"data"`
	}
	require.NoError(t, json.Unmarshal(msg, &ev))
	require.Equal(t, stack.EventDeviceJoined, ev.Type)
	require.Equal(t, "0x1234", ev.Data.ShortAddr)
}

func TestWSReplayThenLive(t *testing.T) {
	srv, backend := setupTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	backend.events.Emit(stack.Event{Type: stack.EventPanIDChanged})
	backend.events.Emit(stack.Event{Type: stack.EventKeySwitched})

	conn, ctx := dialWS(t, ts, "?replay=1")
	_, msg, err := conn.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, stack.EventKeySwitched, eventType(t, msg))

	backend.events.Emit(stack.Event{Type: stack.EventDeviceLeft})
	_, msg, err = conn.Read(ctx)
	require.NoError(t, err)
	require.Equal(t, stack.EventDeviceLeft, eventType(t, msg))
}

func TestWSRejectsBadReplay(t *testing.T) {
	srv, _ := setupTestServer(t)
	w := doRequest(srv, "GET", "/ws?replay=-1", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestWSClosedOnServerStop(t *testing.T) {
	srv, _ := setupTestServer(t)
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn, ctx := dialWS(t, ts, "")
	require.Eventually(t, func() bool { return srv.events.len() == 1 }, time.Second, 5*time.Millisecond)

	srv.Stop()
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	require.Equal(t, websocket.StatusGoingAway, websocket.CloseStatus(err))
}
