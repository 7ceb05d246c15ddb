package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"zigbee-go-stack/internal/stack"
)

const (
	streamHistory = 64
	streamQueue   = 64
	writeTimeout  = 10 * time.Second
)

// eventStream fans stack events out to websocket subscribers. It keeps
// the last streamHistory events so a new subscriber can ask for a replay.
// Publishing never blocks the stack goroutine: a subscriber whose queue
// is full is cut off.
type eventStream struct {
	logger *slog.Logger

	mu      sync.Mutex
	subs    map[*subscriber]struct{}
	history []recorded
	closed  bool
}

type recorded struct {
	typ  string
	data []byte
}

type subscriber struct {
	// types limits delivery to these event types; nil means all.
	types map[string]bool
	queue chan []byte
	// reason is the close reason sent once queue is closed; lagged marks
	// a subscriber cut off for falling behind.
	reason string
	lagged bool
}

func (s *subscriber) wants(eventType string) bool {
	return s.types == nil || s.types[eventType]
}

// parseTypeFilter reads ?type=a,b (repeatable) into a filter set.
func parseTypeFilter(values []string) map[string]bool {
	var types map[string]bool
	for _, v := range values {
		for _, t := range strings.Split(v, ",") {
			t = strings.TrimSpace(t)
			if t == "" {
				continue
			}
			if types == nil {
				types = make(map[string]bool)
			}
			types[t] = true
		}
	}
	return types
}

func newEventStream(logger *slog.Logger) *eventStream {
	return &eventStream{logger: logger, subs: make(map[*subscriber]struct{})}
}

// publish encodes ev once and queues it for every interested subscriber.
func (es *eventStream) publish(ev stack.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		es.logger.Error("encode event", "type", ev.Type, "err", err)
		return
	}
	es.mu.Lock()
	defer es.mu.Unlock()
	if es.closed {
		return
	}
	es.history = append(es.history, recorded{typ: ev.Type, data: data})
	if len(es.history) > streamHistory {
		es.history = es.history[len(es.history)-streamHistory:]
	}
	for sub := range es.subs {
		if !sub.wants(ev.Type) {
			continue
		}
		select {
		case sub.queue <- data:
		default:
			sub.lagged = true
			es.dropLocked(sub, "subscriber too slow")
			es.logger.Warn("event subscriber cut off", "type", ev.Type)
		}
	}
}

// subscribe registers a subscriber and queues up to replay of the most
// recent matching events. It reports false once the stream is closed.
func (es *eventStream) subscribe(types map[string]bool, replay, queueLen int) (*subscriber, bool) {
	sub := &subscriber{types: types, queue: make(chan []byte, queueLen)}
	es.mu.Lock()
	defer es.mu.Unlock()
	if es.closed {
		return nil, false
	}
	var backlog [][]byte
	for i := len(es.history) - 1; i >= 0 && len(backlog) < min(replay, queueLen); i-- {
		if sub.wants(es.history[i].typ) {
			backlog = append(backlog, es.history[i].data)
		}
	}
	for i := len(backlog) - 1; i >= 0; i-- {
		sub.queue <- backlog[i]
	}
	es.subs[sub] = struct{}{}
	es.logger.Debug("event subscriber added", "total", len(es.subs), "replayed", len(backlog))
	return sub, true
}

// unsubscribe removes sub. Unknown subscribers are ignored.
func (es *eventStream) unsubscribe(sub *subscriber) {
	es.mu.Lock()
	defer es.mu.Unlock()
	if _, ok := es.subs[sub]; ok {
		es.dropLocked(sub, "")
		es.logger.Debug("event subscriber removed", "total", len(es.subs))
	}
}

func (es *eventStream) dropLocked(sub *subscriber, reason string) {
	delete(es.subs, sub)
	sub.reason = reason
	close(sub.queue)
}

// close ends every subscription. Later calls do nothing.
func (es *eventStream) close() {
	es.mu.Lock()
	defer es.mu.Unlock()
	if es.closed {
		return
	}
	es.closed = true
	for sub := range es.subs {
		es.dropLocked(sub, "server shutdown")
	}
}

func (es *eventStream) len() int {
	es.mu.Lock()
	defer es.mu.Unlock()
	return len(es.subs)
}

// handleWS streams stack events as JSON text messages. ?type= filters by
// event type and ?replay=N first sends up to N recent matching events.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	replay := 0
	if v := q.Get("replay"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeJSON(w, http.StatusBadRequest, map[string]string{"error": "replay must be a non-negative integer"})
			return
		}
		replay = n
	}

	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}
	conn.SetReadLimit(4096)

	sub, ok := s.events.subscribe(parseTypeFilter(q["type"]), replay, streamQueue)
	if !ok {
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}
	defer s.events.unsubscribe(sub)

	// Reads only detect the peer going away; incoming messages are ignored.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case data, open := <-sub.queue:
			if !open {
				if sub.lagged {
					conn.Close(websocket.StatusPolicyViolation, sub.reason)
				} else {
					conn.Close(websocket.StatusGoingAway, sub.reason)
				}
				return
			}
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
