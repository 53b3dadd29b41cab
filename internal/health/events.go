package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/postalsys/opendq/internal/logging"
	"github.com/postalsys/opendq/internal/router"
)

// EventsSubprotocol is the websocket subprotocol of the /events stream.
const EventsSubprotocol = "opendq-events"

// Event types carried on the /events stream.
const (
	EventState  = "state"
	EventRecord = "record"
)

// eventQueueLen bounds the events buffered for one slow watcher. Events
// beyond it are dropped for that watcher only.
const eventQueueLen = 1024

const eventWriteTimeout = 5 * time.Second

// EventMessage is one JSON message on the /events stream.
type EventMessage struct {
	Type   string          `json:"type"`
	Source string          `json:"source"`
	Time   time.Time       `json:"time"`
	Data   json.RawMessage `json:"data"`
}

// handleEvents streams engine state changes and decoded records to a
// websocket client until it disconnects.
// GET /events?records=false suppresses records.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Events == nil {
		http.Error(w, "event stream not available", http.StatusServiceUnavailable)
		return
	}
	withRecords := r.URL.Query().Get("records") != "false"

	// The stream outlives the server's read and write timeouts.
	rc := http.NewResponseController(w)
	rc.SetReadDeadline(time.Time{})
	rc.SetWriteDeadline(time.Time{})

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{EventsSubprotocol},
	})
	if err != nil {
		s.logger.Debug("websocket accept failed", logging.KeyError, err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	s.clients.Add(1)
	defer s.clients.Add(-1)

	queue := make(chan EventMessage, eventQueueLen)
	var dropped atomic.Int64
	defer func() {
		if n := dropped.Load(); n > 0 {
			s.logger.Warn("event watcher fell behind", logging.KeyCount, n)
		}
	}()
	enqueue := func(typ string) router.Handler {
		return func(ev router.Event) error {
			data, err := json.Marshal(ev.Payload)
			if err != nil {
				return err
			}
			select {
			case queue <- EventMessage{Type: typ, Source: ev.Source, Time: time.Now(), Data: data}:
			default:
				dropped.Add(1)
			}
			return nil
		}
	}

	stateSub := s.cfg.Events.Subscribe(router.TopicEngineState, enqueue(EventState))
	defer stateSub.Unsubscribe()
	if withRecords {
		recordSub := s.cfg.Events.Subscribe(router.TopicEngineRecord, enqueue(EventRecord))
		defer recordSub.Unsubscribe()
	}

	// The client never sends; CloseRead handles control frames and cancels
	// ctx once the peer goes away.
	ctx := conn.CloseRead(r.Context())

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-queue:
			if err := s.writeEvent(ctx, conn, msg); err != nil {
				s.logger.Debug("event watcher gone", logging.KeyError, err)
				return
			}
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, msg EventMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

// EventWatchers returns the number of connected /events clients.
func (s *Server) EventWatchers() int {
	return int(s.clients.Load())
}
