package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/hearthd/hearthd/pkg/bus"
	"github.com/hearthd/hearthd/pkg/log"
	"github.com/hearthd/hearthd/pkg/storage"
	"github.com/hearthd/hearthd/pkg/types"
)

// wsClientBuffer bounds the per-client send queue; slow clients are
// disconnected rather than backpressuring the bus.
const wsClientBuffer = 256

// wsHub mirrors the event stream to websocket clients. New clients may
// request catch-up from a sequence number; missed events are replayed
// from the store before live delivery starts.
type wsHub struct {
	store storage.Store

	mu      sync.Mutex
	clients map[*wsClient]bool
}

type wsClient struct {
	send chan *types.Event
}

func newWSHub(store storage.Store) *wsHub {
	return &wsHub{
		store:   store,
		clients: make(map[*wsClient]bool),
	}
}

// start subscribes the hub to the whole event stream.
func (h *wsHub) start(b *bus.Bus) {
	if err := b.Subscribe("ws-hub", bus.AllTopics(), h.broadcast); err != nil {
		log.WithComponent("api").Error().Err(err).Msg("failed to subscribe websocket hub")
	}
}

func (h *wsHub) stop(b *bus.Bus) {
	b.Unsubscribe("ws-hub")
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[*wsClient]bool)
}

func (h *wsHub) broadcast(_ context.Context, event *types.Event) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- event:
		default:
			// Slow client; drop it rather than block the stream.
			close(client.send)
			delete(h.clients, client)
		}
	}
	return nil
}

func (h *wsHub) attach(client *wsClient) {
	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()
}

func (h *wsHub) detach(client *wsClient) {
	h.mu.Lock()
	if h.clients[client] {
		delete(h.clients, client)
		close(client.send)
	}
	h.mu.Unlock()
}

// handleWS upgrades the connection and streams events. ?since=<seq>
// replays the persisted stream after that sequence number first.
// Served outside gin: the upgrade hijacks the connection.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	since := uint64(0)
	replay := false
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(errorBody{
				Code:    "validation_error",
				Message: "since must be a sequence number",
			})
			return
		}
		since = parsed
		replay = true
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.WithComponent("api").Debug().Err(err).Msg("websocket accept failed")
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := r.Context()

	// Catch-up before live delivery; clients tolerate the overlap window
	// by deduplicating on event id.
	if replay {
		if err := s.replaySince(ctx, conn, since); err != nil {
			return
		}
	}

	client := &wsClient{send: make(chan *types.Event, wsClientBuffer)}
	s.hub.attach(client)
	defer s.hub.detach(client)

	for {
		select {
		case event, ok := <-client.send:
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, event)
			cancel()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) replaySince(ctx context.Context, conn *websocket.Conn, since uint64) error {
	for {
		batch, err := s.sup.Store().ListEventsSince(since, 256)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		for _, event := range batch {
			since = event.Seq
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, event)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}
