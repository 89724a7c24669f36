package feed

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/signalsfoundry/rail-simulator/internal/logging"
)

// Path is where the websocket endpoint is mounted.
const Path = "/v1/ws"

const (
	pingInterval = 30 * time.Second
	writeTimeout = 5 * time.Second
)

// Handler upgrades requests to websocket subscriptions on a Hub.
type Handler struct {
	hub *Hub
	log logging.Logger
}

// NewHandler serves subscriptions backed by hub.
func NewHandler(hub *Hub, log logging.Logger) *Handler {
	if log == nil {
		log = logging.Noop()
	}
	return &Handler{hub: hub, log: log.With(logging.Unit("Feed"))}
}

// Mux returns a mux with the websocket endpoint and a health probe.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(Path, h)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]int{"clients": h.hub.ClientCount()})
	})
	return mux
}

type inbound struct {
	Type string `json:"type"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.log.Warn(r.Context(), "websocket accept failed", logging.Err(err))
		return
	}

	client := NewClient(uuid.NewString(), DefaultClientBuffer)
	if !h.hub.Register(client) {
		conn.Close(websocket.StatusGoingAway, "feed stopped")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go h.writeLoop(ctx, cancel, conn, client)
	h.readLoop(ctx, conn, client)
}

func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, client *Client) {
	defer func() {
		h.hub.Unregister(client)
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				h.log.Debug(ctx, "websocket read error", logging.String("client_id", client.ID), logging.Err(err))
			}
			return
		}
		if msgType != websocket.MessageText {
			continue
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			h.log.Debug(ctx, "invalid message format", logging.String("client_id", client.ID), logging.Err(err))
			continue
		}
		switch msg.Type {
		case "ping":
			h.reply(client, Message{Type: "pong"})
		case "snapshot":
			if latest := h.hub.Latest(); latest != nil {
				client.Reply(latest)
			}
		}
	}
}

// writeLoop drains the client queue. A closed queue means the hub dropped
// the client, so the read side is cancelled too.
func (h *Handler) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, client *Client) {
	defer cancel()
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case frame, ok := <-client.Send:
			if !ok {
				return
			}
			writeCtx, done := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, frame)
			done()
			if err != nil {
				return
			}

		case frame := <-client.replies:
			writeCtx, done := context.WithTimeout(ctx, writeTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, frame)
			done()
			if err != nil {
				return
			}

		case <-ticker.C:
			pingCtx, done := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pingCtx)
			done()
			if err != nil {
				return
			}
		}
	}
}

func (h *Handler) reply(client *Client, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if !client.Reply(data) {
		h.log.Debug(context.Background(), "reply queue full", logging.String("client_id", client.ID))
	}
}
