package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/uzdabrazor/chatparty/internal/model/chat"
	"github.com/uzdabrazor/chatparty/internal/relay"
	"github.com/uzdabrazor/chatparty/internal/service/driver"
	"github.com/uzdabrazor/chatparty/internal/service/history"
	"github.com/uzdabrazor/chatparty/internal/session"
)

const (
	readTimeout  = 60 * time.Second
	pingInterval = 54 * time.Second
	writeWait    = 10 * time.Second
)

// Handler owns the persistent chat connection: token check before upgrade,
// registration, history replay, and the inbound read loop.
type Handler struct {
	sessions     *session.Store
	registry     *relay.Registry
	sender       *relay.Sender
	drv          *driver.Driver
	transcript   *history.Service
	authRequired bool
	upgrader     websocket.Upgrader
}

// New creates the websocket handler.
func New(sessions *session.Store, registry *relay.Registry, sender *relay.Sender, drv *driver.Driver, transcript *history.Service, authRequired bool) *Handler {
	return &Handler{
		sessions:     sessions,
		registry:     registry,
		sender:       sender,
		drv:          drv,
		transcript:   transcript,
		authRequired: authRequired,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// RegisterRoutes mounts the streaming endpoint.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/ws", h.handleWebSocket)
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("session_id")
	if h.authRequired && !h.sessions.Validate(token) {
		http.Error(w, "invalid or missing session", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[websocket] upgrade failed: %v", err)
		return
	}

	userName := r.URL.Query().Get("user_name")
	c := h.registry.Register(conn, userName, token)
	defer h.registry.Unregister(c.ID)

	log.Printf("[websocket] new connection conn=%s name=%q", c.ID, userName)

	// Replay the current transcript before admitting the connection to
	// broadcasts, so the newcomer never sees frames out of order.
	for _, msg := range h.transcript.All() {
		c.Send(chat.Frame{
			Type:     chat.FrameMessage,
			Role:     msg.Role,
			Content:  msg.Content,
			Source:   msg.Source,
			UserName: msg.Author,
		})
	}
	c.Activate()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	go h.pingLoop(ctx, conn)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("[websocket] read error conn=%s: %v", c.ID, err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))

		var msg chat.Inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.Send(chat.Frame{Type: chat.FrameError, Content: "invalid message format"})
			continue
		}

		h.handleInbound(c, &msg)
	}
}

func (h *Handler) handleInbound(c *relay.Connection, msg *chat.Inbound) {
	switch msg.Type {
	case chat.FrameUserMessage:
		if msg.Content == "" {
			return
		}
		if msg.UserName != "" && msg.UserName != c.Name() {
			h.registry.Rename(c.ID, msg.UserName)
		}

		// Echo straight back to the sender; the driver relays to everyone
		// else and decides whether a generation starts.
		c.Send(chat.Frame{
			Type:            chat.FrameMessage,
			Role:            chat.RoleUser,
			Content:         msg.Content,
			Source:          chat.SourceWeb,
			UserName:        msg.UserName,
			ExpectsResponse: h.drv.Directed(msg.Content),
		})
		h.drv.HandleUserMessage(msg.Content, msg.UserName, chat.SourceWeb, c.ID)

	case chat.FrameChunkAck:
		if msg.SeqID > 0 {
			h.sender.Ack(c.ID, msg.SeqID)
		}

	default:
		c.Send(chat.Frame{Type: chat.FrameError, Content: "unsupported message type: " + msg.Type})
	}
}

// pingLoop keeps idle connections alive. WriteControl is safe alongside
// the registry writer goroutine.
func (h *Handler) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
