package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/banana-clicker/backend/internal/auth"
	"github.com/banana-clicker/backend/internal/registry"
	"github.com/banana-clicker/backend/internal/store"
)

// UserSource looks up an account so the gateway can reject blocked users.
type UserSource interface {
	GetByID(ctx context.Context, id uuid.UUID) (*store.User, error)
}

// Gateway owns the websocket endpoint. It demultiplexes inbound events to
// the session registry and converts registry errors into error events; no
// business logic lives here.
type Gateway struct {
	registry *registry.Registry
	relay    *Relay
	verifier auth.Verifier
	users    UserSource
	log      *zap.Logger
	upgrader websocket.Upgrader
}

func NewGateway(reg *registry.Registry, relay *Relay, verifier auth.Verifier, users UserSource, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{
		registry: reg,
		relay:    relay,
		verifier: verifier,
		users:    users,
		log:      log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// HandleWS upgrades the connection and runs its read loop. Each connection
// gets a fresh connection id; a reconnect is a brand-new session.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	connID := uuid.NewString()
	c := g.relay.Add(conn)
	g.registry.Connect(connID)
	g.log.Info("ws client connected",
		zap.String("conn_id", connID), zap.String("remote", r.RemoteAddr))

	defer func() {
		g.relay.Remove(c)
		g.registry.Disconnect(connID)
		g.log.Info("ws client disconnected", zap.String("conn_id", connID))
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.reply(MsgError, ErrorPayload{Code: CodeInvalidInput, Message: "invalid JSON"})
			continue
		}

		switch msg.Type {
		case MsgAuthenticate:
			g.handleAuthenticate(r.Context(), c, connID, msg.Payload)
		case MsgClick:
			g.handleClick(c, connID, msg.Payload)
		case MsgQueryCount:
			g.handleQueryCount(c, connID)
		default:
			c.reply(MsgError, ErrorPayload{Code: CodeInvalidInput, Message: "unknown event type"})
		}
	}
}

func (g *Gateway) handleAuthenticate(ctx context.Context, c *client, connID string, raw json.RawMessage) {
	var p AuthenticatePayload
	if err := json.Unmarshal(raw, &p); err != nil || p.Token == "" {
		c.reply(MsgError, ErrorPayload{Code: CodeInvalidInput, Message: "missing token"})
		return
	}

	userID, err := g.verifier.Verify(p.Token)
	if err != nil {
		c.reply(MsgError, ErrorPayload{Code: CodeInvalidIdentity, Message: "invalid credential"})
		return
	}

	u, err := g.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.reply(MsgError, ErrorPayload{Code: CodeInvalidIdentity, Message: "unknown user"})
		} else {
			c.reply(MsgError, ErrorPayload{Code: CodeStoreUnavailable, Message: "try again"})
		}
		return
	}
	if u.Blocked {
		c.reply(MsgError, ErrorPayload{Code: CodeBlocked, Message: "account is blocked"})
		return
	}

	if err := g.registry.Authenticate(ctx, connID, userID); err != nil {
		c.reply(MsgError, errorPayloadFor(err))
		return
	}
}

func (g *Gateway) handleClick(c *client, connID string, raw json.RawMessage) {
	var p ClickPayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			// Non-integer counts never reach the registry.
			c.reply(MsgError, ErrorPayload{Code: CodeInvalidInput, Message: "count must be an integer"})
			return
		}
	}

	if _, err := g.registry.Click(connID, p.Count); err != nil {
		c.reply(MsgError, errorPayloadFor(err))
	}
}

func (g *Gateway) handleQueryCount(c *client, connID string) {
	count, err := g.registry.Count(connID)
	if err != nil {
		c.reply(MsgError, errorPayloadFor(err))
		return
	}
	c.reply(MsgAnswerCount, AnswerCountPayload{Count: count})
}

func errorPayloadFor(err error) ErrorPayload {
	switch {
	case errors.Is(err, registry.ErrNotAuthenticated):
		return ErrorPayload{Code: CodeNotAuthenticated, Message: "authenticate first"}
	case errors.Is(err, registry.ErrAlreadyAuthenticated):
		return ErrorPayload{Code: CodeAlreadyAuthenticated, Message: "session already authenticated"}
	case errors.Is(err, registry.ErrUserConnected):
		return ErrorPayload{Code: CodeUserConnected, Message: "user already connected elsewhere"}
	case errors.Is(err, registry.ErrInvalidCount):
		return ErrorPayload{Code: CodeInvalidInput, Message: "count must be non-negative"}
	case errors.Is(err, registry.ErrStoreUnavailable):
		return ErrorPayload{Code: CodeStoreUnavailable, Message: "try again"}
	case errors.Is(err, registry.ErrUnknownConnection):
		return ErrorPayload{Code: CodeUnknown, Message: "unknown connection"}
	default:
		return ErrorPayload{Code: CodeUnknown, Message: err.Error()}
	}
}
