package api

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/fathima-sithara/social-messaging/internal/apperr"
	"github.com/fathima-sithara/social-messaging/internal/domain"
	"github.com/fathima-sithara/social-messaging/internal/middleware"
	"github.com/fathima-sithara/social-messaging/internal/service"
	"github.com/fathima-sithara/social-messaging/internal/ws"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
)

const presenceTTL = 24 * time.Hour

// PresenceWriter tracks live sessions for cross-instance presence.
type PresenceWriter interface {
	AddConnection(ctx context.Context, userID, sessionID, instance string, ttl time.Duration) error
	Refresh(ctx context.Context, userID string, ttl time.Duration) error
	RemoveConnection(ctx context.Context, userID, sessionID string) error
}

type WSHandler struct {
	hub      *ws.Hub
	convs    *service.ConversationService
	msgs     *service.MessageService
	fanout   service.Fanout
	presence PresenceWriter
	opts     ws.SessionOptions
	instance string
	log      *zap.Logger
}

type messagePayload struct {
	Body          string `json:"body"`
	AttachmentRef string `json:"attachment_ref"`
}

type typingPayload struct {
	UserID string `json:"user_id"`
	Typing bool   `json:"typing"`
}

// Upgrade authenticates the handshake from ?token= (browsers cannot set
// headers on a websocket) before letting the upgrade through.
func Upgrade(v middleware.TokenValidator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		claims, err := v.Validate(c.Query("token"))
		if err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid token", "code": "unauthorized"})
		}
		c.Locals(middleware.LocalUserID, claims.UserID)
		return c.Next()
	}
}

// Serve runs one connection: register, announce the session id, pump until
// the socket fails, then unregister.
func (h *WSHandler) Serve(c *websocket.Conn) {
	userID, _ := c.Locals(middleware.LocalUserID).(string)
	s := ws.NewSession(userID, c, h.opts)
	h.hub.Register(s)
	if h.presence != nil {
		if err := h.presence.AddConnection(context.Background(), userID, s.ID(), h.instance, presenceTTL); err != nil {
			h.log.Warn("presence add", zap.String("user_id", userID), zap.Error(err))
		}
		go h.keepPresence(s)
	}
	s.SendEnvelope(ws.Envelope{Type: ws.TypeSession, SessionID: s.ID(), From: userID, At: time.Now().UTC()})

	s.Run(h.hub, h.handleFrame)

	if h.presence != nil {
		if err := h.presence.RemoveConnection(context.Background(), userID, s.ID()); err != nil {
			h.log.Warn("presence remove", zap.String("user_id", userID), zap.Error(err))
		}
	}
	h.log.Debug("session closed", zap.String("user_id", userID), zap.String("session_id", s.ID()))
}

// keepPresence extends the presence TTL while the session lives.
func (h *WSHandler) keepPresence(s *ws.Session) {
	t := time.NewTicker(presenceTTL / 2)
	defer t.Stop()
	for {
		select {
		case <-s.Done():
			return
		case <-t.C:
			if err := h.presence.Refresh(context.Background(), s.UserID(), presenceTTL); err != nil {
				h.log.Warn("presence refresh", zap.String("user_id", s.UserID()), zap.Error(err))
			}
		}
	}
}

func (h *WSHandler) handleFrame(s *ws.Session, env ws.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	switch env.Type {
	case ws.TypeMessage:
		h.handleMessage(ctx, s, env)
	case ws.TypeTyping:
		h.handleTyping(ctx, s, env)
	default:
		sendError(s, env.TempID, "unknown_type", "unsupported envelope type "+env.Type)
	}
}

// handleMessage appends and acks with the durable id so the client can
// swap its optimistic copy.
func (h *WSHandler) handleMessage(ctx context.Context, s *ws.Session, env ws.Envelope) {
	var p messagePayload
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			sendError(s, env.TempID, "bad_frame", "malformed message payload")
			return
		}
	}
	m, err := h.msgs.Append(ctx, service.AppendInput{
		ConversationID:  env.ConversationID,
		SenderID:        s.UserID(),
		Body:            p.Body,
		AttachmentRef:   p.AttachmentRef,
		ClientMsgID:     env.TempID,
		OriginSessionID: s.ID(),
	})
	if err != nil {
		if apperr.IsKind(err, apperr.KindTransient) {
			h.log.Error("ws append", zap.String("conversation_id", env.ConversationID), zap.Error(err))
		}
		sendError(s, env.TempID, apperr.CodeOf(err), errorMessage(err))
		return
	}
	ack, err := ws.NewEnvelope(ws.TypeAck, m.ConversationID, m)
	if err != nil {
		return
	}
	ack.TempID = env.TempID
	ack.MsgID = m.ID
	s.SendEnvelope(ack)
}

func (h *WSHandler) handleTyping(ctx context.Context, s *ws.Session, env ws.Envelope) {
	conv, err := h.convs.Member(ctx, env.ConversationID, s.UserID())
	if err != nil {
		sendError(s, env.TempID, apperr.CodeOf(err), errorMessage(err))
		return
	}
	p := typingPayload{Typing: true}
	if len(env.Payload) > 0 {
		_ = json.Unmarshal(env.Payload, &p)
	}
	p.UserID = s.UserID()
	out, err := ws.NewEnvelope(domain.EventTyping, conv.ID, p)
	if err != nil {
		return
	}
	out.From = s.UserID()
	recipients := make([]string, 0, len(conv.Members))
	for _, m := range conv.Members {
		if m != s.UserID() {
			recipients = append(recipients, m)
		}
	}
	if len(recipients) == 0 {
		return
	}
	if err := h.fanout.Emit(ctx, ws.Delivery{Recipients: recipients, ExcludeSession: s.ID(), Envelope: out}); err != nil {
		h.log.Warn("typing relay failed", zap.String("conversation_id", conv.ID), zap.Error(err))
	}
}

func errorMessage(err error) string {
	var ae *apperr.Error
	switch {
	case apperr.IsKind(err, apperr.KindTransient):
		return "temporarily unavailable, retry"
	case errors.As(err, &ae):
		return ae.Message
	}
	return err.Error()
}

func sendError(s *ws.Session, tempID, code, msg string) {
	s.SendEnvelope(ws.Envelope{Type: ws.TypeError, TempID: tempID, Code: code, Error: msg, At: time.Now().UTC()})
}
