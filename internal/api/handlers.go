package api

import (
	"context"
	"strings"
	"time"

	"github.com/fathima-sithara/social-messaging/internal/apperr"
	"github.com/fathima-sithara/social-messaging/internal/middleware"
	"github.com/fathima-sithara/social-messaging/internal/redis"
	"github.com/fathima-sithara/social-messaging/internal/service"
	"github.com/fathima-sithara/social-messaging/internal/storage"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

const (
	requestTimeout  = 5 * time.Second
	headerSessionID = "X-Session-ID"
)

// PresenceReader answers presence queries across instances.
type PresenceReader interface {
	GetPresence(ctx context.Context, userID string) (redis.Presence, error)
}

// MediaPresigner issues upload URLs for attachments.
type MediaPresigner interface {
	PresignUpload(ctx context.Context, userID, filename, contentType string) (storage.PresignedURL, error)
}

type Handlers struct {
	graph    *service.SocialGraph
	convs    *service.ConversationService
	msgs     *service.MessageService
	presence PresenceReader
	media    MediaPresigner
	online   func(userID string) bool
	log      *zap.Logger
}

func (h *Handlers) fail(c *fiber.Ctx, err error) error {
	if apperr.IsKind(err, apperr.KindTransient) {
		h.log.Error("request failed", zap.String("path", c.Path()), zap.String("user_id", middleware.UserID(c)), zap.Error(err))
	}
	return writeError(c, err)
}

func reqCtx(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), requestTimeout)
}

// conversations

type createDirectRequest struct {
	UserID string `json:"user_id"`
}

func (h *Handlers) createDirect(c *fiber.Ctx) error {
	var req createDirectRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	ctx, cancel := reqCtx(c)
	defer cancel()
	conv, created, err := h.convs.FindOrCreateDirect(ctx, middleware.UserID(c), strings.TrimSpace(req.UserID))
	if err != nil {
		return h.fail(c, err)
	}
	status := fiber.StatusOK
	if created {
		status = fiber.StatusCreated
	}
	return ok(c, status, conv)
}

type createGroupRequest struct {
	Name    string   `json:"name"`
	Avatar  string   `json:"avatar"`
	Members []string `json:"members"`
}

func (h *Handlers) createGroup(c *fiber.Ctx) error {
	var req createGroupRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	actor := middleware.UserID(c)
	ctx, cancel := reqCtx(c)
	defer cancel()
	// the creator is always a member and the admin
	conv, err := h.convs.CreateGroup(ctx, service.CreateGroupInput{
		Name:    req.Name,
		Avatar:  req.Avatar,
		Members: append([]string{actor}, req.Members...),
		AdminID: actor,
	})
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, fiber.StatusCreated, conv)
}

func (h *Handlers) listConversations(c *fiber.Ctx) error {
	ctx, cancel := reqCtx(c)
	defer cancel()
	list, err := h.convs.ListForUser(ctx, middleware.UserID(c), c.QueryInt("limit", 0))
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, fiber.StatusOK, list)
}

func (h *Handlers) getConversation(c *fiber.Ctx) error {
	ctx, cancel := reqCtx(c)
	defer cancel()
	conv, err := h.convs.Get(ctx, c.Params("id"), middleware.UserID(c))
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, fiber.StatusOK, conv)
}

type updateMetaRequest struct {
	Name   *string `json:"name"`
	Avatar *string `json:"avatar"`
}

func (h *Handlers) updateConversation(c *fiber.Ctx) error {
	var req updateMetaRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	ctx, cancel := reqCtx(c)
	defer cancel()
	conv, err := h.convs.UpdateMeta(ctx, service.UpdateMetaInput{
		ConversationID: c.Params("id"),
		ActorID:        middleware.UserID(c),
		Name:           req.Name,
		Avatar:         req.Avatar,
	})
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, fiber.StatusOK, conv)
}

func (h *Handlers) deleteConversation(c *fiber.Ctx) error {
	ctx, cancel := reqCtx(c)
	defer cancel()
	if err := h.convs.DeleteConversation(ctx, c.Params("id"), middleware.UserID(c)); err != nil {
		return h.fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handlers) hideConversation(c *fiber.Ctx) error {
	ctx, cancel := reqCtx(c)
	defer cancel()
	if err := h.convs.HideConversation(ctx, c.Params("id"), middleware.UserID(c)); err != nil {
		return h.fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handlers) leaveConversation(c *fiber.Ctx) error {
	ctx, cancel := reqCtx(c)
	defer cancel()
	res, err := h.convs.LeaveConversation(ctx, c.Params("id"), middleware.UserID(c))
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, fiber.StatusOK, fiber.Map{"conversation_id": res.Conversation.ID, "dissolved": res.Dissolved})
}

type addMemberRequest struct {
	UserID string `json:"user_id"`
}

func (h *Handlers) addMember(c *fiber.Ctx) error {
	var req addMemberRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	ctx, cancel := reqCtx(c)
	defer cancel()
	conv, err := h.convs.AddMember(ctx, c.Params("id"), strings.TrimSpace(req.UserID), middleware.UserID(c))
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, fiber.StatusOK, conv)
}

func (h *Handlers) removeMember(c *fiber.Ctx) error {
	ctx, cancel := reqCtx(c)
	defer cancel()
	conv, err := h.convs.RemoveMember(ctx, c.Params("id"), c.Params("user_id"), middleware.UserID(c))
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, fiber.StatusOK, conv)
}

// messages

type appendRequest struct {
	Body          string `json:"body"`
	AttachmentRef string `json:"attachment_ref"`
	ClientMsgID   string `json:"client_msg_id"`
}

func (h *Handlers) listMessages(c *fiber.Ctx) error {
	ctx, cancel := reqCtx(c)
	defer cancel()
	page, err := h.msgs.List(ctx, service.ListInput{
		ConversationID: c.Params("id"),
		ActorID:        middleware.UserID(c),
		Cursor:         c.Query("cursor"),
		Limit:          c.QueryInt("limit", 0),
		Before:         c.Query("direction") == "before",
	})
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, fiber.StatusOK, page)
}

func (h *Handlers) appendMessage(c *fiber.Ctx) error {
	var req appendRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	ctx, cancel := reqCtx(c)
	defer cancel()
	m, err := h.msgs.Append(ctx, service.AppendInput{
		ConversationID:  c.Params("id"),
		SenderID:        middleware.UserID(c),
		Body:            req.Body,
		AttachmentRef:   req.AttachmentRef,
		ClientMsgID:     req.ClientMsgID,
		OriginSessionID: c.Get(headerSessionID),
	})
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, fiber.StatusCreated, m)
}

func (h *Handlers) sendDirect(c *fiber.Ctx) error {
	var req appendRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	ctx, cancel := reqCtx(c)
	defer cancel()
	m, conv, err := h.msgs.SendDirect(ctx, service.SendDirectInput{
		SenderID:        middleware.UserID(c),
		RecipientID:     c.Params("user_id"),
		Body:            req.Body,
		AttachmentRef:   req.AttachmentRef,
		ClientMsgID:     req.ClientMsgID,
		OriginSessionID: c.Get(headerSessionID),
	})
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, fiber.StatusCreated, fiber.Map{"message": m, "conversation": conv})
}

type editRequest struct {
	Body string `json:"body"`
}

func (h *Handlers) editMessage(c *fiber.Ctx) error {
	var req editRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	ctx, cancel := reqCtx(c)
	defer cancel()
	m, err := h.msgs.Edit(ctx, service.EditInput{
		MessageID:       c.Params("id"),
		ActorID:         middleware.UserID(c),
		Body:            req.Body,
		OriginSessionID: c.Get(headerSessionID),
	})
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, fiber.StatusOK, m)
}

func (h *Handlers) deleteMessage(c *fiber.Ctx) error {
	ctx, cancel := reqCtx(c)
	defer cancel()
	m, err := h.msgs.SoftDelete(ctx, service.SoftDeleteInput{
		MessageID:       c.Params("id"),
		ActorID:         middleware.UserID(c),
		IsModerator:     middleware.IsModerator(c),
		OriginSessionID: c.Get(headerSessionID),
	})
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, fiber.StatusOK, m)
}

// social graph

func (h *Handlers) sendRequest(c *fiber.Ctx) error {
	ctx, cancel := reqCtx(c)
	defer cancel()
	out, err := h.graph.SendRequest(ctx, middleware.UserID(c), c.Params("user_id"))
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, fiber.StatusOK, fiber.Map{"outcome": out})
}

// graphAction adapts a two-user graph operation to a handler.
func (h *Handlers) graphAction(op func(ctx context.Context, actor, target string) error) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := reqCtx(c)
		defer cancel()
		if err := op(ctx, middleware.UserID(c), c.Params("user_id")); err != nil {
			return h.fail(c, err)
		}
		return c.SendStatus(fiber.StatusNoContent)
	}
}

func (h *Handlers) relations(c *fiber.Ctx) error {
	ctx, cancel := reqCtx(c)
	defer cancel()
	u, err := h.graph.GetRelations(ctx, middleware.UserID(c))
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, fiber.StatusOK, u)
}

type registerUserRequest struct {
	UserID string `json:"user_id"`
}

// registerUser provisions the caller's relationship record, or another
// user's when the caller is a moderator.
func (h *Handlers) registerUser(c *fiber.Ctx) error {
	var req registerUserRequest
	_ = c.BodyParser(&req)
	id := middleware.UserID(c)
	if req.UserID != "" && req.UserID != id {
		if !middleware.IsModerator(c) {
			return writeError(c, apperr.Forbidden(apperr.CodeNotAdmin, "only moderators can provision other users"))
		}
		id = req.UserID
	}
	ctx, cancel := reqCtx(c)
	defer cancel()
	u, err := h.graph.RegisterUser(ctx, id)
	if err != nil {
		return h.fail(c, err)
	}
	return ok(c, fiber.StatusCreated, u)
}

// media & presence

type uploadURLRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

func (h *Handlers) mediaUploadURL(c *fiber.Ctx) error {
	if h.media == nil {
		return c.Status(fiber.StatusNotImplemented).JSON(fiber.Map{"error": "media uploads disabled"})
	}
	var req uploadURLRequest
	if err := c.BodyParser(&req); err != nil || strings.TrimSpace(req.Filename) == "" {
		return badRequest(c, "filename required")
	}
	ctx, cancel := reqCtx(c)
	defer cancel()
	p, err := h.media.PresignUpload(ctx, middleware.UserID(c), req.Filename, req.ContentType)
	if err != nil {
		h.log.Error("presign upload", zap.Error(err))
		return writeError(c, apperr.Transient("presign upload", err))
	}
	return ok(c, fiber.StatusOK, p)
}

func (h *Handlers) presenceOf(c *fiber.Ctx) error {
	userID := c.Params("user_id")
	if h.presence == nil {
		status := redis.StatusOffline
		if h.online != nil && h.online(userID) {
			status = redis.StatusOnline
		}
		return ok(c, fiber.StatusOK, redis.Presence{UserID: userID, Status: status})
	}
	ctx, cancel := reqCtx(c)
	defer cancel()
	p, err := h.presence.GetPresence(ctx, userID)
	if err != nil {
		return h.fail(c, apperr.Transient("get presence", err))
	}
	return ok(c, fiber.StatusOK, p)
}
