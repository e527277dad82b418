package api

import (
	"github.com/fathima-sithara/social-messaging/internal/config"
	"github.com/fathima-sithara/social-messaging/internal/metrics"
	"github.com/fathima-sithara/social-messaging/internal/middleware"
	"github.com/fathima-sithara/social-messaging/internal/service"
	"github.com/fathima-sithara/social-messaging/internal/ws"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
)

// Deps are the collaborators the HTTP and websocket surfaces need. Presence,
// Media and Limiter are optional.
type Deps struct {
	Config        *config.Config
	Graph         *service.SocialGraph
	Conversations *service.ConversationService
	Messages      *service.MessageService
	Hub           *ws.Hub
	Fanout        service.Fanout
	Validator     middleware.TokenValidator
	Presence      interface {
		PresenceReader
		PresenceWriter
	}
	Media    MediaPresigner
	Limiter  *middleware.IPRateLimiter
	Instance string
	Log      *zap.Logger
}

func NewServer(d Deps) *fiber.App {
	app := fiber.New(fiber.Config{
		AppName:               d.Config.App.Name,
		ErrorHandler:          errorHandler,
		DisableStartupMessage: true,
		// values from params and headers outlive the request in the stores
		Immutable: true,
	})
	app.Use(recover.New())
	app.Use(middleware.RequestLogger(d.Log))

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "sessions": d.Hub.Count()})
	})
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	h := &Handlers{
		graph:  d.Graph,
		convs:  d.Conversations,
		msgs:   d.Messages,
		media:  d.Media,
		online: d.Hub.Online,
		log:    d.Log,
	}
	wsh := &WSHandler{
		hub:    d.Hub,
		convs:  d.Conversations,
		msgs:   d.Messages,
		fanout: d.Fanout,
		opts: ws.SessionOptions{
			SendBuffer:      d.Config.WS.SendBuffer,
			RateLimitPerSec: d.Config.WS.RateLimitPerSec,
			MaxMessageSize:  d.Config.WS.MaxMessageSizeBytes,
			PingInterval:    d.Config.PingInterval,
			WriteDeadline:   d.Config.WriteDeadline,
			ReadTimeout:     d.Config.HeartbeatTimeout,
		},
		instance: d.Instance,
		log:      d.Log,
	}
	if d.Presence != nil {
		h.presence = d.Presence
		wsh.presence = d.Presence
	}

	app.Use("/ws", Upgrade(d.Validator))
	app.Get("/ws", websocket.New(wsh.Serve))

	api := app.Group("/v1")
	if d.Limiter != nil {
		api.Use(d.Limiter.Handler())
	}
	api.Use(middleware.JWTAuth(d.Validator, d.Log))

	api.Post("/conversations/direct", h.createDirect)
	api.Post("/conversations/groups", h.createGroup)
	api.Get("/conversations", h.listConversations)
	api.Get("/conversations/:id", h.getConversation)
	api.Patch("/conversations/:id", h.updateConversation)
	api.Delete("/conversations/:id", h.deleteConversation)
	api.Post("/conversations/:id/hide", h.hideConversation)
	api.Post("/conversations/:id/leave", h.leaveConversation)
	api.Post("/conversations/:id/members", h.addMember)
	api.Delete("/conversations/:id/members/:user_id", h.removeMember)
	api.Get("/conversations/:id/messages", h.listMessages)
	api.Post("/conversations/:id/messages", h.appendMessage)
	api.Post("/direct/:user_id/messages", h.sendDirect)
	api.Patch("/messages/:id", h.editMessage)
	api.Delete("/messages/:id", h.deleteMessage)

	api.Post("/friends/requests/:user_id", h.sendRequest)
	api.Delete("/friends/requests/:user_id", h.graphAction(d.Graph.CancelRequest))
	api.Post("/friends/requests/:user_id/accept", h.graphAction(d.Graph.AcceptRequest))
	api.Post("/friends/requests/:user_id/reject", h.graphAction(d.Graph.RejectRequest))
	api.Delete("/friends/:user_id", h.graphAction(d.Graph.Unfriend))
	api.Post("/blocks/:user_id", h.graphAction(d.Graph.Block))
	api.Delete("/blocks/:user_id", h.graphAction(d.Graph.Unblock))
	api.Get("/relations", h.relations)

	api.Post("/media/upload-url", h.mediaUploadURL)
	api.Get("/presence/:user_id", h.presenceOf)
	api.Post("/internal/users", h.registerUser)

	return app
}
