// Package api is the supervisor's HTTP control surface.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/webhook"
	"github.com/rs/zerolog"

	"github.com/jacky-htg/voice-agent/backend/internal/agentmgr"
	"github.com/jacky-htg/voice-agent/libs/store"
)

// Agents is the part of agentmgr.Manager the handlers drive.
type Agents interface {
	SpawnAgent(room, identity string) (agentmgr.Agent, error)
	StopAgent(room string) error
	List() []agentmgr.Agent
}

// Transcripts reads recorded conversations.
type Transcripts interface {
	SessionsByRoom(ctx context.Context, room string) ([]store.Session, error)
	Transcript(ctx context.Context, sessionID string) ([]store.Turn, error)
}

type Options struct {
	Mode            string
	DefaultIdentity string
	// Keys verifies LiveKit webhook signatures.
	Keys auth.KeyProvider
	// Transcripts may be nil, which leaves the transcript endpoint unregistered.
	Transcripts Transcripts
	Logger      zerolog.Logger
}

type handler struct {
	agents Agents
	opts   Options
	log    zerolog.Logger
}

func SetupRouter(agents Agents, opts Options) *gin.Engine {
	if opts.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	if opts.DefaultIdentity == "" {
		opts.DefaultIdentity = "assistant-bot"
	}
	h := &handler{agents: agents, opts: opts, log: opts.Logger.With().Str("module", "api").Logger()}

	r := gin.New()
	if opts.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.POST("/agent-join", h.join)
	r.GET("/agents", func(c *gin.Context) { c.JSON(http.StatusOK, h.agents.List()) })
	r.DELETE("/agents/:room", h.leave)
	r.POST("/webhook/livekit", h.webhook)
	if opts.Transcripts != nil {
		r.GET("/rooms/:room/sessions", h.sessions)
	}
	return r
}

const eventRoomFinished = "room_finished"

type joinRequest struct {
	Room     string `json:"room"`
	Identity string `json:"identity"`
}

func (h *handler) join(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Room) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid room"})
		return
	}
	if req.Identity == "" {
		req.Identity = h.opts.DefaultIdentity
	}
	a, err := h.agents.SpawnAgent(req.Room, req.Identity)
	switch {
	case errors.Is(err, agentmgr.ErrAgentExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case err != nil:
		h.log.Error().Err(err).Str("room", req.Room).Msg("spawn agent")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start agent"})
	default:
		c.JSON(http.StatusCreated, a)
	}
}

func (h *handler) leave(c *gin.Context) {
	err := h.agents.StopAgent(c.Param("room"))
	if errors.Is(err, agentmgr.ErrAgentNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handler) webhook(c *gin.Context) {
	ev, err := webhook.ReceiveWebhookEvent(c.Request, h.opts.Keys)
	if err != nil {
		h.log.Warn().Err(err).Msg("rejected webhook")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid webhook"})
		return
	}
	h.log.Debug().Str("event", ev.GetEvent()).Str("room", ev.GetRoom().GetName()).Msg("webhook")

	if ev.GetEvent() == eventRoomFinished {
		room := ev.GetRoom().GetName()
		if err := h.agents.StopAgent(room); err != nil && !errors.Is(err, agentmgr.ErrAgentNotFound) {
			h.log.Error().Err(err).Str("room", room).Msg("stop agent for finished room")
		}
	}
	c.Status(http.StatusOK)
}

type sessionView struct {
	store.Session
	Turns []store.Turn `json:"turns"`
}

func (h *handler) sessions(c *gin.Context) {
	ctx := c.Request.Context()
	list, err := h.opts.Transcripts.SessionsByRoom(ctx, c.Param("room"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]sessionView, 0, len(list))
	for _, s := range list {
		turns, err := h.opts.Transcripts.Transcript(ctx, s.ID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		out = append(out, sessionView{Session: s, Turns: turns})
	}
	c.JSON(http.StatusOK, out)
}
