package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Server holds the HTTP API's collaborators
type Server struct {
	Engine         *Engine
	Preflight      *PreflightChecker
	PreflightCache *PreflightCache
	Auth           SessionAuthenticator
	Guard          *TurnGuard

	// Limiter throttles message sends; nil means unlimited
	Limiter *rate.Limiter
}

// NewServer creates a server; sendRPS <= 0 disables send throttling
func NewServer(engine *Engine, preflight *PreflightChecker, auth SessionAuthenticator, sendRPS float64) *Server {
	s := &Server{
		Engine:         engine,
		Preflight:      preflight,
		PreflightCache: NewPreflightCache(PreflightCacheTTL),
		Auth:           auth,
		Guard:          NewTurnGuard(),
	}
	if sendRPS > 0 {
		s.Limiter = rate.NewLimiter(rate.Limit(sendRPS), int(math.Max(1, math.Ceil(sendRPS))))
	}
	return s
}

// Router builds the gin engine with middleware and routes
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	// Request size limit middleware
	router.Use(func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, MaxRequestBodySize)
		c.Next()
	})

	// CORS middleware with dynamic origin validation
	router.Use(cors.New(cors.Config{
		AllowOriginFunc:  allowOrigin,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type"},
		AllowCredentials: true,
	}))

	router.Use(s.Auth.Middleware())

	router.GET("/", healthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/api/login", s.loginHandler)
	router.POST("/api/logout", s.logoutHandler)
	router.GET("/api/me", s.meHandler)

	api := router.Group("/api", RequireRole(s.Auth, AccessUser))
	api.GET("/personas", s.listPersonasHandler)
	api.GET("/participants", s.listParticipantsHandler)
	api.PUT("/participants", RequireRole(s.Auth, AccessAdmin), s.updateParticipantsHandler)
	api.GET("/preflight", s.preflightHandler)
	api.GET("/conversations", listConversationsHandler)
	api.POST("/conversations", s.createConversationHandler)
	api.GET("/conversations/:id", getConversationHandler)
	api.POST("/conversations/:id/message", s.sendMessageHandler)
	api.POST("/conversations/:id/message/stream", s.sendMessageStreamHandler)
	api.POST("/conversations/:id/reset", s.resetConversationHandler)
	api.POST("/conversations/:id/title", s.updateTitleHandler)
	api.GET("/conversations/:id/scoreboard", scoreboardHandler)
	api.GET("/conversations/:id/transcript", s.transcriptHandler)

	return router
}

// allowOrigin accepts configured origins, or any localhost origin in development
func allowOrigin(origin string) bool {
	if len(CORSAllowedOrigins) > 0 && CORSAllowedOrigins[0] != "" {
		for _, allowedOrigin := range CORSAllowedOrigins {
			if origin == allowedOrigin {
				return true
			}
		}
		return false
	}
	return strings.HasPrefix(origin, "http://localhost") || strings.HasPrefix(origin, "http://127.0.0")
}

// healthCheck returns a simple health check response.
// GET / - Returns service status information.
func healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "Lyra Engine API",
	})
}

// POST /api/login - Body: {"username": "...", "password": "..."}
func (s *Server) loginHandler(c *gin.Context) {
	var request LoginRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	result, err := s.Auth.Login(c, request.Username, request.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) logoutHandler(c *gin.Context) {
	s.Auth.Logout(c)
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) meHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.Auth.Current(c))
}

func (s *Server) listPersonasHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.Personas.List())
}

func (s *Server) listParticipantsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.Engine.Participants.All())
}

// updateParticipantsHandler edits the participant registry (admin only).
// PUT /api/participants - Body: {"order": [...], "enabled": {"id": bool}, "remove": [...]}
// Removals apply first, then enable flags, then the order.
func (s *Server) updateParticipantsHandler(c *gin.Context) {
	var request UpdateParticipantsRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	registry := s.Engine.Participants
	for _, id := range request.Remove {
		registry.Remove(id)
	}
	for id, enabled := range request.Enabled {
		if enabled {
			registry.Enable(id)
		} else {
			registry.Disable(id)
		}
	}
	if len(request.Order) > 0 {
		registry.SetOrder(request.Order)
	}

	log.Info().Strs("order", request.Order).Strs("removed", request.Remove).Msg("participants updated")
	c.JSON(http.StatusOK, registry.All())
}

// preflightHandler checks both API keys
// GET /api/preflight - Query params: ?refresh=true (force cache refresh)
func (s *Server) preflightHandler(c *gin.Context) {
	forceRefresh := c.Query("refresh") == "true"

	if forceRefresh {
		s.PreflightCache.Clear()
	} else {
		if cached, ok := s.PreflightCache.Get(); ok {
			c.JSON(http.StatusOK, gin.H{
				"results":      cached,
				"cached":       true,
				"last_updated": s.PreflightCache.GetLastUpdated(),
			})
			return
		}
	}

	results := s.Preflight.RunAll(c.Request.Context())
	s.PreflightCache.Set(results)

	c.JSON(http.StatusOK, gin.H{
		"results":      results,
		"cached":       false,
		"last_updated": s.PreflightCache.GetLastUpdated(),
	})
}

// listConversationsHandler lists all conversations with metadata only.
// GET /api/conversations - Returns array of conversation metadata sorted by date.
func listConversationsHandler(c *gin.Context) {
	conversations, err := ListConversations()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to list conversations: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, conversations)
}

// createConversationHandler creates a new conversation.
// POST /api/conversations - Optional body {"persona_id": "..."}.
func (s *Server) createConversationHandler(c *gin.Context) {
	var request CreateConversationRequest
	if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}

	personaID := request.PersonaID
	if personaID == "" {
		personaID = DefaultPersonaID
	}
	persona, err := s.Engine.Personas.Get(personaID)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	conversation, err := CreateConversation(uuid.New().String(), persona)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to create conversation: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, conversation)
}

// loadConversation writes the 404/500 response itself and returns nil when
// the conversation cannot be served
func loadConversation(c *gin.Context) *Conversation {
	conversation, err := GetConversation(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to get conversation: %v", err),
		})
		return nil
	}
	if conversation == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Conversation not found",
		})
		return nil
	}
	return conversation
}

// getConversationHandler gets a specific conversation by ID.
// GET /api/conversations/:id - Returns full conversation including all turns.
func getConversationHandler(c *gin.Context) {
	conversation := loadConversation(c)
	if conversation == nil {
		return
	}

	c.JSON(http.StatusOK, conversation)
}

// beginTurn binds the request, claims the conversation's turn slot and then
// loads it, so the turn always starts from the last saved state. On success
// the caller must release the guard.
func (s *Server) beginTurn(c *gin.Context) (*Conversation, string, bool) {
	var request SendMessageRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return nil, "", false
	}
	if strings.TrimSpace(request.Content) == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", ErrEmptyMessage),
		})
		return nil, "", false
	}

	if s.Limiter != nil && !s.Limiter.Allow() {
		c.JSON(http.StatusTooManyRequests, gin.H{
			"error": "Too many requests",
		})
		return nil, "", false
	}

	id := c.Param("id")
	if !s.acquire(c, id) {
		return nil, "", false
	}

	conversation := loadConversation(c)
	if conversation == nil {
		s.Guard.Release(id)
		return nil, "", false
	}

	return conversation, request.Content, true
}

// acquire claims the turn slot for id, answering 409 when it is taken
func (s *Server) acquire(c *gin.Context, id string) bool {
	if s.Guard.TryAcquire(id) {
		return true
	}
	BusyRejections.Inc()
	c.JSON(http.StatusConflict, gin.H{
		"error": "A turn is already in progress for this conversation",
	})
	return false
}

// sendMessageHandler runs one turn and returns the result at once.
// POST /api/conversations/:id/message
// Use sendMessageStreamHandler for SSE streaming version.
func (s *Server) sendMessageHandler(c *gin.Context) {
	conversation, content, ok := s.beginTurn(c)
	if !ok {
		return
	}
	defer s.Guard.Release(c.Param("id"))

	turn, err := s.Engine.RunTurn(c.Request.Context(), conversation, content, TurnHooks{})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Turn failed: %v", err),
		})
		return
	}

	if err := SaveConversation(conversation); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to save conversation: %v", err),
		})
		return
	}

	c.JSON(http.StatusOK, SendMessageResponse{
		TurnID: turn.ID,
		Reply:  turn.Reply,
		Models: s.Engine.Participants.VisibleResults(turn.Models),
		Judge:  turn.Judge,
	})
}

// sendMessageStreamHandler runs one turn and streams progress via SSE.
// POST /api/conversations/:id/message/stream
// Events: collect_start, model_complete (per participant), judge_complete, complete.
func (s *Server) sendMessageStreamHandler(c *gin.Context) {
	conversation, content, ok := s.beginTurn(c)
	if !ok {
		return
	}
	defer s.Guard.Release(c.Param("id"))

	// Set SSE headers
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	hooks := TurnHooks{
		OnCollectStart: func(participants []Participant) {
			sendSSEEvent(c, gin.H{"type": "collect_start", "data": participants})
		},
		OnModel: func(result ModelResult) {
			if len(s.Engine.Participants.Visible(ModelResults{result})) == 0 {
				return
			}
			sendSSEEvent(c, gin.H{"type": "model_complete", "data": result})
		},
		OnJudge: func(verdict *JudgeVerdict) {
			sendSSEEvent(c, gin.H{"type": "judge_complete", "data": verdict})
		},
	}

	turn, err := s.Engine.RunTurn(c.Request.Context(), conversation, content, hooks)
	if err != nil {
		sendSSEError(c, fmt.Sprintf("Turn failed: %v", err))
		return
	}

	if err := SaveConversation(conversation); err != nil {
		sendSSEError(c, fmt.Sprintf("Failed to save conversation: %v", err))
		return
	}

	sendSSEEvent(c, gin.H{
		"type": "complete",
		"data": SendMessageResponse{
			TurnID: turn.ID,
			Reply:  turn.Reply,
			Models: s.Engine.Participants.VisibleResults(turn.Models),
			Judge:  turn.Judge,
		},
		"title": conversation.Title,
	})
}

// POST /api/conversations/:id/reset - Clears history back to the system message
func (s *Server) resetConversationHandler(c *gin.Context) {
	id := c.Param("id")
	if !s.acquire(c, id) {
		return
	}
	defer s.Guard.Release(id)

	conversation, err := ResetConversation(id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to reset conversation: %v", err),
		})
		return
	}
	if conversation == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Conversation not found",
		})
		return
	}

	c.JSON(http.StatusOK, conversation)
}

// POST /api/conversations/:id/title - Body: {"title": "..."}
func (s *Server) updateTitleHandler(c *gin.Context) {
	var request UpdateTitleRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("Invalid request: %v", err),
		})
		return
	}
	title := strings.TrimSpace(request.Title)
	if title == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request: title is empty",
		})
		return
	}

	id := c.Param("id")
	if !s.acquire(c, id) {
		return
	}
	defer s.Guard.Release(id)

	conversation, err := UpdateConversationTitle(id, TitleFromMessage(title))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": fmt.Sprintf("Failed to update title: %v", err),
		})
		return
	}
	if conversation == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Conversation not found",
		})
		return
	}

	c.JSON(http.StatusOK, conversation)
}

// GET /api/conversations/:id/scoreboard - Judge wins per participant
func scoreboardHandler(c *gin.Context) {
	conversation := loadConversation(c)
	if conversation == nil {
		return
	}

	c.JSON(http.StatusOK, CalculateScoreboard(conversation.Turns))
}

// GET /api/conversations/:id/transcript - History as HTML chat bubbles
func (s *Server) transcriptHandler(c *gin.Context) {
	conversation := loadConversation(c)
	if conversation == nil {
		return
	}

	persona, err := s.Engine.Personas.Get(conversation.PersonaID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": err.Error(),
		})
		return
	}

	page, err := RenderTranscript(conversation, persona)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": err.Error(),
		})
		return
	}

	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(page))
}

// sendSSEEvent sends a Server-Sent Event.
// Marshals data to JSON and writes as SSE format with "data: " prefix.
func sendSSEEvent(c *gin.Context, data interface{}) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal SSE event")
		return
	}
	c.Writer.WriteString(fmt.Sprintf("data: %s\n\n", string(jsonData)))
	c.Writer.Flush()
}

// sendSSEError sends an error event via SSE.
// Convenience wrapper for sending error-type SSE events.
func sendSSEError(c *gin.Context, message string) {
	sendSSEEvent(c, gin.H{"type": "error", "message": message})
}
