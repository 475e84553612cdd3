package devserver

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/crypto/bcrypt"

	"github.com/repolens/analysis-client/internal/auth"
	"github.com/repolens/analysis-client/internal/backend"
	"github.com/repolens/analysis-client/internal/progress"
)

var serverTracer = otel.Tracer("devserver")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Local development server, origin checks are intentionally lax.
		return true
	},
}

// Config controls the dev server's scripted behavior.
type Config struct {
	// StepDelay is the pause between pipeline stages.
	StepDelay time.Duration
	// KeepaliveInterval is how often an idle stream sends a keepalive frame.
	KeepaliveInterval time.Duration
	// FailAt, when set, aborts the pipeline with a failed event at that stage.
	FailAt progress.Stage
	// JWTSecret enables authentication when non-empty.
	JWTSecret string
	// Users maps usernames to bcrypt password hashes for /api/auth/login.
	Users map[string]string
}

// Server is an in-memory stand-in for the analysis service. It serves the
// same wire surface the production backend does, driven by a scripted
// pipeline instead of real analysis.
type Server struct {
	cfg    Config
	jwtMgr *auth.JWTManager
	tracer trace.Tracer

	mu      sync.RWMutex
	jobs    map[string]*job
	cancels map[string]context.CancelFunc
}

// New creates a dev server. Authentication is enabled only when cfg.JWTSecret
// is set.
func New(cfg Config) (*Server, error) {
	if cfg.StepDelay <= 0 {
		cfg.StepDelay = 300 * time.Millisecond
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 5 * time.Second
	}

	s := &Server{
		cfg:     cfg,
		tracer:  serverTracer,
		jobs:    make(map[string]*job),
		cancels: make(map[string]context.CancelFunc),
	}

	if cfg.JWTSecret != "" {
		jwtMgr, err := auth.NewJWTManager(cfg.JWTSecret)
		if err != nil {
			return nil, err
		}
		s.jwtMgr = jwtMgr
	}

	return s, nil
}

// Router builds the Gin router with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestLoggingMiddleware())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})
	router.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	api := router.Group("/api")

	if s.jwtMgr != nil {
		api.POST("/auth/login", s.login)

		protected := api.Group("")
		protected.Use(auth.RequireAuth(s.jwtMgr))
		s.registerAnalyzeRoutes(protected)
	} else {
		s.registerAnalyzeRoutes(api)
	}

	return router
}

func (s *Server) registerAnalyzeRoutes(group *gin.RouterGroup) {
	group.POST("/analyze", s.startAnalysis)
	group.GET("/analyze/:id", s.getAnalysis)
	group.DELETE("/analyze/:id", s.deleteAnalysis)
	group.GET("/analyze/:id/stream", s.streamAnalysis)
}

// Shutdown cancels all running pipelines.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cancel := range s.cancels {
		cancel()
		delete(s.cancels, id)
	}
}

// startAnalysis handles POST /api/analyze.
func (s *Server) startAnalysis(c *gin.Context) {
	_, span := s.tracer.Start(c.Request.Context(), "devserver.start_analysis")
	defer span.End()

	var req backend.AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Invalid request body"})
		return
	}
	if req.RepoURL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "repo_url is required"})
		return
	}
	if req.Audience == "" {
		req.Audience = "engineer"
	}
	if !backend.ValidAudience(req.Audience) {
		c.JSON(http.StatusBadRequest, gin.H{
			"detail": "Invalid audience. Must be one of: " + joinAudiences(),
		})
		return
	}

	analysisID := uuid.New().String()
	span.SetAttributes(
		attribute.String("analysis.id", analysisID),
		attribute.String("repo_url", req.RepoURL),
	)

	j := newJob(analysisID, req.RepoURL, req.Branch, req.Audience)
	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.jobs[analysisID] = j
	s.cancels[analysisID] = cancel
	s.mu.Unlock()

	go j.run(ctx, s.cfg.StepDelay, s.cfg.FailAt)

	log.Printf("Started analysis %s for %s (audience %s)", analysisID, req.RepoURL, req.Audience)

	c.JSON(http.StatusOK, backend.AnalyzeResponse{
		AnalysisID: analysisID,
		Status:     string(progress.StageQueued),
		Message:    "Analysis started. Use stream_url for live progress.",
		StreamURL:  "/api/analyze/" + analysisID + "/stream",
	})
}

// getAnalysis handles GET /api/analyze/:id.
func (s *Server) getAnalysis(c *gin.Context) {
	s.mu.RLock()
	j, ok := s.jobs[c.Param("id")]
	s.mu.RUnlock()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Analysis not found"})
		return
	}

	c.JSON(http.StatusOK, j.record())
}

// deleteAnalysis handles DELETE /api/analyze/:id.
func (s *Server) deleteAnalysis(c *gin.Context) {
	analysisID := c.Param("id")

	s.mu.Lock()
	_, ok := s.jobs[analysisID]
	if ok {
		delete(s.jobs, analysisID)
		if cancel, running := s.cancels[analysisID]; running {
			cancel()
			delete(s.cancels, analysisID)
		}
	}
	s.mu.Unlock()

	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Analysis not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Analysis deleted"})
}

// streamAnalysis handles the WebSocket at GET /api/analyze/:id/stream. It
// replays the job's event log, follows live events, sends keepalives while
// the pipeline is between stages, and closes normally once a terminal event
// has been delivered.
func (s *Server) streamAnalysis(c *gin.Context) {
	_, span := s.tracer.Start(c.Request.Context(), "devserver.stream_analysis")
	defer span.End()

	analysisID := c.Param("id")
	span.SetAttributes(attribute.String("analysis.id", analysisID))

	s.mu.RLock()
	j, ok := s.jobs[analysisID]
	s.mu.RUnlock()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		span.RecordError(err)
		log.Printf("Failed to upgrade connection: %v", err)
		return
	}
	defer conn.Close()

	if !ok {
		conn.WriteJSON(gin.H{"error": "Analysis not found"})
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "not found"))
		return
	}

	backlog, events, cancel := j.subscribe()
	defer cancel()

	// Client messages are ignored; reading only detects disconnects.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for _, event := range backlog {
		if err := conn.WriteJSON(event); err != nil {
			return
		}
		if event.Stage.Terminal() {
			s.closeNormally(conn, analysisID)
			return
		}
	}

	keepalive := time.NewTicker(s.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-clientGone:
			log.Printf("Stream client disconnected for analysis %s", analysisID)
			return
		case event := <-events:
			if err := conn.WriteJSON(event); err != nil {
				return
			}
			if event.Stage.Terminal() {
				s.closeNormally(conn, analysisID)
				return
			}
		case <-keepalive.C:
			rec := j.record()
			frame := progress.Event{
				Stage:     rec.Status,
				Message:   "Processing... (" + string(rec.Status) + ")",
				Timestamp: time.Now().UTC().Format(time.RFC3339),
				Keepalive: true,
			}
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		}
	}
}

func (s *Server) closeNormally(conn *websocket.Conn, analysisID string) {
	conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "analysis finished"))
	log.Printf("Stream closed for analysis %s", analysisID)
}

// login handles POST /api/auth/login when authentication is enabled.
func (s *Server) login(c *gin.Context) {
	ctx, span := s.tracer.Start(c.Request.Context(), "devserver.login")
	defer span.End()

	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "username and password are required"})
		return
	}

	span.SetAttributes(attribute.String("user.username", req.Username))

	hash, ok := s.cfg.Users[req.Username]
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Password)); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return
	}

	token, err := s.jwtMgr.GenerateToken(ctx, req.Username, req.Username, 24*time.Hour)
	if err != nil {
		span.RecordError(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to generate token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"token":    token,
		"username": req.Username,
	})
}

// HashPassword produces a bcrypt hash for static user configuration.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func joinAudiences() string {
	out := ""
	for i, a := range backend.AudienceProfiles {
		if i > 0 {
			out += ", "
		}
		out += a
	}
	return out
}

// requestLoggingMiddleware emits one structured JSON log line per request.
func requestLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		latency := time.Since(start)

		entry := map[string]interface{}{
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"latency_ms": latency.Milliseconds(),
			"client_ip":  c.ClientIP(),
		}
		if userID, ok := c.Get("user_id"); ok {
			entry["user_id"] = userID
		}
		if len(c.Errors) > 0 {
			entry["errors"] = c.Errors.String()
		}

		logJSON, _ := json.Marshal(entry)
		log.Println(string(logJSON))
	}
}
