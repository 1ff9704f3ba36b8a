// Package api is the HTTP surface: agent and research submission, task
// reads, conversation reads, and the webhook ingress.
package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/crewhq/crewd/pkg/auth"
	"github.com/crewhq/crewd/pkg/config"
	"github.com/crewhq/crewd/pkg/fault"
	"github.com/crewhq/crewd/pkg/llm"
	"github.com/crewhq/crewd/pkg/models"
	"github.com/crewhq/crewd/pkg/orchestrator"
	"github.com/crewhq/crewd/pkg/queue"
	"github.com/crewhq/crewd/pkg/store"
	"github.com/crewhq/crewd/pkg/worker"
)

// HealthSource reports worker-pool health; the pool implements it.
type HealthSource interface {
	Health() *worker.PoolHealth
}

// Server holds the handler dependencies.
type Server struct {
	orch    *orchestrator.Orchestrator
	signer  *auth.Signer
	queue   queue.Queue
	store   store.Store
	usage   *llm.UsageMeter
	health  HealthSource
	cfg     config.ServerConfig
	authCfg config.AuthConfig
	logger  *slog.Logger
}

func NewServer(orch *orchestrator.Orchestrator, signer *auth.Signer, q queue.Queue, st store.Store, usage *llm.UsageMeter, health HealthSource, cfg config.ServerConfig, authCfg config.AuthConfig, logger *slog.Logger) *Server {
	return &Server{
		orch:    orch,
		signer:  signer,
		queue:   q,
		store:   st,
		usage:   usage,
		health:  health,
		cfg:     cfg,
		authCfg: authCfg,
		logger:  logger.With("component", "api"),
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	r.POST("/agents/:agent_id", s.submitAgent)
	r.POST("/research", s.research)
	r.POST("/multi-agent", s.submitMulti)

	r.GET("/tasks", s.listTasks)
	r.GET("/tasks/:id", s.getTask)
	r.DELETE("/tasks/:id", s.cancelTask)
	r.GET("/conversations/:id/messages", s.listMessages)

	r.POST("/webhook/:endpoint", s.webhook)
	r.GET("/healthz", s.healthz)

	internal := r.Group("/internal", s.requireBearer())
	internal.GET("/usage", s.modelUsage)
	internal.GET("/queue", s.queueStats)
	return r
}

// requestLog is a minimal structured access log.
func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.InfoContext(c.Request.Context(), "request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}

// requireBearer guards internal endpoints with the service bearer token.
func (s *Server) requireBearer() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if _, err := s.signer.VerifyInternalBearer(token, s.authCfg.BearerAudience); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid bearer token"})
			return
		}
		c.Next()
	}
}

type submitBody struct {
	RequesterID string `json:"requester_id"`
	Prompt      string `json:"prompt"`
	Context     *struct {
		ConversationID string `json:"conversation_id"`
	} `json:"context"`
	IdempotencyKey string `json:"idempotency_key"`
}

func (b *submitBody) conversationID() string {
	if b.Context == nil {
		return ""
	}
	return b.Context.ConversationID
}

// taskResponse is the completed-task payload.
func taskResponse(task *models.Task) gin.H {
	return gin.H{
		"task_id":     task.ID,
		"output":      task.Output,
		"used_model":  task.UsedModel,
		"delegations": task.Delegations,
	}
}

func (s *Server) submitAgent(c *gin.Context) {
	var body submitBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, fault.Wrap(fault.BadRequest, err, "invalid request body"))
		return
	}
	s.submit(c, orchestrator.SubmitRequest{
		RequesterID:    body.RequesterID,
		AgentID:        c.Param("agent_id"),
		Prompt:         body.Prompt,
		ConversationID: body.conversationID(),
		IdempotencyKey: body.IdempotencyKey,
	}, false)
}

func (s *Server) submitMulti(c *gin.Context) {
	var body submitBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, fault.Wrap(fault.BadRequest, err, "invalid request body"))
		return
	}
	s.submit(c, orchestrator.SubmitRequest{
		RequesterID:    body.RequesterID,
		Prompt:         body.Prompt,
		ConversationID: body.conversationID(),
		IdempotencyKey: body.IdempotencyKey,
	}, true)
}

func (s *Server) submit(c *gin.Context, req orchestrator.SubmitRequest, multi bool) {
	var (
		task *models.Task
		done bool
		err  error
	)
	if multi {
		task, done, err = s.orch.SubmitMulti(c.Request.Context(), req)
	} else {
		task, done, err = s.orch.Submit(c.Request.Context(), req)
	}
	if err != nil {
		fail(c, err)
		return
	}
	if !done {
		c.JSON(http.StatusAccepted, gin.H{"task_id": task.ID})
		return
	}
	if task.State != models.TaskCompleted {
		fail(c, taskError(task))
		return
	}
	c.JSON(http.StatusOK, taskResponse(task))
}

// taskError rebuilds the fault recorded on a terminal, non-completed task.
func taskError(task *models.Task) error {
	kind := fault.Kind(task.ErrorKind)
	if kind == "" {
		kind = fault.Internal
	}
	msg := task.ErrorMessage
	if msg == "" {
		msg = "task " + task.ID + " " + string(task.State)
	}
	return fault.New(kind, "%s", msg)
}

type researchBody struct {
	RequesterID    string `json:"requester_id"`
	Query          string `json:"query"`
	MaxResults     int    `json:"max_results"`
	PreferredAgent string `json:"preferred_agent"`
}

func (s *Server) research(c *gin.Context) {
	var body researchBody
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, fault.Wrap(fault.BadRequest, err, "invalid request body"))
		return
	}
	report, _, err := s.orch.Research(c.Request.Context(), orchestrator.ResearchRequest{
		RequesterID:    body.RequesterID,
		Query:          body.Query,
		MaxResults:     body.MaxResults,
		PreferredAgent: body.PreferredAgent,
	})
	if err != nil {
		fail(c, err)
		return
	}
	sources := make([]gin.H, len(report.Sources))
	for i, src := range report.Sources {
		sources[i] = gin.H{"index": src.N, "url": src.URL, "title": src.Title}
	}
	c.JSON(http.StatusOK, gin.H{
		"answer":            report.Answer,
		"sources":           sources,
		"pages_synthesised": len(report.Sources),
	})
}

func (s *Server) getTask(c *gin.Context) {
	task, err := s.orch.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) listTasks(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	tasks, err := s.orch.List(c.Request.Context(), c.Query("requester_id"), limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (s *Server) cancelTask(c *gin.Context) {
	task, err := s.orch.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"task_id": task.ID, "state": task.State})
}

func (s *Server) listMessages(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	msgs, err := s.orch.Messages(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (s *Server) healthz(c *gin.Context) {
	h := s.health.Health()
	status := http.StatusOK
	if !h.IsHealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, h)
}

func (s *Server) modelUsage(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"models": s.usage.Snapshot()})
}

func (s *Server) queueStats(c *gin.Context) {
	depth, err := s.queue.Depth(c.Request.Context())
	if err != nil {
		fail(c, fault.Wrap(fault.Internal, err, "queue depth"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"depth": depth})
}

func intQuery(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
