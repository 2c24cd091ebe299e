// Package httpapi exposes workflows, runs and failure jobs over HTTP.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/petrijr/stepflow/internal/engine"
	"github.com/petrijr/stepflow/internal/persistence"
	"github.com/petrijr/stepflow/pkg/api"
	"github.com/petrijr/stepflow/plugins/builtin"
)

// UserHeader carries the caller identity on /api/workflows.
const UserHeader = "X-User-ID"

const defaultMaxBodyBytes = 1 << 20

// Runner starts a run. *engine.Engine implements it.
type Runner interface {
	RunWorkflow(ctx context.Context, wf api.Workflow, userID string, initialData map[string]any) (api.RunOutcome, error)
}

// Resumer resumes a failure job. *engine.Resumer implements it.
type Resumer interface {
	Resume(ctx context.Context, jobID, owner string) (api.RunOutcome, error)
}

// Reloader is notified when stored schedules may have changed.
// *scheduler.Scheduler implements it.
type Reloader interface {
	Reload(ctx context.Context) (int, error)
}

type Options struct {
	CORSOrigins []string

	// HookRateLimit is in requests per second across all webhooks.
	// 0 disables limiting.
	HookRateLimit float64
	HookBurst     int

	MaxBodyBytes int64

	// RetryOwner is the lease owner used for operator retries.
	RetryOwner string

	Logger *slog.Logger
	Clock  func() time.Time
}

type Server struct {
	store    persistence.Persistence
	registry *engine.Registry
	runner   Runner
	resumer  Resumer
	reloader Reloader

	opts    Options
	limiter *rate.Limiter
	logger  *slog.Logger
	clock   func() time.Time
	newID   func() string
}

// New creates a Server. reloader may be nil.
func New(store persistence.Persistence, registry *engine.Registry, runner Runner, resumer Resumer, reloader Reloader, opts Options) *Server {
	s := &Server{
		store:    store,
		registry: registry,
		runner:   runner,
		resumer:  resumer,
		reloader: reloader,
		opts:     opts,
		logger:   opts.Logger,
		clock:    opts.Clock,
		newID:    uuid.NewString,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.clock == nil {
		s.clock = time.Now
	}
	if s.opts.MaxBodyBytes <= 0 {
		s.opts.MaxBodyBytes = defaultMaxBodyBytes
	}
	if s.opts.RetryOwner == "" {
		s.opts.RetryOwner = "http-" + uuid.NewString()[:8]
	}
	if opts.HookRateLimit > 0 {
		burst := opts.HookBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.HookRateLimit), burst)
	}
	return s
}

// Handler builds the gin router.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger(), s.bodyLimit())

	corsConfig := cors.DefaultConfig()
	if len(s.opts.CORSOrigins) == 0 || slices.Contains(s.opts.CORSOrigins, "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = s.opts.CORSOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Length", "Content-Type", UserHeader}
	r.Use(cors.New(corsConfig))

	r.GET("/healthz", s.health)

	wf := r.Group("/api/workflows", s.requireUser())
	{
		wf.GET("", s.listWorkflows)
		wf.POST("", s.createWorkflow)
		wf.GET("/:id", s.getWorkflow)
		wf.PUT("/:id", s.updateWorkflow)
		wf.DELETE("/:id", s.deleteWorkflow)
		wf.POST("/:id/execute", s.executeWorkflow)
		wf.GET("/:id/logs", s.listRuns)
		wf.GET("/:id/jobs", s.listJobs)
		wf.POST("/jobs/:jobId/retry", s.retryJob)
	}

	r.POST("/api/hooks/:workflowId", s.rateLimit(), s.triggerHook)
	return r
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func userID(c *gin.Context) string {
	return c.GetString("userID")
}

// loadOwned fetches a workflow of the calling user. It writes the error
// response and returns false when the workflow is missing or foreign.
func (s *Server) loadOwned(c *gin.Context, id string) (api.Workflow, bool) {
	wf, err := s.store.Workflows.GetWorkflow(c.Request.Context(), id)
	if errors.Is(err, persistence.ErrWorkflowNotFound) || (err == nil && wf.Owner != userID(c)) {
		c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found"})
		return api.Workflow{}, false
	}
	if err != nil {
		s.internalError(c, err)
		return api.Workflow{}, false
	}
	return wf, true
}

func (s *Server) listWorkflows(c *gin.Context) {
	wfs, err := s.store.Workflows.ListWorkflows(c.Request.Context(), userID(c))
	if err != nil {
		s.internalError(c, err)
		return
	}
	out := make([]workflowBody, 0, len(wfs))
	for _, wf := range wfs {
		out = append(out, workflowToBody(wf))
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) createWorkflow(c *gin.Context) {
	var body workflowBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	wf := body.toWorkflow()
	wf.ID = s.newID()
	wf.Owner = userID(c)
	now := s.clock().UTC()
	wf.CreatedAt, wf.UpdatedAt = now, now

	if !s.save(c, wf) {
		return
	}
	c.JSON(http.StatusCreated, workflowToBody(wf))
}

func (s *Server) getWorkflow(c *gin.Context) {
	wf, ok := s.loadOwned(c, c.Param("id"))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, workflowToBody(wf))
}

func (s *Server) updateWorkflow(c *gin.Context) {
	existing, ok := s.loadOwned(c, c.Param("id"))
	if !ok {
		return
	}

	var body workflowBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	wf := body.toWorkflow()
	wf.ID = existing.ID
	wf.Owner = existing.Owner
	wf.CreatedAt = existing.CreatedAt
	wf.UpdatedAt = s.clock().UTC()

	if !s.save(c, wf) {
		return
	}
	c.JSON(http.StatusOK, workflowToBody(wf))
}

func (s *Server) save(c *gin.Context, wf api.Workflow) bool {
	if err := engine.ValidateWorkflow(wf, s.registry); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	if err := s.store.Workflows.SaveWorkflow(c.Request.Context(), wf); err != nil {
		s.internalError(c, err)
		return false
	}
	s.reload(c.Request.Context())
	return true
}

func (s *Server) deleteWorkflow(c *gin.Context) {
	wf, ok := s.loadOwned(c, c.Param("id"))
	if !ok {
		return
	}
	err := s.store.Workflows.DeleteWorkflow(c.Request.Context(), wf.ID)
	if err != nil && !errors.Is(err, persistence.ErrWorkflowNotFound) {
		s.internalError(c, err)
		return
	}
	s.reload(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) reload(ctx context.Context) {
	if s.reloader == nil {
		return
	}
	if _, err := s.reloader.Reload(ctx); err != nil {
		s.logger.WarnContext(ctx, "schedule reload failed", slog.Any("error", err))
	}
}

func (s *Server) executeWorkflow(c *gin.Context) {
	wf, ok := s.loadOwned(c, c.Param("id"))
	if !ok {
		return
	}

	var body executeBody
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	s.run(c, wf, userID(c), body.Data)
}

func (s *Server) run(c *gin.Context, wf api.Workflow, user string, data map[string]any) {
	if data == nil {
		data = map[string]any{}
	}
	// A run outlives the request: a client that hangs up does not cut its
	// retries short or change its log trail.
	out, err := s.runner.RunWorkflow(context.WithoutCancel(c.Request.Context()), wf, user, data)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) listRuns(c *gin.Context) {
	wf, ok := s.loadOwned(c, c.Param("id"))
	if !ok {
		return
	}
	runs, err := s.store.Runs.ListRuns(c.Request.Context(), persistence.RunFilter{
		WorkflowID: wf.ID,
		Status:     api.RunStatus(c.Query("status")),
	})
	if err != nil {
		s.internalError(c, err)
		return
	}
	if runs == nil {
		runs = []*api.RunRecord{}
	}
	c.JSON(http.StatusOK, runs)
}

func (s *Server) listJobs(c *gin.Context) {
	wf, ok := s.loadOwned(c, c.Param("id"))
	if !ok {
		return
	}
	jobs, err := s.store.Jobs.ListJobs(c.Request.Context(), persistence.JobFilter{
		WorkflowID: wf.ID,
		Status:     api.JobStatus(c.Query("status")),
	})
	if err != nil {
		s.internalError(c, err)
		return
	}
	if jobs == nil {
		jobs = []*api.FailureJob{}
	}
	c.JSON(http.StatusOK, jobs)
}

func (s *Server) retryJob(c *gin.Context) {
	ctx := c.Request.Context()
	jobID := c.Param("jobId")

	job, err := s.store.Jobs.GetJob(ctx, jobID)
	if errors.Is(err, persistence.ErrJobNotFound) || (err == nil && job.UserID != userID(c)) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if err != nil {
		s.internalError(c, err)
		return
	}

	out, err := s.resumer.Resume(context.WithoutCancel(ctx), job.ID, s.opts.RetryOwner)
	switch {
	case errors.Is(err, api.ErrJobClaimed), errors.Is(err, api.ErrJobCompleted):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	case errors.Is(err, persistence.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	case errors.Is(err, persistence.ErrWorkflowNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found for job"})
		return
	case err != nil:
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, retryResponse{Retried: true, Result: out})
}

// triggerHook runs a workflow whose entry step is an http.webhook trigger,
// with the request body as initial data.
func (s *Server) triggerHook(c *gin.Context) {
	wf, err := s.store.Workflows.GetWorkflow(c.Request.Context(), c.Param("workflowId"))
	if errors.Is(err, persistence.ErrWorkflowNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found"})
		return
	}
	if err != nil {
		s.internalError(c, err)
		return
	}

	entry, ok := wf.EntryStep()
	if !ok || entry.Kind != api.StepKindTrigger || entry.Ref != builtin.RefWebhook {
		c.JSON(http.StatusBadRequest, gin.H{"error": "workflow entry is not an http webhook trigger"})
		return
	}

	var data map[string]any
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&data); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	s.run(c, wf, wf.Owner, data)
}

func (s *Server) internalError(c *gin.Context, err error) {
	_ = c.Error(err)
	s.logger.ErrorContext(c.Request.Context(), "request failed",
		slog.String("path", c.FullPath()),
		slog.Any("error", err),
	)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}
