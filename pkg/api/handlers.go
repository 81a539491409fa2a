package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/hearthd/hearthd/pkg/bus"
	"github.com/hearthd/hearthd/pkg/types"
)

func (s *Server) getStatus(c *gin.Context) {
	quick, err := s.sup.Quick()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"running":    quick.Running,
		"agents":     quick.Agents,
		"started_at": quick.StartedAt,
		"incidents":  quick.Incidents,
		"status":     quick,
	})
}

func (s *Server) postStartup(c *gin.Context) {
	already, err := s.sup.Startup(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "already_running": already})
}

func (s *Server) postShutdown(c *gin.Context) {
	already, err := s.sup.Shutdown()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "already_stopped": already})
}

func (s *Server) getMonitor(c *gin.Context) {
	view, err := s.sup.Monitor()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) getLive(c *gin.Context) {
	full, err := s.sup.Full()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, full)
}

// Jobs

func (s *Server) listJobs(c *gin.Context) {
	jobs, err := s.sup.Store().ListJobs()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

type jobRequest struct {
	Name       string          `json:"name" binding:"required"`
	Agent      types.AgentKind `json:"agent" binding:"required"`
	TaskSpec   string          `json:"task_spec"`
	Frequency  types.Frequency `json:"frequency" binding:"required"`
	Hour       int             `json:"hour"`
	Minute     int             `json:"minute"`
	DayOfWeek  int             `json:"day_of_week"`
	DayOfMonth int             `json:"day_of_month"`
	Critical   bool            `json:"critical"`
	Enabled    *bool           `json:"enabled"`
}

func (r *jobRequest) validate() string {
	switch r.Frequency {
	case types.FreqOnce, types.FreqHourly, types.FreqDaily, types.FreqWeekly, types.FreqMonthly:
	default:
		return "unknown frequency"
	}
	if r.Hour < 0 || r.Hour > 23 || r.Minute < 0 || r.Minute > 59 {
		return "hour/minute out of range"
	}
	if r.Frequency == types.FreqWeekly && (r.DayOfWeek < 0 || r.DayOfWeek > 6) {
		return "day_of_week out of range"
	}
	if r.Frequency == types.FreqMonthly && (r.DayOfMonth < 1 || r.DayOfMonth > 28) {
		return "day_of_month must be 1..28"
	}
	return ""
}

func (s *Server) createJob(c *gin.Context) {
	var req jobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err.Error())
		return
	}
	if msg := req.validate(); msg != "" {
		respondValidation(c, msg)
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	job := &types.Job{
		Name:       req.Name,
		Agent:      req.Agent,
		TaskSpec:   req.TaskSpec,
		Frequency:  req.Frequency,
		Hour:       req.Hour,
		Minute:     req.Minute,
		DayOfWeek:  req.DayOfWeek,
		DayOfMonth: req.DayOfMonth,
		Critical:   req.Critical,
		Enabled:    enabled,
	}
	if err := s.sup.Scheduler().CreateJob(job); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, job)
}

func (s *Server) updateJob(c *gin.Context) {
	var req jobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err.Error())
		return
	}
	if msg := req.validate(); msg != "" {
		respondValidation(c, msg)
		return
	}

	job, err := s.sup.Store().GetJob(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	job.Name = req.Name
	job.Agent = req.Agent
	job.TaskSpec = req.TaskSpec
	job.Frequency = req.Frequency
	job.Hour = req.Hour
	job.Minute = req.Minute
	job.DayOfWeek = req.DayOfWeek
	job.DayOfMonth = req.DayOfMonth
	job.Critical = req.Critical
	if req.Enabled != nil {
		job.Enabled = *req.Enabled
	}
	job.NextRun = time.Time{}
	if err := s.sup.Store().UpdateJob(job); err != nil {
		respondError(c, err)
		return
	}
	// Recompute next_run under the new schedule.
	if err := s.sup.Scheduler().SetEnabled(job.ID, job.Enabled); err != nil {
		respondError(c, err)
		return
	}
	job, err = s.sup.Store().GetJob(job.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) deleteJob(c *gin.Context) {
	if err := s.sup.Store().DeleteJob(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	s.sup.Scheduler().Notify()
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) runJob(c *gin.Context) {
	if err := s.sup.Scheduler().RunNow(c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) setJobEnabled(enabled bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.sup.Scheduler().SetEnabled(c.Param("id"), enabled); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "enabled": enabled})
	}
}

// Approvals

func (s *Server) listPendingApprovals(c *gin.Context) {
	pending, err := s.sup.Store().ListApprovalsByStatus(types.ApprovalPending)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"approvals": pending})
}

func (s *Server) listApprovalHistory(c *gin.Context) {
	all, err := s.sup.Store().ListApprovals()
	if err != nil {
		respondError(c, err)
		return
	}
	history := make([]*types.Approval, 0, len(all))
	for _, approval := range all {
		if approval.Status != types.ApprovalPending {
			history = append(history, approval)
		}
	}
	c.JSON(http.StatusOK, gin.H{"approvals": history})
}

type resolveRequest struct {
	ResolvedBy string `json:"resolved_by"`
}

func (s *Server) resolveApproval(approve bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req resolveRequest
		_ = c.ShouldBindJSON(&req)
		if req.ResolvedBy == "" {
			req.ResolvedBy = "operator"
		}

		approval, err := s.sup.Gate().Resolve(c.Param("id"), approve, req.ResolvedBy)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, approval)
	}
}

// Events

func (s *Server) listEvents(c *gin.Context) {
	since := uint64(0)
	if raw := c.Query("since"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			respondValidation(c, "since must be a sequence number")
			return
		}
		since = parsed
	}
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 1000 {
			respondValidation(c, "limit must be 1..1000")
			return
		}
		limit = parsed
	}

	events, err := s.sup.Store().ListEventsSince(since, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// Policy

func (s *Server) getPolicy(c *gin.Context) {
	snapshot, err := s.sup.Store().GetPolicy()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

func (s *Server) putPolicy(c *gin.Context) {
	var snapshot types.PolicySnapshot
	if err := c.ShouldBindJSON(&snapshot); err != nil {
		respondValidation(c, err.Error())
		return
	}
	if snapshot.Version < 1 {
		respondValidation(c, "version is required")
		return
	}
	if snapshot.Thresholds.CostConfirmCap < snapshot.Thresholds.CostAutoCap {
		respondValidation(c, "confirm cap below auto cap")
		return
	}
	if err := s.sup.Gate().InstallPolicy(&snapshot); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// Delegation, audit, backup

type delegateRequest struct {
	Agent    types.AgentKind    `json:"agent" binding:"required"`
	Title    string             `json:"title" binding:"required"`
	Priority types.TaskPriority `json:"priority"`
}

func (s *Server) delegateTask(c *gin.Context) {
	var req delegateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err.Error())
		return
	}
	task, err := s.sup.Delegate(req.Agent, req.Title, req.Priority)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

type editRequest struct {
	Target  string `json:"target" binding:"required"`
	Content string `json:"content" binding:"required"`
}

// requestEdit hands a content edit to the janitor. Staging, gating and
// apply happen asynchronously; the correlation id threads the resulting
// edit.applied/edit.failed events and any approval.
func (s *Server) requestEdit(c *gin.Context) {
	var req editRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err.Error())
		return
	}

	cid := uuid.New().String()
	event := &types.Event{
		Type:          bus.TopicEditRequested,
		Severity:      types.SeverityInfo,
		Priority:      types.PriorityNormal,
		Source:        "api",
		CorrelationID: cid,
		Payload: map[string]any{
			"agent":   string(types.AgentJanitor),
			"target":  req.Target,
			"content": req.Content,
		},
	}
	if err := s.sup.Bus().Publish(event); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": true, "correlation_id": cid})
}

// requestBackup asks the backup agent for an on-demand store export, as
// opposed to /backup/export which streams the snapshot to the caller.
func (s *Server) requestBackup(c *gin.Context) {
	cid := uuid.New().String()
	event := &types.Event{
		Type:          bus.TopicBackupRequested,
		Severity:      types.SeverityInfo,
		Priority:      types.PriorityNormal,
		Source:        "api",
		CorrelationID: cid,
		Payload:       map[string]any{"agent": string(types.AgentBackup)},
	}
	if err := s.sup.Bus().Publish(event); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": true, "correlation_id": cid})
}

func (s *Server) getAuditTrace(c *gin.Context) {
	trace, err := s.sup.AuditTrace(c.Param("cid"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, trace)
}

func (s *Server) getCostToday(c *gin.Context) {
	totals, err := s.sup.Recorder().TotalsToday()
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, totals)
}

func (s *Server) exportBackup(c *gin.Context) {
	c.Header("Content-Type", "application/x-ndjson")
	c.Header("Content-Disposition", "attachment; filename=hearthd-export.ndjson")
	if err := s.sup.Store().Export(c.Writer); err != nil {
		respondError(c, err)
	}
}
