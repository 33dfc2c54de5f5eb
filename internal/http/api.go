package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"resonance/internal/domain"
	"resonance/internal/downloader"
	"resonance/internal/events"
	"resonance/internal/scoring"
	"resonance/internal/service"
	"resonance/internal/wishlist"
)

const heartbeatInterval = 30 * time.Second

// Handler wires HTTP routes to domain services.
type Handler struct {
	tasks       service.TaskService
	discoveries service.DiscoveryService
	manager     downloader.Manager
	wishlist    *wishlist.File
	bus         *events.Bus
	gatherer    prometheus.Gatherer
	logger      *logrus.Logger
}

// NewHandler builds the API handler. discoveries, wishlist, bus and gatherer
// may be nil, which disables the routes that need them.
func NewHandler(tasks service.TaskService, discoveries service.DiscoveryService, manager downloader.Manager, list *wishlist.File, bus *events.Bus, gatherer prometheus.Gatherer, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Handler{
		tasks:       tasks,
		discoveries: discoveries,
		manager:     manager,
		wishlist:    list,
		bus:         bus,
		gatherer:    gatherer,
		logger:      logger,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())

	if h.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}

	api := router.Group("/api")
	{
		api.POST("/tasks", h.createTask)
		api.GET("/tasks", h.listTasks)
		api.GET("/tasks/:id", h.getTask)
		api.DELETE("/tasks/:id", h.deleteTask)
		api.POST("/tasks/:id/retry", h.retryTask)
		api.POST("/tasks/:id/skip", h.skipPeer)
		api.POST("/tasks/:id/select", h.selectCandidate)
		api.GET("/tasks/:id/candidates", h.listCandidates)
		api.POST("/wishlist", h.addWishlist)
		api.POST("/jobs/run", h.runJob)
		api.POST("/jobs/cancel", h.cancelJob)
		api.GET("/events", h.streamEvents)
		api.GET("/health", func(ctx *gin.Context) {
			ctx.JSON(http.StatusOK, gin.H{"ok": "ok"})
		})
	}

	if h.discoveries != nil {
		queue := api.Group("/queue")
		queue.GET("/pending", h.listPendingDiscoveries)
		queue.POST("/pending", h.addDiscovery)
		queue.POST("/approve", h.approveDiscoveries)
		queue.POST("/reject", h.rejectDiscoveries)
		queue.GET("/stats", h.discoveryStats)
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// writeError maps service errors onto HTTP status codes.
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrTaskNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrStatusConflict):
		status = http.StatusConflict
	case errors.Is(err, service.ErrNoSnapshot), errors.Is(err, service.ErrPeerNotFound):
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

type createTaskRequest struct {
	Artist string `json:"artist" binding:"required"`
	Title  string `json:"title" binding:"required"`
	Type   string `json:"type"`
	Year   int    `json:"year"`
	MBID   string `json:"mbid"`
}

func (h *Handler) createTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	task, created, err := h.tasks.CreateTask(c.Request.Context(), service.NewTask{
		Artist: req.Artist,
		Title:  req.Title,
		Type:   domain.TaskType(req.Type),
		Year:   req.Year,
		MBID:   req.MBID,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, taskToResponse(*task))
}

func (h *Handler) listTasks(c *gin.Context) {
	var statuses []domain.TaskStatus
	if raw := c.Query("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			status := domain.TaskStatus(strings.TrimSpace(s))
			if !status.Valid() {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status " + string(status)})
				return
			}
			statuses = append(statuses, status)
		}
	}

	tasks, err := h.tasks.ListTasks(c.Request.Context(), statuses...)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := make([]TaskResponse, len(tasks))
	for i := range tasks {
		resp[i] = taskToResponse(tasks[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getTask(c *gin.Context) {
	task, err := h.tasks.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, taskToResponse(*task))
}

func (h *Handler) deleteTask(c *gin.Context) {
	id := c.Param("id")
	if err := h.tasks.DeleteTask(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": id})
}

func (h *Handler) retryTask(c *gin.Context) {
	task, err := h.tasks.RetryTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, taskToResponse(*task))
}

type skipPeerRequest struct {
	Username string `json:"username" binding:"required"`
}

func (h *Handler) skipPeer(c *gin.Context) {
	var req skipPeerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	task, err := h.tasks.SkipPeer(c.Request.Context(), c.Param("id"), req.Username)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, taskToResponse(*task))
}

type selectRequest struct {
	Username  string `json:"username"`
	Directory string `json:"directory"`
}

func (h *Handler) selectCandidate(c *gin.Context) {
	var req selectRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	task, err := h.tasks.SelectCandidate(c.Request.Context(), c.Param("id"), req.Username, req.Directory)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, taskToResponse(*task))
}

func (h *Handler) listCandidates(c *gin.Context) {
	ranked, err := h.tasks.ListCandidates(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	resp := make([]CandidateResponse, len(ranked))
	for i := range ranked {
		resp[i] = candidateToResponse(ranked[i])
	}
	c.JSON(http.StatusOK, resp)
}

type wishlistRequest struct {
	Artist string `json:"artist" binding:"required"`
	Title  string `json:"title" binding:"required"`
	Album  bool   `json:"album"`
}

// addWishlist appends an entry to the wishlist file and creates its task.
func (h *Handler) addWishlist(c *gin.Context) {
	if h.wishlist == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "wishlist not configured"})
		return
	}
	var req wishlistRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	entry := wishlist.Entry{
		Artist: strings.TrimSpace(req.Artist),
		Title:  strings.TrimSpace(req.Title),
		Album:  req.Album,
	}
	if entry.Artist == "" || entry.Title == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "artist and title are required"})
		return
	}

	res, err := h.tasks.SyncWishlist(c.Request.Context(), []wishlist.Entry{entry})
	if err != nil {
		writeError(c, err)
		return
	}
	if res.Created > 0 {
		if err := h.wishlist.Append(entry); err != nil {
			h.logger.Warnf("append wishlist entry %s: %v", entry, err)
		}
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) runJob(c *gin.Context) {
	if err := h.manager.Trigger(); err != nil {
		if errors.Is(err, downloader.ErrRunInProgress) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"started": true})
}

func (h *Handler) cancelJob(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cancelled": h.manager.Cancel()})
}

// streamEvents sends task events as server-sent events until the client
// disconnects.
func (h *Handler) streamEvents(c *gin.Context) {
	if h.bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event stream not configured"})
		return
	}
	ch, unsubscribe := h.bus.Subscribe()
	defer unsubscribe()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.SSEvent("ready", gin.H{"ok": true})
	c.Writer.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-heartbeat.C:
			c.SSEvent("ping", gin.H{"time": time.Now().UTC().Format(time.RFC3339)})
		case ev, ok := <-ch:
			if !ok {
				return
			}
			c.SSEvent(string(ev.Type), ev)
		}
		c.Writer.Flush()
	}
}

type TaskResponse struct {
	ID                 string             `json:"id"`
	Artist             string             `json:"artist"`
	Title              string             `json:"title"`
	Type               domain.TaskType    `json:"type"`
	Year               int                `json:"year,omitempty"`
	MBID               string             `json:"mbid,omitempty"`
	ExpectedTrackCount *int               `json:"expected_track_count,omitempty"`
	Status             domain.TaskStatus  `json:"status"`
	SearchQuery        string             `json:"search_query,omitempty"`
	SkippedUsernames   []string           `json:"skipped_usernames,omitempty"`
	Username           string             `json:"username,omitempty"`
	Directory          string             `json:"directory,omitempty"`
	FileCount          int                `json:"file_count"`
	Quality            domain.QualityInfo `json:"quality"`
	RetryCount         int                `json:"retry_count"`
	ErrorMessage       string             `json:"error_message,omitempty"`
	QueuedAt           string             `json:"queued_at"`
	UpdatedAt          string             `json:"updated_at"`
	SelectionExpiresAt *string            `json:"selection_expires_at,omitempty"`
	StartedAt          *string            `json:"started_at,omitempty"`
	CompletedAt        *string            `json:"completed_at,omitempty"`
	Files              []TaskFileResponse `json:"files"`
}

type TaskFileResponse struct {
	ID         int64  `json:"id"`
	Filename   string `json:"filename"`
	Size       int64  `json:"size"`
	TransferID string `json:"transfer_id,omitempty"`
	Format     string `json:"format,omitempty"`
	BitRate    int    `json:"bit_rate,omitempty"`
	Tier       string `json:"tier,omitempty"`
}

type CandidateResponse struct {
	Username          string              `json:"username"`
	Score             float64             `json:"score"`
	ScorePercent      int                 `json:"score_percent"`
	Exactness         int                 `json:"exactness"`
	MusicFileCount    int                 `json:"music_file_count"`
	TotalSize         int64               `json:"total_size"`
	HasFreeUploadSlot bool                `json:"has_free_upload_slot"`
	UploadSpeed       int64               `json:"upload_speed"`
	Quality           domain.QualityInfo  `json:"quality"`
	Components        scoring.Components  `json:"components"`
	Directories       []DirectoryResponse `json:"directories"`
}

type DirectoryResponse struct {
	Path      string `json:"path"`
	FileCount int    `json:"file_count"`
	TotalSize int64  `json:"total_size"`
}

func formatTime(t *time.Time) *string {
	if t == nil || t.IsZero() {
		return nil
	}
	v := t.Format(time.RFC3339)
	return &v
}

func taskToResponse(task domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:                 task.ID,
		Artist:             task.Artist,
		Title:              task.Title,
		Type:               task.Type,
		Year:               task.Year,
		MBID:               task.MBID,
		ExpectedTrackCount: task.ExpectedTrackCount,
		Status:             task.Status,
		SearchQuery:        task.SearchQuery,
		SkippedUsernames:   task.SkippedUsernames,
		Username:           task.Username,
		Directory:          task.Directory,
		FileCount:          task.FileCount,
		Quality:            task.Quality,
		RetryCount:         task.RetryCount,
		ErrorMessage:       task.ErrorMessage,
		QueuedAt:           task.QueuedAt.Format(time.RFC3339),
		UpdatedAt:          task.UpdatedAt.Format(time.RFC3339),
		SelectionExpiresAt: formatTime(task.SelectionExpiresAt),
		StartedAt:          formatTime(task.StartedAt),
		CompletedAt:        formatTime(task.CompletedAt),
		Files:              make([]TaskFileResponse, len(task.Files)),
	}
	for i, f := range task.Files {
		resp.Files[i] = TaskFileResponse{
			ID:         f.ID,
			Filename:   f.Filename,
			Size:       f.Size,
			TransferID: f.TransferID,
			Format:     f.Quality.Format,
			BitRate:    f.Quality.BitRate,
			Tier:       string(f.Quality.Tier),
		}
	}
	return resp
}

func candidateToResponse(s scoring.ScoredResponse) CandidateResponse {
	resp := CandidateResponse{
		Username:          s.Response.Username,
		Score:             s.Score,
		ScorePercent:      s.ScorePercent,
		Exactness:         s.Exactness,
		MusicFileCount:    s.MusicFileCount,
		TotalSize:         s.TotalSize,
		HasFreeUploadSlot: s.Response.HasFreeUploadSlot,
		UploadSpeed:       s.Response.UploadSpeed,
		Quality:           s.Quality,
		Components:        s.Components,
		Directories:       make([]DirectoryResponse, len(s.Directories)),
	}
	for i, d := range s.Directories {
		resp.Directories[i] = DirectoryResponse{Path: d.Path, FileCount: d.FileCount, TotalSize: d.TotalSize}
	}
	return resp
}
