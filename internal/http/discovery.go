package http

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"resonance/internal/domain"
)

type discoveryRequest struct {
	MBID        string   `json:"mbid" binding:"required"`
	Artist      string   `json:"artist" binding:"required"`
	Album       string   `json:"album"`
	Title       string   `json:"title"`
	Type        string   `json:"type"`
	Year        int      `json:"year"`
	Score       *float64 `json:"score"`
	Source      string   `json:"source"`
	SimilarTo   []string `json:"similar_to"`
	SourceTrack string   `json:"source_track"`
	CoverURL    string   `json:"cover_url"`
}

type decisionRequest struct {
	MBIDs []string `json:"mbids"`
	All   bool     `json:"all"`
}

type DiscoveryResponse struct {
	MBID        string                 `json:"mbid"`
	Artist      string                 `json:"artist"`
	Album       string                 `json:"album,omitempty"`
	Title       string                 `json:"title,omitempty"`
	Type        domain.TaskType        `json:"type"`
	Year        int                    `json:"year,omitempty"`
	Score       *float64               `json:"score,omitempty"`
	Source      string                 `json:"source,omitempty"`
	SimilarTo   []string               `json:"similar_to,omitempty"`
	SourceTrack string                 `json:"source_track,omitempty"`
	CoverURL    string                 `json:"cover_url,omitempty"`
	Status      domain.DiscoveryStatus `json:"status"`
	AddedAt     string                 `json:"added_at"`
	DecidedAt   *string                `json:"decided_at,omitempty"`
}

type PendingResponse struct {
	Items []DiscoveryResponse `json:"items"`
	Total int                 `json:"total"`
}

type ApproveResponse struct {
	Approved []DiscoveryResponse `json:"approved"`
	Created  int                 `json:"created"`
}

func (h *Handler) listPendingDiscoveries(c *gin.Context) {
	filter := domain.DiscoveryFilter{
		Source: c.DefaultQuery("source", "all"),
		Sort:   c.DefaultQuery("sort", "added_at"),
		Desc:   strings.EqualFold(c.DefaultQuery("order", "desc"), "desc"),
	}
	var err error
	if filter.Limit, err = queryInt(c, "limit", 50); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if filter.Offset, err = queryInt(c, "offset", 0); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	items, total, err := h.discoveries.ListPending(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, PendingResponse{Items: discoveriesToResponse(items), Total: total})
}

func (h *Handler) addDiscovery(c *gin.Context) {
	var req discoveryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	added, err := h.discoveries.AddDiscovery(c.Request.Context(), domain.Discovery{
		MBID:        req.MBID,
		Artist:      req.Artist,
		Album:       req.Album,
		Title:       req.Title,
		Type:        domain.TaskType(req.Type),
		Year:        req.Year,
		Score:       req.Score,
		Source:      req.Source,
		SimilarTo:   req.SimilarTo,
		SourceTrack: req.SourceTrack,
		CoverURL:    req.CoverURL,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	status := http.StatusOK
	if added {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"added": added})
}

func (h *Handler) approveDiscoveries(c *gin.Context) {
	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !req.All && len(req.MBIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mbids or all is required"})
		return
	}

	res, err := h.discoveries.Approve(c.Request.Context(), req.MBIDs, req.All)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ApproveResponse{Approved: discoveriesToResponse(res.Approved), Created: res.Sync.Created})
}

func (h *Handler) rejectDiscoveries(c *gin.Context) {
	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.MBIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mbids is required"})
		return
	}

	rejected, err := h.discoveries.Reject(c.Request.Context(), req.MBIDs)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rejected": discoveriesToResponse(rejected)})
}

func (h *Handler) discoveryStats(c *gin.Context) {
	stats, err := h.discoveries.Stats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s %q", key, raw)
	}
	return v, nil
}

func discoveriesToResponse(items []domain.Discovery) []DiscoveryResponse {
	resp := make([]DiscoveryResponse, len(items))
	for i, d := range items {
		resp[i] = DiscoveryResponse{
			MBID:        d.MBID,
			Artist:      d.Artist,
			Album:       d.Album,
			Title:       d.Title,
			Type:        d.Type,
			Year:        d.Year,
			Score:       d.Score,
			Source:      d.Source,
			SimilarTo:   d.SimilarTo,
			SourceTrack: d.SourceTrack,
			CoverURL:    d.CoverURL,
			Status:      d.Status,
			AddedAt:     d.AddedAt.Format(time.RFC3339),
			DecidedAt:   formatTime(d.DecidedAt),
		}
	}
	return resp
}
