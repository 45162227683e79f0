package httpapi

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"groundedqa/internal/domain"
	"groundedqa/internal/service"
	"groundedqa/internal/synth"
)

type Handler struct {
	svc        Service
	askTimeout time.Duration
	log        zerolog.Logger
}

type askRequest struct {
	Question  string   `json:"question" binding:"required"`
	SessionID string   `json:"session_id"`
	TopK      int      `json:"top_k"`
	Threshold *float64 `json:"similarity_threshold"`
}

type askResponse struct {
	*domain.Answer
	Sources string `json:"sources,omitempty"`
}

// POST /v1/ask
// { question, session_id?, top_k?, similarity_threshold? }
// A missing session_id starts a new session whose id is returned.
func (h *Handler) Ask(c *gin.Context) {
	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_argument", "question is required")
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		RespondError(c, http.StatusBadRequest, "invalid_argument", "question is required")
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	ctx := c.Request.Context()
	if h.askTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.askTimeout)
		defer cancel()
	}
	var opts []service.AskOption
	if req.TopK > 0 {
		opts = append(opts, service.WithTopK(req.TopK))
	}
	if req.Threshold != nil {
		opts = append(opts, service.WithThreshold(*req.Threshold))
	}
	answer, err := h.svc.Ask(ctx, req.Question, req.SessionID, opts...)
	if err != nil {
		h.log.Warn().Err(err).Str("session", req.SessionID).Msg("ask failed")
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, askResponse{Answer: answer, Sources: synth.FormatSources(answer)})
}

// GET /v1/sessions/:id/history?n=10
func (h *Handler) History(c *gin.Context) {
	n := 10
	if raw := c.Query("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			RespondError(c, http.StatusBadRequest, "invalid_argument", "n must be a non-negative integer")
			return
		}
		n = v
	}
	turns := h.svc.History(c.Request.Context(), c.Param("id"), n)
	if turns == nil {
		turns = []domain.ConversationTurn{}
	}
	c.JSON(http.StatusOK, gin.H{"session_id": c.Param("id"), "turns": turns})
}

// DELETE /v1/sessions/:id
func (h *Handler) ResetSession(c *gin.Context) {
	if err := h.svc.ResetSession(c.Request.Context(), c.Param("id")); err != nil {
		respondServiceError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GET /v1/stats
func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.svc.Stats(c.Request.Context())
	if err != nil {
		respondServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}
