package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/opsmend/opsmend/internal/bugs"
	"github.com/opsmend/opsmend/internal/engine"
	apperr "github.com/opsmend/opsmend/internal/errors"
	"github.com/opsmend/opsmend/internal/signal"
)

// Handler holds the engine the HTTP surface delegates to.
type Handler struct {
	engine *engine.Engine
}

// NewHandler wires the handler.
func NewHandler(e *engine.Engine) *Handler {
	return &Handler{engine: e}
}

type analyzeLogsRequest struct {
	ServiceName string            `json:"service_name"`
	Logs        []signal.LogEntry `json:"logs"`
}

func (h *Handler) analyzeLogs(c *gin.Context) {
	var req analyzeLogsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperr.Validation("invalid request payload"))
		return
	}

	res, err := h.engine.IngestLogs(c.Request.Context(), req.ServiceName, req.Logs)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) ingestAlert(c *gin.Context) {
	var a signal.Alert
	if err := c.ShouldBindJSON(&a); err != nil {
		writeError(c, apperr.Validation("invalid request payload"))
		return
	}

	res, err := h.engine.IngestAlert(c.Request.Context(), a)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type listBugsResponse struct {
	Bugs   []bugs.Bug `json:"bugs"`
	Total  int        `json:"total"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}

func (h *Handler) listBugs(c *gin.Context) {
	f := bugs.Filter{
		Status:   bugs.Status(c.Query("status")),
		Service:  c.Query("service"),
		Category: bugs.Category(c.Query("category")),
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(c, apperr.Validationf("invalid limit %q", v))
			return
		}
		f.Limit = n
	}
	if v := c.Query("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(c, apperr.Validationf("invalid offset %q", v))
			return
		}
		f.Offset = n
	}

	list, total, err := h.engine.ListBugs(c.Request.Context(), f)
	if err != nil {
		writeError(c, err)
		return
	}
	if list == nil {
		list = []bugs.Bug{}
	}
	c.JSON(http.StatusOK, listBugsResponse{Bugs: list, Total: total, Limit: f.Limit, Offset: f.Offset})
}

func (h *Handler) getBug(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeError(c, apperr.Validationf("invalid bug id %q", c.Param("id")))
		return
	}

	b, err := h.engine.GetBug(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

type triggerHealRequest struct {
	Force bool `json:"force"`
}

func (h *Handler) triggerHeal(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		writeError(c, apperr.Validationf("invalid bug id %q", c.Param("id")))
		return
	}

	var req triggerHealRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, apperr.Validation("invalid request payload"))
			return
		}
	}

	b, err := h.engine.TriggerHeal(c.Request.Context(), id, req.Force)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *Handler) healthAll(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"services": h.engine.HealthAll()})
}

func (h *Handler) healthService(c *gin.Context) {
	service := c.Param("service")
	score, ok := h.engine.Health(service)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no signals seen for service " + service})
		return
	}
	c.JSON(http.StatusOK, score)
}

func (h *Handler) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
