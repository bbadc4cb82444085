package handler

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/edirooss/tinysched/internal/kernel"
	"github.com/edirooss/tinysched/internal/service"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ProcsHandler exposes the process table.
type ProcsHandler struct {
	log   *zap.Logger
	k     *kernel.Kernel
	stats *service.StatsService
}

// NewProcsHandler constructs a ProcsHandler instance.
func NewProcsHandler(log *zap.Logger, k *kernel.Kernel, stats *service.StatsService) *ProcsHandler {
	return &ProcsHandler{
		log:   log.Named("procs"),
		k:     k,
		stats: stats,
	}
}

// ListProcs handles GET /procs.
func (h *ProcsHandler) ListProcs(c *gin.Context) {
	procs := h.k.Procs.List()
	c.Header("X-Total-Count", strconv.Itoa(len(procs))) // RA needs this
	c.JSON(http.StatusOK, procs)
}

// SpawnProc handles POST /procs. The body is a thread create request
// without a parent.
func (h *ProcsHandler) SpawnProc(c *gin.Context) {
	var req createThreadRequest
	if err := bind(c.Request, &req); err != nil {
		badRequest(c, err)
		return
	}

	p, err := h.k.Procs.Spawn(req.attr())
	if err != nil {
		fail(c, err)
		return
	}
	h.stats.Invalidate()
	h.k.Kick()
	c.Header("Location", fmt.Sprintf("/api/procs/%d", p.PID))
	c.JSON(http.StatusCreated, p)
}

// GetProc handles GET /procs/{pid}.
func (h *ProcsHandler) GetProc(c *gin.Context) {
	pid, err := strconv.ParseInt(c.Param("pid"), 10, 64)
	if err != nil {
		badRequest(c, err)
		return
	}

	p, err := h.k.Procs.Get(pid)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// KillProc handles DELETE /procs/{pid}.
func (h *ProcsHandler) KillProc(c *gin.Context) {
	pid, err := strconv.ParseInt(c.Param("pid"), 10, 64)
	if err != nil {
		badRequest(c, err)
		return
	}

	if err := h.k.Procs.Kill(pid); err != nil {
		fail(c, err)
		return
	}
	h.stats.Invalidate()
	h.k.Kick()
	c.Status(http.StatusNoContent)
}
