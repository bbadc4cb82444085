package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/edirooss/tinysched/internal/kernel"
	"github.com/edirooss/tinysched/internal/sched"
	"github.com/edirooss/tinysched/internal/service"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SchedHandler exposes scheduler-wide state.
type SchedHandler struct {
	log   *zap.Logger
	k     *kernel.Kernel
	stats *service.StatsService
}

// NewSchedHandler constructs a SchedHandler instance.
func NewSchedHandler(log *zap.Logger, k *kernel.Kernel, stats *service.StatsService) *SchedHandler {
	return &SchedHandler{
		log:   log.Named("sched"),
		k:     k,
		stats: stats,
	}
}

// LoadAvg is the load average in hundredths and as decimals.
type LoadAvg struct {
	Raw  [3]uint32  `json:"raw"`
	Load [3]float64 `json:"load"`
}

func loadAvgOf(raw [3]uint32) LoadAvg {
	la := LoadAvg{Raw: raw}
	for i, v := range raw {
		la.Load[i] = float64(v) / 100
	}
	return la
}

// GetLoadAvg handles GET /sched/loadavg.
func (h *SchedHandler) GetLoadAvg(c *gin.Context) {
	c.JSON(http.StatusOK, loadAvgOf(h.k.Sched.LoadAvg()))
}

// GetLoadAvgHistory handles GET /sched/loadavg/history?n=N.
func (h *SchedHandler) GetLoadAvgHistory(c *gin.Context) {
	n := 60
	if s := c.Query("n"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 {
			badRequest(c, errors.New("n must be a positive integer"))
			return
		}
		n = v
	}

	samples, err := h.stats.History(c.Request.Context(), n)
	if err != nil {
		fail(c, err)
		return
	}
	c.Header("X-Total-Count", strconv.Itoa(len(samples)))
	c.JSON(http.StatusOK, samples)
}

type statsResponse struct {
	sched.Stats
	Ticks       uint64 `json:"ticks"`
	HZ          int    `json:"hz"`
	TimersArmed int    `json:"timers_armed"`
	KStacksUsed int    `json:"kstacks_used"`
	KStacks     int    `json:"kstacks"`
}

// GetStats handles GET /sched/stats.
func (h *SchedHandler) GetStats(c *gin.Context) {
	used, total := h.k.HAL.KStacks()
	c.JSON(http.StatusOK, statsResponse{
		Stats:       h.k.Sched.Stats(),
		Ticks:       h.k.Ticks(),
		HZ:          h.k.Sched.HZ(),
		TimersArmed: h.k.Timers.Armed(),
		KStacksUsed: used,
		KStacks:     total,
	})
}

// GetTrace handles GET /sched/trace?lines=N, newest event first.
func (h *SchedHandler) GetTrace(c *gin.Context) {
	lines := 100
	if s := c.Query("lines"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 1 {
			badRequest(c, errors.New("lines must be a positive integer"))
			return
		}
		lines = v
	}

	events := h.k.Sched.Trace(lines)
	c.Header("X-Total-Count", strconv.Itoa(len(events)))
	c.JSON(http.StatusOK, events)
}
