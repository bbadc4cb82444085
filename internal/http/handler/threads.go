package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/edirooss/tinysched/internal/hal"
	"github.com/edirooss/tinysched/internal/http/middleware"
	"github.com/edirooss/tinysched/internal/kernel"
	"github.com/edirooss/tinysched/internal/sched"
	"github.com/edirooss/tinysched/internal/service"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// ThreadsHandler exposes the thread table.
//
// Supported operations:
//   - GET    /threads                 → List all threads
//   - POST   /threads                 → Create a thread
//   - GET    /threads/{id}            → Retrieve a thread
//   - DELETE /threads/{id}            → Terminate a thread and its subtree
//   - POST   /threads/{id}/{action}   → exec, fork, detach, sleep, die, join, yield
//
// Sleep, join and yield block until the scheduler releases the caller or
// the request is cancelled.
type ThreadsHandler struct {
	log   *zap.Logger
	k     *kernel.Kernel
	stats *service.StatsService
}

// NewThreadsHandler constructs a ThreadsHandler instance.
func NewThreadsHandler(log *zap.Logger, k *kernel.Kernel, stats *service.StatsService) *ThreadsHandler {
	return &ThreadsHandler{
		log:   log.Named("threads"),
		k:     k,
		stats: stats,
	}
}

// ListThreads handles GET /threads.
//   - Served from the coalesced snapshot; ?force=1 bypasses the cache.
//   - Adds `X-Total-Count` and `X-Cache` headers.
func (h *ThreadsHandler) ListThreads(c *gin.Context) {
	if c.Query("force") == "1" {
		h.stats.Invalidate()
	}

	res, err := h.stats.Get(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}

	c.Header("X-Cache", map[bool]string{true: "HIT", false: "MISS"}[res.CacheHit])
	c.Header("X-Snapshot-Generated-At", res.GeneratedAt.UTC().Format(time.RFC3339Nano))
	c.Header("X-Total-Count", strconv.Itoa(len(res.Data.Threads)))
	c.JSON(http.StatusOK, res.Data.Threads)
}

type createThreadRequest struct {
	Priority  sched.Priority  `json:"priority"` // omitted: normal
	Parent    *sched.ThreadID `json:"parent"`   // omitted: root thread
	Entry     uintptr         `json:"entry"`
	Arg       uintptr         `json:"arg"`
	StackAddr uintptr         `json:"stack_addr"`
	StackSize uintptr         `json:"stack_size"`
	KWorker   bool            `json:"kworker"`
}

func (r createThreadRequest) attr() sched.Attr {
	a := sched.Attr{
		Entry:    r.Entry,
		Arg:      r.Arg,
		Stack:    hal.Stack{Addr: r.StackAddr, Size: r.StackSize},
		Priority: r.Priority,
		Parent:   sched.NoThread,
		KWorker:  r.KWorker,
	}
	if r.Parent != nil {
		a.Parent = *r.Parent
	}
	return a
}

// CreateThread handles POST /threads.
func (h *ThreadsHandler) CreateThread(c *gin.Context) {
	var req createThreadRequest
	if err := bind(c.Request, &req); err != nil {
		badRequest(c, err)
		return
	}

	id, err := h.k.CreateThread(req.attr())
	if err != nil {
		fail(c, err)
		return
	}
	h.stats.Invalidate()

	info, err := h.k.Sched.Thread(id)
	if err != nil {
		fail(c, err)
		return
	}
	c.Header("Location", fmt.Sprintf("/api/threads/%d", id))
	c.JSON(http.StatusCreated, info)
}

// GetThread handles GET /threads/{id}.
func (h *ThreadsHandler) GetThread(c *gin.Context) {
	info, err := h.k.Sched.Thread(middleware.ThreadID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// DumpThread handles GET /threads/{id}/dump.
func (h *ThreadsHandler) DumpThread(c *gin.Context) {
	info, err := h.k.Sched.Thread(middleware.ThreadID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.String(http.StatusOK, spew.Sdump(info))
}

// ExecThread handles POST /threads/{id}/exec.
func (h *ThreadsHandler) ExecThread(c *gin.Context) {
	if err := h.k.Sched.SetExec(middleware.ThreadID(c)); err != nil {
		fail(c, err)
		return
	}
	h.k.Kick()
	c.Status(http.StatusNoContent)
}

// ForkThread handles POST /threads/{id}/fork.
func (h *ThreadsHandler) ForkThread(c *gin.Context) {
	p, err := h.k.Fork(c.Request.Context(), middleware.ThreadID(c))
	if err != nil {
		fail(c, err)
		return
	}
	h.stats.Invalidate()
	c.Header("Location", fmt.Sprintf("/api/procs/%d", p.PID))
	c.JSON(http.StatusCreated, p)
}

// DetachThread handles POST /threads/{id}/detach.
func (h *ThreadsHandler) DetachThread(c *gin.Context) {
	if err := h.k.Sched.Detach(middleware.ThreadID(c)); err != nil {
		fail(c, err)
		return
	}
	h.k.Kick()
	c.Status(http.StatusNoContent)
}

type sleepRequest struct {
	MS        int64 `json:"ms"`        // > 0: timed sleep
	Permanent bool  `json:"permanent"` // with ms == 0: ignore exec requests
}

// SleepThread handles POST /threads/{id}/sleep. It returns once the thread
// has been woken.
func (h *ThreadsHandler) SleepThread(c *gin.Context) {
	var req sleepRequest
	if err := bindOptional(c.Request, &req); err != nil {
		badRequest(c, err)
		return
	}
	if req.MS < 0 {
		badRequest(c, errors.New("ms must not be negative"))
		return
	}

	id := middleware.ThreadID(c)
	var err error
	if req.MS > 0 {
		err = h.k.Sched.SleepFor(c.Request.Context(), id, time.Duration(req.MS)*time.Millisecond)
	} else {
		err = h.k.Sched.Sleep(c.Request.Context(), id, req.Permanent)
	}
	if err != nil {
		fail(c, err)
		return
	}

	info, err := h.k.Sched.Thread(id)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

type dieRequest struct {
	Retval uintptr `json:"retval"`
}

// DieThread handles POST /threads/{id}/die. The thread becomes a zombie at
// once; reclaiming it is left to join or the next selection.
func (h *ThreadsHandler) DieThread(c *gin.Context) {
	var req dieRequest
	if err := bindOptional(c.Request, &req); err != nil {
		badRequest(c, err)
		return
	}

	if err := h.k.Sched.Exit(middleware.ThreadID(c), req.Retval); err != nil {
		fail(c, err)
		return
	}
	h.stats.Invalidate()
	h.k.Kick()
	c.Status(http.StatusAccepted)
}

type joinRequest struct {
	Caller sched.ThreadID `json:"caller"`
}

// JoinThread handles POST /threads/{id}/join on behalf of the parent named
// in the body.
func (h *ThreadsHandler) JoinThread(c *gin.Context) {
	var req joinRequest
	if err := bind(c.Request, &req); err != nil {
		badRequest(c, err)
		return
	}

	id := middleware.ThreadID(c)
	rv, err := h.k.Sched.Join(c.Request.Context(), req.Caller, id)
	if err != nil {
		fail(c, err)
		return
	}
	h.stats.Invalidate()
	c.JSON(http.StatusOK, gin.H{"id": id, "retval": rv})
}

type yieldRequest struct {
	Wait bool `json:"wait"`
}

// YieldThread handles POST /threads/{id}/yield.
func (h *ThreadsHandler) YieldThread(c *gin.Context) {
	var req yieldRequest
	if err := bindOptional(c.Request, &req); err != nil {
		badRequest(c, err)
		return
	}

	if err := h.k.Sched.Yield(c.Request.Context(), middleware.ThreadID(c), req.Wait); err != nil {
		fail(c, err)
		return
	}
	h.k.Kick()
	c.Status(http.StatusNoContent)
}

// TerminateThread handles DELETE /threads/{id}.
func (h *ThreadsHandler) TerminateThread(c *gin.Context) {
	if err := h.k.Sched.Terminate(middleware.ThreadID(c)); err != nil {
		fail(c, err)
		return
	}
	h.stats.Invalidate()
	h.k.Kick()
	c.Status(http.StatusNoContent)
}

type priorityBody struct {
	Priority sched.Priority `json:"priority"`
}

// GetPriority handles GET /threads/{id}/priority.
func (h *ThreadsHandler) GetPriority(c *gin.Context) {
	p, err := h.k.Sched.GetPriority(middleware.ThreadID(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, priorityBody{Priority: p})
}

// SetPriority handles PUT /threads/{id}/priority.
func (h *ThreadsHandler) SetPriority(c *gin.Context) {
	var req priorityBody
	if err := bind(c.Request, &req); err != nil {
		badRequest(c, err)
		return
	}

	if err := h.k.Sched.SetPriority(middleware.ThreadID(c), req.Priority); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
