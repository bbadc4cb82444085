package handler

import (
	"net/http"

	"github.com/edirooss/tinysched/internal/http/middleware"
	"github.com/edirooss/tinysched/internal/kernel"
	"github.com/edirooss/tinysched/internal/service"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Register mounts the API on api. maxBlocking caps the requests that may
// be parked in the scheduler at once.
func Register(api gin.IRouter, log *zap.Logger, k *kernel.Kernel, stats *service.StatsService, maxBlocking int) {
	threads := NewThreadsHandler(log, k, stats)
	procs := NewProcsHandler(log, k, stats)
	schedh := NewSchedHandler(log, k, stats)
	sys := NewSyscallHandler(log, k)

	blocking := middleware.LimitConcurrentRequests(maxBlocking)
	validID := middleware.RequireValidThreadID(k.Sched.MaxThreads())

	api.GET("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })

	api.GET("/threads", threads.ListThreads)
	api.POST("/threads", threads.CreateThread)
	api.GET("/threads/:id", validID, threads.GetThread)
	api.DELETE("/threads/:id", validID, threads.TerminateThread)
	api.GET("/threads/:id/dump", validID, threads.DumpThread)
	api.POST("/threads/:id/exec", validID, threads.ExecThread)
	api.POST("/threads/:id/fork", validID, threads.ForkThread)
	api.POST("/threads/:id/detach", validID, threads.DetachThread)
	api.POST("/threads/:id/die", validID, threads.DieThread)
	api.POST("/threads/:id/sleep", validID, blocking, threads.SleepThread)
	api.POST("/threads/:id/join", validID, blocking, threads.JoinThread)
	api.POST("/threads/:id/yield", validID, blocking, threads.YieldThread)
	api.GET("/threads/:id/priority", validID, threads.GetPriority)
	api.PUT("/threads/:id/priority", validID, threads.SetPriority)

	api.GET("/procs", procs.ListProcs)
	api.POST("/procs", procs.SpawnProc)
	api.GET("/procs/:pid", procs.GetProc)
	api.DELETE("/procs/:pid", procs.KillProc)

	api.GET("/sched/loadavg", schedh.GetLoadAvg)
	api.GET("/sched/loadavg/history", schedh.GetLoadAvgHistory)
	api.GET("/sched/stats", schedh.GetStats)
	api.GET("/sched/trace", schedh.GetTrace)

	api.POST("/syscall", blocking, sys.Call)
}
