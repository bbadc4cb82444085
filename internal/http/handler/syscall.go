package handler

import (
	"net/http"

	"github.com/edirooss/tinysched/internal/kernel"
	"github.com/edirooss/tinysched/internal/sched"
	"github.com/edirooss/tinysched/internal/sysent"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SyscallHandler feeds raw system calls to the dispatcher, as a trap
// handler would.
type SyscallHandler struct {
	log *zap.Logger
	k   *kernel.Kernel
}

// NewSyscallHandler constructs a SyscallHandler instance.
func NewSyscallHandler(log *zap.Logger, k *kernel.Kernel) *SyscallHandler {
	return &SyscallHandler{
		log: log.Named("syscall"),
		k:   k,
	}
}

type syscallRequest struct {
	Caller  sched.ThreadID `json:"caller"`
	Code    string         `json:"code"`    // name ("thread_create") or number
	Payload []byte         `json:"payload"` // base64
}

type syscallResponse struct {
	Ret     int32  `json:"ret"`
	Errno   string `json:"errno,omitempty"`
	Payload []byte `json:"payload,omitempty"`
}

// Call handles POST /syscall. A failing call is still a 200: its errno is
// part of the result.
func (h *SyscallHandler) Call(c *gin.Context) {
	var req syscallRequest
	if err := bind(c.Request, &req); err != nil {
		badRequest(c, err)
		return
	}
	code, err := sysent.ParseCode(req.Code)
	if err != nil {
		badRequest(c, err)
		return
	}

	ret, out := h.k.Sys.Call(c.Request.Context(), req.Caller, code, req.Payload)
	res := syscallResponse{Ret: ret, Payload: out}
	if ret < 0 {
		res.Errno = sysent.Errno(-ret).String()
	}
	h.k.Kick()
	c.JSON(http.StatusOK, res)
}
