package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/edirooss/tinysched/internal/proc"
	"github.com/edirooss/tinysched/internal/sched"
	"github.com/edirooss/tinysched/internal/service"
	"github.com/edirooss/tinysched/internal/sysent"
	"github.com/edirooss/tinysched/pkg/jsonx"
	"github.com/gin-gonic/gin"
)

// statusOf maps kernel errors onto HTTP statuses.
func statusOf(err error) int {
	switch {
	case errors.Is(err, sched.ErrNotFound), errors.Is(err, proc.ErrNoProcess):
		return http.StatusNotFound
	case errors.Is(err, sched.ErrInvalidState), errors.Is(err, proc.ErrNotOwner):
		return http.StatusConflict
	case errors.Is(err, sched.ErrBadPriority), errors.Is(err, sysent.ErrFault):
		return http.StatusUnprocessableEntity
	case errors.Is(err, sched.ErrExhausted), errors.Is(err, proc.ErrNoPID),
		errors.Is(err, sched.ErrNoTimers), errors.Is(err, service.ErrNoStore):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func fail(c *gin.Context, err error) {
	c.Error(err)
	c.JSON(statusOf(err), gin.H{"message": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.Error(err)
	c.JSON(http.StatusBadRequest, gin.H{"message": err.Error()})
}

func bind(req *http.Request, obj any) error {
	if req == nil || req.Body == nil {
		return errors.New("invalid request")
	}
	return jsonx.DecodeStrict(req.Body, obj)
}

// bindOptional is bind for bodies that may be empty.
func bindOptional(req *http.Request, obj any) error {
	if req == nil || req.Body == nil {
		return nil
	}
	if err := jsonx.DecodeStrict(req.Body, obj); err != nil && !errors.Is(err, jsonx.ErrEmptyBody) {
		return err
	}
	return nil
}
